package repo

import (
	"context"
	"database/sql"
	"time"

	"tasksync/internal/domain"
)

const userColumns = `id,username,COALESCE(name,''),role`

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &u.Name, &role); err != nil {
		return u, wrapNoRows(err)
	}
	u.Role = domain.ParseRole(role)
	return u, nil
}

// UpsertUserByUsername inserts u, or refreshes the name and role of the user already
// holding that username. The stored row is returned; its id wins over u.ID.
func (r Repo) UpsertUserByUsername(ctx context.Context, tx *sql.Tx, u domain.User, now time.Time) (domain.User, error) {
	_, err := tx.ExecContext(ctx, `
INSERT INTO users(id,username,name,role,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(username) DO UPDATE SET name=COALESCE(excluded.name,users.name), role=excluded.role`,
		u.ID, u.Username, nullable(u.Name), string(domain.ParseRole(string(u.Role))), formatTime(now))
	if err != nil {
		return domain.User{}, err
	}
	return scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, u.Username))
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
