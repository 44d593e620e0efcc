package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"tasksync/internal/domain"
)

const taskColumns = `id,title,description,due_date,status,owner_id,assigned_user,created_by,username`

type TaskFilters struct {
	Status  domain.Status
	DueDate time.Time
	Order   domain.SortOrder
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var due, owner, assigned, createdBy, username sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &due, &status, &owner, &assigned, &createdBy, &username); err != nil {
		return t, wrapNoRows(err)
	}
	t.Status = domain.Status(status)
	if due.Valid {
		d, err := parseTime(due.String)
		if err != nil {
			return t, err
		}
		t.DueDate = d
	}
	t.OwnerID = owner.String
	t.AssignedUser = assigned.String
	t.CreatedBy = createdBy.String
	t.Username = username.String
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task, now time.Time) error {
	ts := formatTime(now)
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,title,description,due_date,status,owner_id,assigned_user,created_by,username,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, nullableTime(t.DueDate), string(t.Status), nullable(t.OwnerID), nullable(t.AssignedUser),
		nullable(t.CreatedBy), nullable(t.Username), ts, ts)
	return err
}

// UpdateTask rewrites the mutable columns. Owner and creator never change.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, due_date=?, status=?, assigned_user=?, updated_at=? WHERE id=?`,
		t.Title, t.Description, nullableTime(t.DueDate), string(t.Status), nullable(t.AssignedUser), formatTime(now), t.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q queryer, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasks returns tasks ordered by due date. Tasks without a due date come last in
// either direction; ties keep insertion order.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if !f.DueDate.IsZero() {
		clauses = append(clauses, "substr(due_date,1,10)=?")
		args = append(args, f.DueDate.UTC().Format("2006-01-02"))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	dir := "ASC"
	if f.Order == domain.SortDesc {
		dir = "DESC"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY due_date IS NULL, due_date ` + dir + `, rowid`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
