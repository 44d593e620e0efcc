package repo

import (
	"context"
	"database/sql"

	"tasksync/internal/domain"
)

// ListActivity returns the newest entries first. A non-positive limit returns everything.
func (r Repo) ListActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	query := `SELECT id,user_id,task_id,title,action,status,ts FROM activity ORDER BY ts DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ActivityEntry{}
	for rows.Next() {
		var a domain.ActivityEntry
		var action, ts string
		var status sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.TaskID, &a.Title, &action, &status, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		a.Action = domain.ActivityAction(action)
		a.Status = domain.Status(status.String)
		a.Timestamp = t
		res = append(res, a)
	}
	return res, rows.Err()
}
