// Package events appends entries to the hub's activity log.
package events

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"tasksync/internal/domain"
	"tasksync/internal/repo"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records that actorID performed action on t, inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, action domain.ActivityAction, t domain.Task, actorID string) (domain.ActivityEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	entry := domain.ActivityEntry{
		ID:        uuid.NewString(),
		UserID:    actorID,
		TaskID:    t.ID,
		Title:     t.Title,
		Action:    action,
		Status:    t.Status,
		Timestamp: w.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO activity(id,user_id,task_id,title,action,status,ts) VALUES (?,?,?,?,?,?,?)`,
		entry.ID, entry.UserID, entry.TaskID, entry.Title, string(entry.Action), nullable(string(entry.Status)),
		entry.Timestamp.Format(repo.TimeLayout))
	return entry, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
