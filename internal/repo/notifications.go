package repo

import (
	"context"
	"database/sql"

	"tasksync/internal/domain"
)

func scanNotification(row scanner) (domain.Notification, error) {
	var n domain.Notification
	var ts string
	var read int
	if err := row.Scan(&n.ID, &n.UserID, &n.Message, &ts, &read); err != nil {
		return n, wrapNoRows(err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return n, err
	}
	n.Timestamp = t
	n.Read = read != 0
	return n, nil
}

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	read := 0
	if n.Read {
		read = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,user_id,message,ts,is_read) VALUES (?,?,?,?,?)`,
		n.ID, n.UserID, n.Message, formatTime(n.Timestamp), read)
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT id,user_id,message,ts,is_read FROM notifications WHERE id=?`, id))
}

// ListNotifications returns a recipient's notifications, newest first.
func (r Repo) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	return listNotifications(ctx, r.DB, userID)
}

func (r Repo) ListNotificationsTx(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Notification, error) {
	return listNotifications(ctx, tx, userID)
}

func listNotifications(ctx context.Context, q queryer, userID string) ([]domain.Notification, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,user_id,message,ts,is_read FROM notifications WHERE user_id=? ORDER BY ts DESC, rowid DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead sets the read flag. Marking an already-read notification succeeds.
func (r Repo) MarkNotificationRead(ctx context.Context, tx *sql.Tx, id string) (domain.Notification, error) {
	res, err := tx.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=?`, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := expectRow(res); err != nil {
		return domain.Notification{}, err
	}
	return scanNotification(tx.QueryRowContext(ctx, `SELECT id,user_id,message,ts,is_read FROM notifications WHERE id=?`, id))
}
