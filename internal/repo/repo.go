package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is how timestamps are stored. Fixed width so text order is time order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// queryer is satisfied by *sql.DB and *sql.Tx. The hub runs on a single
// connection, so reads inside a transaction must go through the tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

type scanner interface {
	Scan(dest ...any) error
}

func wrapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
