package view

import (
	"strings"
	"time"

	"tasksync/internal/domain"
)

// Names resolves user ids to display names.
type Names interface {
	Name(id, fallback string) string
}

// FormatActivity renders one log line, e.g.
// "ann created the task Report and marked it as Done on 2024-01-10 09:00:00 UTC".
func FormatActivity(e domain.ActivityEntry, names Names) string {
	who := "User"
	if names != nil {
		who = names.Name(e.UserID, "User")
	}
	title := e.Title
	if strings.TrimSpace(title) == "" {
		title = "Task " + e.TaskID
	}
	var b strings.Builder
	b.WriteString(who)
	switch e.Action {
	case domain.ActivityCreated:
		b.WriteString(" created the task ")
	case domain.ActivityUpdated:
		b.WriteString(" updated the task ")
	case domain.ActivityDeleted:
		b.WriteString(" deleted the task ")
	default:
		b.WriteString(" performed an action on the task ")
	}
	b.WriteString(title)
	switch e.Status {
	case domain.StatusInProgress:
		b.WriteString(" and marked it as In-Progress")
	case domain.StatusToDo:
		b.WriteString(" and moved it to To-Do")
	case domain.StatusDone:
		b.WriteString(" and marked it as Done")
	}
	if !e.Timestamp.IsZero() {
		b.WriteString(" on ")
		b.WriteString(e.Timestamp.UTC().Format(time.DateTime + " MST"))
	}
	return b.String()
}
