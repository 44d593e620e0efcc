package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// wireTask is the loose shape tasks arrive in. Legacy backends send `_id`,
// `privilegeId` and `userid` instead of the canonical field names.
type wireTask struct {
	ID           string `json:"id"`
	LegacyID     string `json:"_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	DueDate      string `json:"dueDate"`
	Status       string `json:"status"`
	OwnerID      string `json:"ownerId"`
	PrivilegeID  string `json:"privilegeId"`
	AssignedUser string `json:"assignedUser"`
	CreatedBy    string `json:"createdBy"`
	LegacyUserID string `json:"userid"`
	Username     string `json:"username"`
}

type wireNotification struct {
	ID        string `json:"id"`
	LegacyID  string `json:"_id"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

type wireUser struct {
	ID       string `json:"id"`
	LegacyID string `json:"_id"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type wireActivity struct {
	ID        string `json:"id"`
	LegacyID  string `json:"_id"`
	UserID    string `json:"userId"`
	TaskID    string `json:"taskId"`
	Title     string `json:"title"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ParseDueDate accepts RFC 3339 timestamps or bare YYYY-MM-DD dates and returns UTC.
// An empty string is the zero time.
func ParseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func (w wireTask) toTask() (Task, error) {
	t := Task{
		ID:           firstNonEmpty(w.ID, w.LegacyID),
		Title:        strings.TrimSpace(w.Title),
		Description:  w.Description,
		OwnerID:      firstNonEmpty(w.OwnerID, w.PrivilegeID),
		AssignedUser: strings.TrimSpace(w.AssignedUser),
		CreatedBy:    firstNonEmpty(w.CreatedBy, w.LegacyUserID),
		Username:     w.Username,
		Status:       StatusToDo,
	}
	if t.ID == "" {
		return Task{}, malformed("task id missing")
	}
	if t.Title == "" {
		return Task{}, malformed("task %s has no title", t.ID)
	}
	if strings.TrimSpace(w.Status) != "" {
		st, ok := ParseStatus(w.Status)
		if !ok {
			return Task{}, malformed("task %s has unknown status %q", t.ID, w.Status)
		}
		t.Status = st
	}
	due, err := ParseDueDate(w.DueDate)
	if err != nil {
		return Task{}, malformed("task %s: %v", t.ID, err)
	}
	t.DueDate = due
	return t, nil
}

// UnmarshalJSON validates and normalizes a task at the wire boundary.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return malformed("task: %v", err)
	}
	out, err := w.toTask()
	if err != nil {
		return err
	}
	*t = out
	return nil
}

func (w wireNotification) toNotification() (Notification, error) {
	n := Notification{
		ID:      firstNonEmpty(w.ID, w.LegacyID),
		UserID:  strings.TrimSpace(w.UserID),
		Message: w.Message,
		Read:    w.Read,
	}
	if n.ID == "" {
		return Notification{}, malformed("notification id missing")
	}
	if n.UserID == "" {
		return Notification{}, malformed("notification %s has no recipient", n.ID)
	}
	if ts := strings.TrimSpace(w.Timestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Notification{}, malformed("notification %s: invalid timestamp %q", n.ID, ts)
		}
		n.Timestamp = parsed.UTC()
	}
	return n, nil
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return malformed("notification: %v", err)
	}
	out, err := w.toNotification()
	if err != nil {
		return err
	}
	*n = out
	return nil
}

func (u *User) UnmarshalJSON(data []byte) error {
	var w wireUser
	if err := json.Unmarshal(data, &w); err != nil {
		return malformed("user: %v", err)
	}
	id := firstNonEmpty(w.ID, w.LegacyID, w.UserID)
	if id == "" {
		return malformed("user id missing")
	}
	*u = User{ID: id, Username: w.Username, Name: w.Name, Role: ParseRole(w.Role)}
	return nil
}

func (a *ActivityEntry) UnmarshalJSON(data []byte) error {
	var w wireActivity
	if err := json.Unmarshal(data, &w); err != nil {
		return malformed("activity: %v", err)
	}
	out := ActivityEntry{
		ID:     firstNonEmpty(w.ID, w.LegacyID),
		UserID: strings.TrimSpace(w.UserID),
		TaskID: strings.TrimSpace(w.TaskID),
		Title:  w.Title,
		Action: ActivityAction(strings.ToLower(strings.TrimSpace(w.Action))),
	}
	if out.ID == "" {
		return malformed("activity id missing")
	}
	if st, ok := ParseStatus(w.Status); ok {
		out.Status = st
	}
	if ts := strings.TrimSpace(w.Timestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return malformed("activity %s: invalid timestamp %q", out.ID, ts)
		}
		out.Timestamp = parsed.UTC()
	}
	*a = out
	return nil
}

// DecodeTask converts a task.created / task.updated payload.
func DecodeTask(raw json.RawMessage) (Task, error) {
	if isNull(raw) {
		return Task{}, malformed("empty task payload")
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, asMalformed(err)
	}
	return t, nil
}

// DecodeTaskID converts a task.deleted payload. A bare string is expected;
// an object carrying an id is tolerated.
func DecodeTaskID(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", malformed("empty task id payload")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if id = strings.TrimSpace(id); id == "" {
			return "", malformed("blank task id")
		}
		return id, nil
	}
	var obj struct {
		ID       string `json:"id"`
		LegacyID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", malformed("task id: %v", err)
	}
	if id = firstNonEmpty(obj.ID, obj.LegacyID); id == "" {
		return "", malformed("task id missing")
	}
	return id, nil
}

// DecodeNotifications converts a notification.new payload. One bad entry rejects the whole event.
func DecodeNotifications(raw json.RawMessage) ([]Notification, error) {
	if isNull(raw) {
		return nil, malformed("empty notification payload")
	}
	var out []Notification
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, asMalformed(err)
	}
	return out, nil
}

func DecodeActivity(raw json.RawMessage) ([]ActivityEntry, error) {
	if isNull(raw) {
		return nil, malformed("empty activity payload")
	}
	var out []ActivityEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, asMalformed(err)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func asMalformed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMalformedPayload) {
		return err
	}
	return malformed("%v", err)
}
