package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusToDo       Status = "To Do"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// ParseStatus accepts the canonical spellings as well as the compact
// "ToDo"/"InProgress" forms some clients send.
func ParseStatus(s string) (Status, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(s), ""))
	switch key {
	case "todo":
		return StatusToDo, true
	case "inprogress":
		return StatusInProgress, true
	case "done":
		return StatusDone, true
	}
	return "", false
}

type Role string

const (
	RoleUser  Role = "User"
	RoleAdmin Role = "Admin"
)

// ParseRole maps unknown or empty roles to RoleUser.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleAdmin)) {
		return RoleAdmin
	}
	return RoleUser
}

type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	DueDate      time.Time `json:"dueDate,omitzero"`
	Status       Status    `json:"status" enum:"To Do,In Progress,Done"`
	OwnerID      string    `json:"ownerId"`
	AssignedUser string    `json:"assignedUser,omitempty"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	Username     string    `json:"username,omitempty"`
}

func (t Task) Done() bool { return t.Status == StatusDone }

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Read      bool      `json:"read"`
}

// Identity is the authenticated principal a client session acts as.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Role     Role   `json:"role" enum:"User,Admin"`
}

type ActivityAction string

const (
	ActivityCreated ActivityAction = "created"
	ActivityUpdated ActivityAction = "updated"
	ActivityDeleted ActivityAction = "deleted"
)

type ActivityEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	TaskID    string         `json:"taskId"`
	Title     string         `json:"title"`
	Action    ActivityAction `json:"action"`
	Status    Status         `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
}

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Invert flips the direction; anything but SortDesc counts as ascending.
func (o SortOrder) Invert() SortOrder {
	if o == SortDesc {
		return SortAsc
	}
	return SortDesc
}

// TaskFilter narrows a task listing. Zero fields do not filter.
type TaskFilter struct {
	Status  Status
	DueDate time.Time
}

// NewTask is the create payload: every task field except the server-assigned id.
type NewTask struct {
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	DueDate      time.Time `json:"dueDate,omitzero"`
	Status       Status    `json:"status,omitempty"`
	OwnerID      string    `json:"ownerId"`
	AssignedUser string    `json:"assignedUser,omitempty"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	Username     string    `json:"username,omitempty"`
}

// TaskPatch carries a partial update; nil fields are left untouched.
type TaskPatch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	Status       *Status    `json:"status,omitempty"`
	AssignedUser *string    `json:"assignedUser,omitempty"`
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil && p.Status == nil && p.AssignedUser == nil
}

// Apply returns t with the patch applied. Id and owner never change.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.DueDate != nil {
		t.DueDate = p.DueDate.UTC()
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssignedUser != nil {
		t.AssignedUser = *p.AssignedUser
	}
	return t
}

// Event channel names.
const (
	EventTaskCreated     = "task.created"
	EventTaskUpdated     = "task.updated"
	EventTaskDeleted     = "task.deleted"
	EventNotificationNew = "notification.new"
	EventActivityFetch   = "activity.fetch"
	EventActivityLogs    = "activity.logs"
)
