package server

import (
	"net/http"
	"strings"
	"time"

	"tasksync/internal/domain"
)

// CreateTaskRequest accepts every task field except the id.
type CreateTaskRequest struct {
	Title        string `json:"title" minLength:"1"`
	Description  string `json:"description,omitempty"`
	DueDate      string `json:"dueDate,omitempty" doc:"RFC 3339 timestamp or YYYY-MM-DD"`
	Status       string `json:"status,omitempty" example:"To Do"`
	OwnerID      string `json:"ownerId,omitempty"`
	AssignedUser string `json:"assignedUser,omitempty"`
	CreatedBy    string `json:"createdBy,omitempty"`
	Username     string `json:"username,omitempty"`
}

// UpdateTaskRequest is a partial update. An empty dueDate clears the due date.
type UpdateTaskRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	DueDate      *string `json:"dueDate,omitempty"`
	Status       *string `json:"status,omitempty"`
	AssignedUser *string `json:"assignedUser,omitempty"`
}

type MarkReadRequest struct {
	Read bool `json:"read"`
}

type DevLoginRequest struct {
	Username string `json:"username" minLength:"1"`
	Role     string `json:"role,omitempty" example:"User"`
}

type DevLoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func parseStatusField(raw string) (domain.Status, error) {
	st, ok := domain.ParseStatus(raw)
	if !ok {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"field": "status", "value": raw})
	}
	return st, nil
}

func parseDueField(raw string) (time.Time, error) {
	due, err := domain.ParseDueDate(raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid dueDate", map[string]any{"field": "dueDate", "value": raw})
	}
	return due, nil
}

func (r CreateTaskRequest) toNewTask() (domain.NewTask, error) {
	in := domain.NewTask{
		Title:        r.Title,
		Description:  r.Description,
		OwnerID:      r.OwnerID,
		AssignedUser: r.AssignedUser,
		CreatedBy:    r.CreatedBy,
		Username:     r.Username,
	}
	if strings.TrimSpace(r.Status) != "" {
		st, err := parseStatusField(r.Status)
		if err != nil {
			return in, err
		}
		in.Status = st
	}
	if strings.TrimSpace(r.DueDate) != "" {
		due, err := parseDueField(r.DueDate)
		if err != nil {
			return in, err
		}
		in.DueDate = due
	}
	return in, nil
}

func (r UpdateTaskRequest) toPatch() (domain.TaskPatch, error) {
	p := domain.TaskPatch{Title: r.Title, Description: r.Description, AssignedUser: r.AssignedUser}
	if r.Status != nil {
		st, err := parseStatusField(*r.Status)
		if err != nil {
			return p, err
		}
		p.Status = &st
	}
	if r.DueDate != nil {
		var due time.Time
		if strings.TrimSpace(*r.DueDate) != "" {
			d, err := parseDueField(*r.DueDate)
			if err != nil {
				return p, err
			}
			due = d
		}
		p.DueDate = &due
	}
	return p, nil
}
