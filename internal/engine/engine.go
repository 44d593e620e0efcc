// Package engine applies task and notification mutations on the hub.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasksync/internal/domain"
	"tasksync/internal/engine/auth"
	"tasksync/internal/events"
	"tasksync/internal/repo"
)

// ErrInvalid marks rejected input.
var ErrInvalid = errors.New("invalid input")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// Result is a committed task mutation. Notified lists the users that got a new
// notification, so the caller can push their snapshots.
type Result struct {
	Task     domain.Task
	Activity domain.ActivityEntry
	Notified []string
}

// CreateTask stores a new task. The owner defaults to the actor; only admins may
// create tasks owned by someone else.
func (e Engine) CreateTask(ctx context.Context, actor domain.Identity, in domain.NewTask) (Result, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Result{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if in.OwnerID == "" {
		in.OwnerID = actor.ID
	}
	if in.OwnerID != actor.ID && !actor.IsAdmin() {
		return Result{}, auth.ForbiddenError{Action: "create tasks for", Target: "user " + in.OwnerID}
	}
	if in.Status == "" {
		in.Status = domain.StatusToDo
	}
	if in.CreatedBy == "" {
		in.CreatedBy = actor.ID
	}
	if in.Username == "" {
		in.Username = actor.Username
	}
	t := domain.Task{
		ID:           uuid.NewString(),
		Title:        in.Title,
		Description:  in.Description,
		Status:       in.Status,
		OwnerID:      in.OwnerID,
		AssignedUser: in.AssignedUser,
		CreatedBy:    in.CreatedBy,
		Username:     in.Username,
	}
	if !in.DueDate.IsZero() {
		t.DueDate = in.DueDate.UTC().Truncate(time.Millisecond)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := e.now()
	if err := e.Repo.InsertTask(ctx, tx, t, now); err != nil {
		return Result{}, fmt.Errorf("insert task: %w", err)
	}
	entry, err := e.events().Append(ctx, tx, domain.ActivityCreated, t, actor.ID)
	if err != nil {
		return Result{}, fmt.Errorf("append activity: %w", err)
	}
	res := Result{Task: t, Activity: entry}
	if t.AssignedUser != "" && t.AssignedUser != actor.ID {
		if err := e.notify(ctx, tx, t.AssignedUser, assignMessage(actor, t), now); err != nil {
			return Result{}, err
		}
		res.Notified = append(res.Notified, t.AssignedUser)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// UpdateTask applies patch to task id. A change of assignee notifies the new assignee.
func (e Engine) UpdateTask(ctx context.Context, actor domain.Identity, id string, patch domain.TaskPatch) (Result, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return Result{}, fmt.Errorf("%w: title cannot be empty", ErrInvalid)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return Result{}, err
	}
	if err := auth.Task(actor, "update", current); err != nil {
		return Result{}, err
	}
	next := patch.Apply(current)
	if !next.DueDate.IsZero() {
		next.DueDate = next.DueDate.Truncate(time.Millisecond)
	}
	now := e.now()
	if err := e.Repo.UpdateTask(ctx, tx, next, now); err != nil {
		return Result{}, fmt.Errorf("update task: %w", err)
	}
	entry, err := e.events().Append(ctx, tx, domain.ActivityUpdated, next, actor.ID)
	if err != nil {
		return Result{}, fmt.Errorf("append activity: %w", err)
	}
	res := Result{Task: next, Activity: entry}
	if next.AssignedUser != "" && next.AssignedUser != current.AssignedUser && next.AssignedUser != actor.ID {
		if err := e.notify(ctx, tx, next.AssignedUser, assignMessage(actor, next), now); err != nil {
			return Result{}, err
		}
		res.Notified = append(res.Notified, next.AssignedUser)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// DeleteTask removes task id. requesterID is the id the client put in the path and
// must name the actor.
func (e Engine) DeleteTask(ctx context.Context, actor domain.Identity, id, requesterID string) (Result, error) {
	if requesterID != actor.ID && !actor.IsAdmin() {
		return Result{}, auth.ForbiddenError{Action: "delete on behalf of", Target: "user " + requesterID}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return Result{}, err
	}
	if err := auth.Task(actor, "delete", current); err != nil {
		return Result{}, err
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return Result{}, fmt.Errorf("delete task: %w", err)
	}
	entry, err := e.events().Append(ctx, tx, domain.ActivityDeleted, current, actor.ID)
	if err != nil {
		return Result{}, fmt.Errorf("append activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Task: current, Activity: entry}, nil
}

func (e Engine) ListNotifications(ctx context.Context, actor domain.Identity, userID string) ([]domain.Notification, error) {
	if err := auth.SelfOrAdmin(actor, "read notifications of", userID); err != nil {
		return nil, err
	}
	return e.Repo.ListNotifications(ctx, userID)
}

// MarkNotificationRead marks one of the actor's notifications read.
func (e Engine) MarkNotificationRead(ctx context.Context, actor domain.Identity, id string) (domain.Notification, error) {
	n, err := e.Repo.GetNotification(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := auth.SelfOrAdmin(actor, "mark notifications of", n.UserID); err != nil {
		return domain.Notification{}, err
	}
	if n.Read {
		return n, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Notification{}, err
	}
	defer tx.Rollback()
	n, err = e.Repo.MarkNotificationRead(ctx, tx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	return n, tx.Commit()
}

// DevLogin registers or refreshes a user by username.
func (e Engine) DevLogin(ctx context.Context, username string, role domain.Role) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, fmt.Errorf("%w: username is required", ErrInvalid)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	u, err := e.Repo.UpsertUserByUsername(ctx, tx, domain.User{ID: uuid.NewString(), Username: username, Role: role}, e.now())
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, tx.Commit()
}

func (e Engine) Activity(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	return e.Repo.ListActivity(ctx, limit)
}

func (e Engine) notify(ctx context.Context, tx *sql.Tx, userID, message string, now time.Time) error {
	n := domain.Notification{ID: uuid.NewString(), UserID: userID, Message: message, Timestamp: now}
	if err := e.Repo.InsertNotification(ctx, tx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func assignMessage(actor domain.Identity, t domain.Task) string {
	who := actor.Username
	if who == "" {
		who = "Someone"
	}
	return fmt.Sprintf("%s assigned you the task %q", who, t.Title)
}
