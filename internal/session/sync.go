package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/internal/domain"
	"tasksync/internal/perm"
	"tasksync/internal/view"
)

// Refresh re-fetches tasks (with the active criteria), notifications and the user directory.
// A failed read leaves its store untouched and is reported as a warning; the others still apply.
func (s *Session) Refresh(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	s.mu.Lock()
	s.gen++
	s.noteGen++
	gen, noteGen := s.gen, s.noteGen
	c, order := s.criteria, s.order
	s.mu.Unlock()
	ident := s.Identity()

	var errs []error
	tasks, err := s.fetch.ListTasks(ctx, c.Filter(), order)
	if err != nil {
		s.warn("fetch tasks", err)
		errs = append(errs, err)
	} else if err := s.apply(ctx, func() {
		if !s.current(&s.gen, gen) {
			s.log.WithField("generation", gen).Debug("discarding stale task listing")
			return
		}
		s.Tasks.ReplaceAll(tasks)
	}); err != nil {
		return err
	}

	notes, err := s.fetch.ListNotifications(ctx, ident.ID)
	if err != nil {
		s.warn("fetch notifications", err)
		errs = append(errs, err)
	} else if err := s.apply(ctx, func() {
		if !s.current(&s.noteGen, noteGen) {
			s.log.WithField("generation", noteGen).Debug("discarding stale notification listing")
			return
		}
		s.Notifications.ReplaceAll(notes)
	}); err != nil {
		return err
	}

	users, err := s.fetch.ListUsers(ctx)
	if err != nil {
		s.warn("fetch users", err)
		errs = append(errs, err)
	} else if err := s.apply(ctx, func() { s.Directory.ReplaceAll(users) }); err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"tasks": len(tasks), "notifications": len(notes), "users": len(users)}).Debug("refreshed")
	return errors.Join(errs...)
}

// current reports whether counter still equals gen, i.e. no newer listing or snapshot has landed.
func (s *Session) current(counter *uint64, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *counter == gen
}

// SetCriteria changes the filter and re-fetches.
func (s *Session) SetCriteria(ctx context.Context, c view.Criteria) error {
	s.mu.Lock()
	s.criteria = c
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// ToggleSort flips the due date direction. The projection changes immediately; the
// task list is re-fetched in the new order as well.
func (s *Session) ToggleSort(ctx context.Context) (domain.SortOrder, error) {
	s.mu.Lock()
	s.order = s.order.Invert()
	order := s.order
	s.mu.Unlock()
	s.changed()
	return order, s.Refresh(ctx)
}

// CreateTask creates a task owned by the session identity.
func (s *Session) CreateTask(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	if s.closed() {
		return domain.Task{}, ErrClosed
	}
	ident := s.Identity()
	in.OwnerID = ident.ID
	in.CreatedBy = ident.ID
	in.Username = ident.Username
	if in.Status == "" {
		in.Status = domain.StatusToDo
	}
	if !in.DueDate.IsZero() {
		in.DueDate = in.DueDate.UTC()
	}
	task, err := s.fetch.CreateTask(ctx, in)
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	if err := s.apply(ctx, func() { s.Tasks.Upsert(task) }); err != nil {
		return task, err
	}
	s.broadcast(ctx, domain.EventTaskCreated, task)
	return task, nil
}

// UpdateTask applies a partial update to a task the identity may mutate.
func (s *Session) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if s.closed() {
		return domain.Task{}, ErrClosed
	}
	current, err := s.gate(id)
	if err != nil {
		return domain.Task{}, err
	}
	if patch.Empty() {
		return current, nil
	}
	task, err := s.fetch.UpdateTask(ctx, id, patch)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := s.apply(ctx, func() { s.Tasks.Upsert(task) }); err != nil {
		return task, err
	}
	s.broadcast(ctx, domain.EventTaskUpdated, task)
	return task, nil
}

// Complete marks a task Done.
func (s *Session) Complete(ctx context.Context, id string) (domain.Task, error) {
	st := domain.StatusDone
	return s.UpdateTask(ctx, id, domain.TaskPatch{Status: &st})
}

// Reopen moves a task back to To Do.
func (s *Session) Reopen(ctx context.Context, id string) (domain.Task, error) {
	st := domain.StatusToDo
	return s.UpdateTask(ctx, id, domain.TaskPatch{Status: &st})
}

func (s *Session) DeleteTask(ctx context.Context, id string) error {
	if s.closed() {
		return ErrClosed
	}
	if _, err := s.gate(id); err != nil {
		return err
	}
	if err := s.fetch.DeleteTask(ctx, id, s.Identity().ID); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if err := s.apply(ctx, func() { s.Tasks.Remove(id) }); err != nil {
		return err
	}
	s.broadcast(ctx, domain.EventTaskDeleted, id)
	return nil
}

// gate looks the task up locally and checks the identity may mutate it, before any network call.
func (s *Session) gate(id string) (domain.Task, error) {
	task, ok := s.Tasks.Get(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err := perm.Check(s.Identity(), task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// MarkRead marks one of the identity's notifications read. Already-read entries are a no-op.
func (s *Session) MarkRead(ctx context.Context, id string) error {
	if s.closed() {
		return ErrClosed
	}
	n, ok := s.Notifications.Get(id)
	if !ok {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if n.Read {
		return nil
	}
	if _, err := s.fetch.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return s.apply(ctx, func() { s.Notifications.MarkRead(id) })
}

// RequestActivity asks the hub for the activity log; the answer arrives as activity.logs.
func (s *Session) RequestActivity(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	return s.ch.Emit(ctx, domain.EventActivityFetch, map[string]string{"userId": s.Identity().ID})
}

// broadcast tells the other clients about a successful mutation. The REST call already
// succeeded, so a failure here is only a warning; peers catch up on their next refetch.
func (s *Session) broadcast(ctx context.Context, event string, payload any) {
	if err := s.ch.Emit(ctx, event, payload); err != nil {
		s.warn("broadcast "+event, err)
	}
}

func (s *Session) onTask(data json.RawMessage) error {
	task, err := domain.DecodeTask(data)
	if err != nil {
		return err
	}
	var conflict error
	if err := s.deliver(func() {
		if cur, ok := s.Tasks.Get(task.ID); ok && cur.OwnerID != task.OwnerID {
			conflict = fmt.Errorf("%w: task %s owner changed from %q to %q", domain.ErrMalformedPayload, task.ID, cur.OwnerID, task.OwnerID)
			return
		}
		s.Tasks.Upsert(task)
	}); err != nil {
		return err
	}
	return conflict
}

func (s *Session) onTaskDeleted(data json.RawMessage) error {
	id, err := domain.DecodeTaskID(data)
	if err != nil {
		return err
	}
	return s.deliver(func() { s.Tasks.Remove(id) })
}

func (s *Session) onNotifications(data json.RawMessage) error {
	list, err := domain.DecodeNotifications(data)
	if err != nil {
		return err
	}
	return s.deliver(func() {
		if !s.Notifications.ReplaceForRecipient(list) {
			s.log.WithField("entries", len(list)).Debug("notification snapshot not addressed to us")
			return
		}
		s.mu.Lock()
		s.noteGen++
		s.mu.Unlock()
	})
}

func (s *Session) onActivity(data json.RawMessage) error {
	entries, err := domain.DecodeActivity(data)
	if err != nil {
		return err
	}
	return s.deliver(func() { s.Activity.ReplaceAll(entries) })
}

func (s *Session) deliver(fn func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.apply(ctx, fn)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
