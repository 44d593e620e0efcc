package store

import (
	"sort"
	"sync"

	"tasksync/internal/domain"
)

// Tasks is the canonical client copy of the task list.
type Tasks struct {
	mu    sync.RWMutex
	tasks keyed[domain.Task]
}

func NewTasks() *Tasks {
	return &Tasks{tasks: newKeyed(func(t domain.Task) string { return t.ID })}
}

// ReplaceAll discards prior state. Duplicate ids in the input keep the last value at the first position.
func (s *Tasks) ReplaceAll(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks.replaceAll(tasks)
}

// Upsert reports whether the task was new. A known task keeps its stored owner.
func (s *Tasks) Upsert(t domain.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks.get(t.ID); ok {
		t.OwnerID = cur.OwnerID
	}
	return s.tasks.upsert(t)
}

// Remove reports whether a task was deleted; unknown ids are a no-op.
func (s *Tasks) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.remove(id)
}

func (s *Tasks) Get(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks.get(id)
}

func (s *Tasks) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks.items)
}

// All returns a copy in store order.
func (s *Tasks) All() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks.snapshot()
}

// View filters with keep (nil keeps all) and stable-sorts with less (nil keeps store order)
// into a fresh slice.
func (s *Tasks) View(keep func(domain.Task) bool, less func(a, b domain.Task) bool) []domain.Task {
	s.mu.RLock()
	out := make([]domain.Task, 0, len(s.tasks.items))
	for _, t := range s.tasks.items {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	if less != nil {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}
