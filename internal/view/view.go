// Package view derives the filtered, sorted, partitioned task lists shown to the user.
// It never mutates its input.
package view

import (
	"sort"
	"time"

	"tasksync/internal/domain"
)

// Criteria narrows a projection. Zero fields match everything.
type Criteria struct {
	Status  domain.Status
	DueDate time.Time
}

func (c Criteria) Match(t domain.Task) bool {
	if c.Status != "" && t.Status != c.Status {
		return false
	}
	if !c.DueDate.IsZero() && !SameDay(t.DueDate, c.DueDate) {
		return false
	}
	return true
}

// Filter returns the criteria as the equivalent fetch filter.
func (c Criteria) Filter() domain.TaskFilter {
	return domain.TaskFilter{Status: c.Status, DueDate: c.DueDate}
}

// SameDay compares calendar days in UTC.
func SameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Partition splits tasks by completion.
type Partition struct {
	Active    []domain.Task `json:"active"`
	Completed []domain.Task `json:"completed"`
}

// Less orders by due date in dir. Missing due dates sort last either way; equal dates are
// not less so a stable sort keeps their prior order.
func Less(dir domain.SortOrder) func(a, b domain.Task) bool {
	return func(a, b domain.Task) bool {
		switch {
		case a.DueDate.IsZero():
			return false
		case b.DueDate.IsZero():
			return true
		case dir == domain.SortDesc:
			return a.DueDate.After(b.DueDate)
		default:
			return a.DueDate.Before(b.DueDate)
		}
	}
}

// Sort returns a stably sorted copy.
func Sort(tasks []domain.Task, dir domain.SortOrder) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	less := Less(dir)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Project filters tasks with c, sorts them by due date and splits them into active and completed.
func Project(tasks []domain.Task, c Criteria, dir domain.SortOrder) Partition {
	kept := make([]domain.Task, 0, len(tasks))
	for _, t := range Sort(tasks, dir) {
		if c.Match(t) {
			kept = append(kept, t)
		}
	}
	return Split(kept)
}

// Split partitions already filtered and sorted tasks, keeping their order.
func Split(tasks []domain.Task) Partition {
	p := Partition{Active: []domain.Task{}, Completed: []domain.Task{}}
	for _, t := range tasks {
		if t.Done() {
			p.Completed = append(p.Completed, t)
		} else {
			p.Active = append(p.Active, t)
		}
	}
	return p
}
