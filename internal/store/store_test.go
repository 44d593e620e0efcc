package store

import (
	"reflect"
	"testing"
	"time"

	"tasksync/internal/domain"
)

func task(id string, status domain.Status, due string, owner string) domain.Task {
	var d time.Time
	if due != "" {
		d, _ = time.Parse(time.DateOnly, due)
	}
	return domain.Task{ID: id, Title: "task " + id, Status: status, DueDate: d, OwnerID: owner}
}

func notDone(t domain.Task) bool { return !t.Done() }
func done(t domain.Task) bool    { return t.Done() }

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestUpsertLastWriteWins(t *testing.T) {
	seq := []domain.Task{
		task("t1", domain.StatusToDo, "2024-01-10", "u1"),
		task("t1", domain.StatusInProgress, "2024-02-01", "u1"),
		{ID: "t1", Title: "renamed", Status: domain.StatusDone, OwnerID: "u1"},
	}
	s := NewTasks()
	for _, tk := range seq {
		s.Upsert(tk)
	}
	only := NewTasks()
	only.Upsert(seq[len(seq)-1])
	if !reflect.DeepEqual(s.All(), only.All()) {
		t.Fatalf("state differs from last upsert alone: %+v vs %+v", s.All(), only.All())
	}
	if s.Len() != 1 {
		t.Fatalf("expected one task, got %d", s.Len())
	}
}

func TestUpsertReplacesInPlace(t *testing.T) {
	s := NewTasks()
	s.Upsert(task("a", domain.StatusToDo, "", "u1"))
	s.Upsert(task("b", domain.StatusToDo, "", "u1"))
	if !s.Upsert(task("c", domain.StatusToDo, "", "u1")) {
		t.Fatalf("expected c to be inserted")
	}
	if s.Upsert(task("a", domain.StatusDone, "", "u1")) {
		t.Fatalf("expected a to be replaced, not appended")
	}
	if got := ids(s.All()); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("order changed: %v", got)
	}
	if a, _ := s.Get("a"); a.Status != domain.StatusDone {
		t.Fatalf("replacement not applied: %+v", a)
	}
}

func TestUpsertKeepsOwner(t *testing.T) {
	s := NewTasks()
	s.Upsert(task("t1", domain.StatusToDo, "", "u1"))
	s.Upsert(task("t1", domain.StatusDone, "", "u2"))
	got, _ := s.Get("t1")
	if got.OwnerID != "u1" {
		t.Fatalf("owner changed after creation: %s", got.OwnerID)
	}
	if !got.Done() {
		t.Fatalf("other fields not merged: %+v", got)
	}
}

func TestRemoveTwiceIsNoop(t *testing.T) {
	s := NewTasks()
	s.ReplaceAll([]domain.Task{task("t1", domain.StatusToDo, "", "u1"), task("t2", domain.StatusToDo, "", "u1")})
	if !s.Remove("t1") {
		t.Fatalf("first remove should delete")
	}
	if s.Remove("t1") {
		t.Fatalf("second remove should be a no-op")
	}
	if got := ids(s.All()); !reflect.DeepEqual(got, []string{"t2"}) {
		t.Fatalf("unexpected state %v", got)
	}
	if _, ok := s.Get("t2"); !ok {
		t.Fatalf("index lost t2 after remove")
	}
}

func TestRemoveMissingLeavesStoreUnchanged(t *testing.T) {
	s := NewTasks()
	s.Upsert(task("t1", domain.StatusToDo, "2024-01-10", "u1"))
	before := s.All()
	s.Remove("missing-id")
	if !reflect.DeepEqual(before, s.All()) {
		t.Fatalf("store changed: %+v", s.All())
	}
}

func TestReplaceAllTwiceEqualsOnce(t *testing.T) {
	x := []domain.Task{task("t1", domain.StatusToDo, "", "u1"), task("t2", domain.StatusDone, "", "u2")}
	once := NewTasks()
	once.ReplaceAll(x)
	twice := NewTasks()
	twice.Upsert(task("old", domain.StatusToDo, "", "u9"))
	twice.ReplaceAll(x)
	twice.ReplaceAll(x)
	if !reflect.DeepEqual(once.All(), twice.All()) {
		t.Fatalf("replaceAll not idempotent: %v vs %v", ids(once.All()), ids(twice.All()))
	}
	twice.ReplaceAll(nil)
	if twice.Len() != 0 {
		t.Fatalf("empty replaceAll should clear the store")
	}
}

func TestStatusTransitionMovesBetweenPartitions(t *testing.T) {
	s := NewTasks()
	s.Upsert(task("t1", domain.StatusToDo, "2024-01-10", "u1"))
	if got := ids(s.View(notDone, nil)); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("active view: %v", got)
	}
	s.Upsert(task("t1", domain.StatusDone, "2024-01-10", "u1"))
	if got := s.View(notDone, nil); len(got) != 0 {
		t.Fatalf("active view should be empty, got %v", ids(got))
	}
	if got := ids(s.View(done, nil)); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("completed view: %v", got)
	}
}

func TestViewDoesNotMutateStoreOrder(t *testing.T) {
	s := NewTasks()
	s.ReplaceAll([]domain.Task{
		task("b", domain.StatusToDo, "2024-02-01", "u1"),
		task("a", domain.StatusToDo, "2024-01-01", "u1"),
	})
	sorted := s.View(nil, func(x, y domain.Task) bool { return x.DueDate.Before(y.DueDate) })
	if got := ids(sorted); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("sorted view: %v", got)
	}
	sorted[0].Title = "changed"
	if got := ids(s.All()); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("store order changed: %v", got)
	}
	if a, _ := s.Get("a"); a.Title == "changed" {
		t.Fatalf("view aliases store memory")
	}
}

func TestForeignNotificationsNeverStored(t *testing.T) {
	s := NewNotifications("u1")
	s.ReplaceAll([]domain.Notification{{ID: "n1", UserID: "u1"}, {ID: "n2", UserID: "u2"}})
	s.Upsert(domain.Notification{ID: "n3", UserID: "u2"})
	s.ReplaceForRecipient([]domain.Notification{{ID: "n4", UserID: "u2"}})
	s.ReplaceForRecipient([]domain.Notification{{ID: "n5", UserID: "u1"}, {ID: "n6", UserID: "u3"}})
	for _, n := range s.All() {
		if n.UserID != "u1" {
			t.Fatalf("foreign notification stored: %+v", n)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("expected only n5, got %+v", s.All())
	}
}

func TestReplaceForRecipientNoopWithoutOwnEntries(t *testing.T) {
	s := NewNotifications("u1")
	s.Upsert(domain.Notification{ID: "n1", UserID: "u1"})
	if s.ReplaceForRecipient(nil) {
		t.Fatalf("empty snapshot should be a no-op")
	}
	if s.ReplaceForRecipient([]domain.Notification{{ID: "x", UserID: "u2"}}) {
		t.Fatalf("foreign-only snapshot should be a no-op")
	}
	if _, ok := s.Get("n1"); !ok {
		t.Fatalf("existing entry lost")
	}
}

func TestReadNeverRegresses(t *testing.T) {
	s := NewNotifications("u1")
	s.Upsert(domain.Notification{ID: "n1", UserID: "u1"})
	s.MarkRead("n1")
	s.ReplaceForRecipient([]domain.Notification{{ID: "n1", UserID: "u1", Read: false}, {ID: "n2", UserID: "u1"}})
	if n, _ := s.Get("n1"); !n.Read {
		t.Fatalf("snapshot regressed read flag")
	}
	s.Upsert(domain.Notification{ID: "n1", UserID: "u1", Read: false})
	if n, _ := s.Get("n1"); !n.Read {
		t.Fatalf("upsert regressed read flag")
	}
	if s.UnreadCount() != 1 {
		t.Fatalf("expected n2 unread only, got %d", s.UnreadCount())
	}
}

func TestMarkReadTwice(t *testing.T) {
	s := NewNotifications("u1")
	s.ReplaceAll([]domain.Notification{{ID: "n1", UserID: "u1", Read: false}})
	if !s.MarkRead("n1") {
		t.Fatalf("first markRead should change state")
	}
	if s.UnreadCount() != 0 {
		t.Fatalf("expected 0 unread, got %d", s.UnreadCount())
	}
	if s.MarkRead("n1") {
		t.Fatalf("second markRead should be a no-op")
	}
	if s.UnreadCount() != 0 {
		t.Fatalf("expected 0 unread after second markRead, got %d", s.UnreadCount())
	}
	if s.MarkRead("absent") {
		t.Fatalf("absent id should be a no-op")
	}
}

func TestDirectoryName(t *testing.T) {
	d := NewDirectory()
	d.ReplaceAll([]domain.User{{ID: "u1", Username: "ann"}, {ID: "u2"}})
	if d.Name("u1", "User") != "ann" || d.Name("u2", "User") != "User" || d.Name("u9", "User") != "User" {
		t.Fatalf("unexpected names")
	}
	d.Upsert(domain.User{ID: "u2", Username: "bo"})
	if d.Name("u2", "") != "bo" || len(d.All()) != 2 {
		t.Fatalf("upsert not applied: %+v", d.All())
	}
}

func TestActivityReplaceAll(t *testing.T) {
	a := NewActivity()
	a.ReplaceAll([]domain.ActivityEntry{{ID: "a1"}, {ID: "a2"}})
	a.ReplaceAll([]domain.ActivityEntry{{ID: "a3"}})
	if a.Len() != 1 || a.All()[0].ID != "a3" {
		t.Fatalf("unexpected activity %+v", a.All())
	}
}
