package store

import (
	"sync"

	"tasksync/internal/domain"
)

// Notifications holds one recipient's notifications. Entries addressed to anyone else
// are rejected by every write path.
type Notifications struct {
	mu        sync.RWMutex
	recipient string
	items     keyed[domain.Notification]
}

func NewNotifications(recipient string) *Notifications {
	return &Notifications{
		recipient: recipient,
		items:     newKeyed(func(n domain.Notification) string { return n.ID }),
	}
}

func (s *Notifications) Recipient() string { return s.recipient }

func (s *Notifications) own(list []domain.Notification) []domain.Notification {
	out := make([]domain.Notification, 0, len(list))
	for _, n := range list {
		if n.UserID == s.recipient {
			out = append(out, n)
		}
	}
	return out
}

// ReplaceAll installs the recipient's entries from list and discards prior state.
func (s *Notifications) ReplaceAll(list []domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.replaceAll(s.own(list))
}

// ReplaceForRecipient applies a pushed snapshot. It is a no-op unless at least one entry
// belongs to the recipient. Entries already read locally stay read.
func (s *Notifications) ReplaceForRecipient(list []domain.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mine := s.own(list)
	if len(mine) == 0 {
		return false
	}
	for i, n := range mine {
		if prev, ok := s.items.get(n.ID); ok && prev.Read {
			mine[i].Read = true
		}
	}
	s.items.replaceAll(mine)
	return true
}

// Upsert reports whether the entry was stored. Read never regresses.
func (s *Notifications) Upsert(n domain.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.UserID != s.recipient {
		return false
	}
	if prev, ok := s.items.get(n.ID); ok && prev.Read {
		n.Read = true
	}
	s.items.upsert(n)
	return true
}

// MarkRead reports whether the entry changed; absent or already-read ids are a no-op.
func (s *Notifications) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items.get(id)
	if !ok || n.Read {
		return false
	}
	n.Read = true
	s.items.upsert(n)
	return true
}

func (s *Notifications) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.items.items {
		if !n.Read {
			count++
		}
	}
	return count
}

func (s *Notifications) Get(id string) (domain.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.get(id)
}

func (s *Notifications) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items.items)
}

func (s *Notifications) All() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.snapshot()
}
