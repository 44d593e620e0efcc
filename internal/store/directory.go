package store

import (
	"sync"

	"tasksync/internal/domain"
)

// Directory caches the user list used to render names.
type Directory struct {
	mu    sync.RWMutex
	users keyed[domain.User]
}

func NewDirectory() *Directory {
	return &Directory{users: newKeyed(func(u domain.User) string { return u.ID })}
}

func (d *Directory) ReplaceAll(users []domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users.replaceAll(users)
}

func (d *Directory) Upsert(u domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users.upsert(u)
}

func (d *Directory) Lookup(id string) (domain.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users.get(id)
}

// Name returns the username for id, or fallback when unknown.
func (d *Directory) Name(id, fallback string) string {
	if u, ok := d.Lookup(id); ok && u.Username != "" {
		return u.Username
	}
	return fallback
}

func (d *Directory) All() []domain.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users.snapshot()
}

// Activity holds the last activity log received.
type Activity struct {
	mu      sync.RWMutex
	entries keyed[domain.ActivityEntry]
}

func NewActivity() *Activity {
	return &Activity{entries: newKeyed(func(e domain.ActivityEntry) string { return e.ID })}
}

func (a *Activity) ReplaceAll(entries []domain.ActivityEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries.replaceAll(entries)
}

func (a *Activity) All() []domain.ActivityEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entries.snapshot()
}

func (a *Activity) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries.items)
}
