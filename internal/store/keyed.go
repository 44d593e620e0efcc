// Package store holds the client-local caches. Every write is a keyed, idempotent merge.
package store

// keyed is an insertion-ordered collection indexed by id. Callers hold the lock.
type keyed[T any] struct {
	items []T
	index map[string]int
	key   func(T) string
}

func newKeyed[T any](key func(T) string) keyed[T] {
	return keyed[T]{index: map[string]int{}, key: key}
}

func (k *keyed[T]) replaceAll(items []T) {
	k.items = make([]T, 0, len(items))
	k.index = make(map[string]int, len(items))
	for _, it := range items {
		k.upsert(it)
	}
}

// upsert appends unseen ids and replaces in place otherwise. It reports whether it appended.
func (k *keyed[T]) upsert(it T) bool {
	id := k.key(it)
	if i, ok := k.index[id]; ok {
		k.items[i] = it
		return false
	}
	k.index[id] = len(k.items)
	k.items = append(k.items, it)
	return true
}

func (k *keyed[T]) remove(id string) bool {
	i, ok := k.index[id]
	if !ok {
		return false
	}
	k.items = append(k.items[:i], k.items[i+1:]...)
	delete(k.index, id)
	for j := i; j < len(k.items); j++ {
		k.index[k.key(k.items[j])] = j
	}
	return true
}

func (k *keyed[T]) get(id string) (T, bool) {
	i, ok := k.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return k.items[i], true
}

func (k *keyed[T]) snapshot() []T {
	out := make([]T, len(k.items))
	copy(out, k.items)
	return out
}
