package vchat

import "sync"

// Query binds a key resolver and a fetcher to a cache subscription, the way a
// view binds to a remote resource. Sync re-evaluates the key whenever the
// inputs the resolver closes over may have changed.
type Query[T any] struct {
	cache    *Cache
	keyFn    KeyFunc
	fetch    Fetcher[T]
	listener Listener[Entry[T]]

	mu     sync.Mutex
	key    string
	unsub  func()
	closed bool
}

// NewQuery creates a query and performs the first Sync.
func NewQuery[T any](c *Cache, keyFn KeyFunc, fetch Fetcher[T], listener Listener[Entry[T]]) *Query[T] {
	q := &Query[T]{cache: c, keyFn: keyFn, fetch: fetch, listener: listener}
	q.Sync()
	return q
}

// Key returns the key the query is currently subscribed to.
func (q *Query[T]) Key() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.key
}

// Sync resolves the key again. When it changed, the subscription to the old
// key is dropped (its fetch, if any, is left to finish on its own) and the new
// key is subscribed and read.
func (q *Query[T]) Sync() Entry[T] {
	key, err := q.keyFn()
	if err != nil {
		key = ""
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Entry[T]{}
	}
	if key == q.key {
		q.mu.Unlock()
		if key == "" {
			return Entry[T]{}
		}
		return Read(q.cache, StaticKey(key), q.fetch)
	}
	old := q.unsub
	q.key = key
	q.unsub = nil
	if key != "" && q.listener != nil {
		q.unsub = Subscribe(q.cache, key, q.listener)
	}
	q.mu.Unlock()

	if old != nil {
		old()
	}
	if key == "" {
		return Entry[T]{}
	}
	return Read(q.cache, StaticKey(key), q.fetch)
}

// Entry returns the current entry for the bound key without fetching.
func (q *Query[T]) Entry() Entry[T] {
	key := q.Key()
	if key == "" {
		return Entry[T]{}
	}
	return Get[T](q.cache, key)
}

// Mutate applies fn to the data of the bound key.
func (q *Query[T]) Mutate(fn func(T) T) {
	if key := q.Key(); key != "" {
		Update(q.cache, key, fn)
	}
}

// Close drops the subscription.
func (q *Query[T]) Close() {
	q.mu.Lock()
	unsub := q.unsub
	q.unsub = nil
	q.closed = true
	q.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
