package vchat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Query Cache
// ============================================================================

// KeyFunc resolves the cache key of a resource. An empty key or an error means
// there is nothing to subscribe to and nothing is fetched.
type KeyFunc func() (string, error)

// StaticKey returns a KeyFunc that always resolves to key.
func StaticKey(key string) KeyFunc {
	return func() (string, error) { return key, nil }
}

// Fetcher loads the remote data for a key.
type Fetcher[T any] func(ctx context.Context, key string) (T, error)

// Snapshot is an untyped copy of a cache entry. Snapshots taken before an
// optimistic write are the pre-image Restore brings back.
type Snapshot struct {
	Key          string
	Data         any
	HasData      bool
	Err          error
	IsValidating bool
	Version      uint64

	seq uint64
}

// Entry is the typed view of a cache entry.
type Entry[T any] struct {
	Key          string
	Data         T
	HasData      bool
	Err          error
	IsValidating bool
}

func entryOf[T any](s Snapshot) Entry[T] {
	e := Entry[T]{Key: s.Key, HasData: s.HasData, Err: s.Err, IsValidating: s.IsValidating}
	if v, ok := s.Data.(T); ok {
		e.Data = v
	}
	return e
}

type cacheEntry struct {
	key        string
	data       any
	hasData    bool
	err        error
	validating bool
	fetched    bool
	holds      int
	stale      bool
	version    uint64
	seq        uint64
	lastUsed   uint64
	fetch      func(ctx context.Context) (any, error)
	store      *Store[Snapshot]
}

func (e *cacheEntry) snapshot() Snapshot {
	return Snapshot{
		Key:          e.key,
		Data:         e.data,
		HasData:      e.hasData,
		Err:          e.err,
		IsValidating: e.validating,
		Version:      e.version,
		seq:          e.seq,
	}
}

// changed records a change and returns the snapshot to publish.
func (e *cacheEntry) changed() Snapshot {
	e.seq++
	return e.snapshot()
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMaxEntries bounds the number of entries kept. Only entries nobody is
// subscribed to and that have no fetch in flight are evicted. Zero disables
// eviction.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) { c.maxEntries = n }
}

// WithFetchTimeout bounds every background fetch.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.fetchTimeout = d }
}

// Cache is a keyed cache of remote resource snapshots with single-flight
// fetching, local mutation and per-key subscribers.
//
// One Cache is created per process and shared by every consumer.
type Cache struct {
	mu           sync.Mutex
	entries      map[string]*cacheEntry
	group        singleflight.Group
	clock        uint64
	maxEntries   int
	fetchTimeout time.Duration
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{entries: make(map[string]*cacheEntry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// entryLocked returns the entry for key, creating it when absent.
// c.mu must be held.
func (c *Cache) entryLocked(key string) (*cacheEntry, bool) {
	c.clock++
	if e, ok := c.entries[key]; ok {
		e.lastUsed = c.clock
		return e, false
	}
	e := &cacheEntry{
		key:      key,
		lastUsed: c.clock,
		store:    NewStore(Snapshot{Key: key}),
	}
	c.entries[key] = e
	c.evictLocked(key)
	return e, true
}

func (c *Cache) evictLocked(keep string) {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}
	var idle []*cacheEntry
	for k, e := range c.entries {
		if k == keep || e.validating || e.holds > 0 || e.store.Len() > 0 {
			continue
		}
		idle = append(idle, e)
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed < idle[j].lastUsed })
	for _, e := range idle {
		if len(c.entries) <= c.maxEntries {
			break
		}
		delete(c.entries, e.key)
		glog.V(2).Infof("cache: evicted %s", e.key)
	}
}

func wrapFetcher[T any](key string, fetch Fetcher[T]) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return fetch(ctx, key)
	}
}

// Read resolves the key and returns the current entry. The first Read of a key
// that was never fetched marks it validating and starts exactly one fetch,
// also when the entry was already created by a subscriber or a local write.
// Read never blocks on the network.
func Read[T any](c *Cache, keyFn KeyFunc, fetch Fetcher[T]) Entry[T] {
	key, err := keyFn()
	if err != nil || key == "" {
		return Entry[T]{}
	}

	c.mu.Lock()
	e, _ := c.entryLocked(key)
	e.fetch = wrapFetcher(key, fetch)
	start := !e.fetched && !e.validating
	if start {
		e.fetched = true
		e.validating = true
	}
	snap := e.snapshot()
	c.mu.Unlock()

	if start {
		c.revalidate(key)
	}
	return entryOf[T](snap)
}

// Load returns the data for key, waiting for a fetch when the entry has no
// data yet. Concurrent callers share the single in-flight fetch.
func Load[T any](ctx context.Context, c *Cache, key string, fetch Fetcher[T]) (T, error) {
	var zero T
	if key == "" {
		return zero, ErrNoKey
	}

	c.mu.Lock()
	e, _ := c.entryLocked(key)
	e.fetch = wrapFetcher(key, fetch)
	if e.hasData && !e.validating {
		snap := e.snapshot()
		c.mu.Unlock()
		return entryOf[T](snap).Data, nil
	}
	e.fetched = true
	e.validating = true
	c.mu.Unlock()

	select {
	case res := <-c.revalidate(key):
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Revalidate refetches key with its last known fetcher. It joins a fetch
// already in flight for the key instead of starting a second one.
func (c *Cache) Revalidate(key string) <-chan singleflight.Result {
	return c.revalidate(key)
}

// RevalidateMatching revalidates every entry whose key satisfies match.
func (c *Cache) RevalidateMatching(match func(key string) bool) int {
	c.mu.Lock()
	var keys []string
	for k, e := range c.entries {
		if e.fetch != nil && match(k) {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.revalidate(k)
	}
	return len(keys)
}

func (c *Cache) revalidate(key string) <-chan singleflight.Result {
	return c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok || e.fetch == nil {
			c.mu.Unlock()
			return nil, ErrNoFetcher
		}
		e.validating = true
		e.fetched = true
		started := e.version
		fetch := e.fetch
		snap := e.changed()
		c.mu.Unlock()

		e.store.Set(snap)

		ctx := context.Background()
		if c.fetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
			defer cancel()
		}

		glog.V(2).Infof("cache: fetch %s", key)
		data, err := fetch(ctx)

		c.mu.Lock()
		e.validating = false
		switch {
		case err != nil:
			e.err = err
		case e.version != started || e.holds > 0:
			// written locally while the fetch was in flight, or a commit is
			// still pending; keep the local value
			e.err = nil
			e.stale = true
			glog.V(2).Infof("cache: discarded stale fetch for %s", key)
		default:
			e.data = data
			e.hasData = true
			e.err = nil
		}
		snap = e.changed()
		c.mu.Unlock()

		e.store.Set(snap)
		return data, err
	})
}

// Hold marks key as carrying an optimistic write whose commit is pending.
// Fetches that finish while a key is held are discarded.
func (c *Cache) Hold(key string) {
	c.mu.Lock()
	e, _ := c.entryLocked(key)
	e.holds++
	c.mu.Unlock()
}

// Release ends a Hold. When the last hold ends and a fetch was discarded
// meanwhile, the key is revalidated.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.holds == 0 {
		c.mu.Unlock()
		return
	}
	e.holds--
	refetch := e.holds == 0 && e.stale && e.fetch != nil
	if refetch {
		e.stale = false
	}
	c.mu.Unlock()

	if refetch {
		// a fetch still in flight started under the hold; start a fresh one
		c.group.Forget(key)
		c.revalidate(key)
	}
}

// Get returns the typed entry for key without fetching.
func Get[T any](c *Cache, key string) Entry[T] {
	return entryOf[T](c.Snapshot(key))
}

// Snapshot returns a copy of the entry for key. Absent keys yield an empty
// snapshot carrying only the key.
func (c *Cache) Snapshot(key string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.snapshot()
	}
	return Snapshot{Key: key}
}

// Version returns the write counter of key. It changes on every local write.
func (c *Cache) Version(key string) uint64 {
	return c.Snapshot(key).Version
}

// Mutate replaces the data of key with fn(current) and notifies subscribers.
// It never talks to the remote store and leaves the error and validating
// state untouched. It returns the entry version after the write.
func (c *Cache) Mutate(key string, fn func(data any, ok bool) any) uint64 {
	c.mu.Lock()
	e, _ := c.entryLocked(key)
	e.data = fn(e.data, e.hasData)
	e.hasData = true
	e.version++
	snap := e.changed()
	c.mu.Unlock()

	e.store.Set(snap)
	return snap.Version
}

// Restore writes the data of s back into its entry, leaving the error and
// validating state untouched.
func (c *Cache) Restore(s Snapshot) uint64 {
	c.mu.Lock()
	e, _ := c.entryLocked(s.Key)
	e.data = s.Data
	e.hasData = s.HasData
	e.version++
	snap := e.changed()
	c.mu.Unlock()

	e.store.Set(snap)
	return snap.Version
}

// RestoreIf restores s only when the entry is still at version. It reports
// whether the restore happened.
func (c *Cache) RestoreIf(s Snapshot, version uint64) bool {
	c.mu.Lock()
	e, _ := c.entryLocked(s.Key)
	if e.version != version {
		c.mu.Unlock()
		return false
	}
	e.data = s.Data
	e.hasData = s.HasData
	e.version++
	snap := e.changed()
	c.mu.Unlock()

	e.store.Set(snap)
	return true
}

// Update applies fn to the typed data of key.
func Update[T any](c *Cache, key string, fn func(current T) T) uint64 {
	return c.Mutate(key, func(data any, ok bool) any {
		v, _ := data.(T)
		return fn(v)
	})
}

// Prime stores v as the fetched value of key and registers fetch for later
// revalidation, without fetching now.
func Prime[T any](c *Cache, key string, v T, fetch Fetcher[T]) uint64 {
	c.mu.Lock()
	e, _ := c.entryLocked(key)
	e.fetch = wrapFetcher(key, fetch)
	e.fetched = true
	c.mu.Unlock()
	return SetData(c, key, v)
}

// SetData overwrites the data of key with v.
func SetData[T any](c *Cache, key string, v T) uint64 {
	return c.Mutate(key, func(any, bool) any { return v })
}

// Subscribe registers fn for every change of key.
func (c *Cache) Subscribe(key string, fn Listener[Snapshot]) (unsubscribe func()) {
	c.mu.Lock()
	e, _ := c.entryLocked(key)
	c.mu.Unlock()

	// deliveries are serialized by the store; drop snapshots that were
	// overtaken by a newer change between unlock and publish
	var last uint64
	return e.store.Subscribe(func(s Snapshot) {
		if s.seq < last {
			return
		}
		last = s.seq
		fn(s)
	})
}

// Subscribe registers a typed listener for key.
func Subscribe[T any](c *Cache, key string, fn Listener[Entry[T]]) (unsubscribe func()) {
	return c.Subscribe(key, func(s Snapshot) { fn(entryOf[T](s)) })
}

// Len returns the number of entries held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Has reports whether an entry exists for key.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// IsNoFetcher reports whether err came from revalidating a key that was never read.
func IsNoFetcher(err error) bool {
	return errors.Is(err, ErrNoFetcher)
}
