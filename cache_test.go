package vchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCacheSingleFlight(t *testing.T) {
	c := NewCache()
	var calls atomic.Int32
	gate := make(chan struct{})
	fetch := func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		<-gate
		return "data:" + key, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := Read(c, StaticKey("k"), fetch)
			if !e.IsValidating {
				t.Error("expected the entry to be validating")
			}
		}()
	}
	wg.Wait()

	ctx, cancel := testContext()
	defer cancel()

	done := make(chan string)
	go func() {
		v, err := Load(ctx, c, "k", fetch)
		if err != nil {
			t.Error(err)
		}
		done <- v
	}()
	close(gate)

	assert.Equal(t, <-done, "data:k")
	assert.Equal(t, calls.Load(), int32(1))

	e := Get[string](c, "k")
	assert.Equal(t, e.HasData, true)
	assert.Equal(t, e.IsValidating, false)
	assert.Equal(t, e.Err, nil)
}

func TestCacheEmptyKey(t *testing.T) {
	c := NewCache()
	calls := 0
	fetch := func(ctx context.Context, key string) (int, error) {
		calls++
		return 1, nil
	}

	e := Read(c, StaticKey(""), fetch)
	assert.Equal(t, e.HasData, false)
	assert.Equal(t, e.IsValidating, false)

	e = Read(c, func() (string, error) { return "", errors.New("no room") }, fetch)
	assert.Equal(t, e.HasData, false)

	_, err := Load(context.Background(), c, "", fetch)
	assert.Equal(t, err, ErrNoKey)

	assert.Equal(t, c.Len(), 0)
	assert.Equal(t, calls, 0)
}

func TestCacheFetchFailureKeepsData(t *testing.T) {
	c := NewCache()
	ctx, cancel := testContext()
	defer cancel()

	_, err := Load(ctx, c, "k", func(context.Context, string) ([]int, error) {
		return []int{1, 2}, nil
	})
	assert.Equal(t, err, nil)

	boom := errors.New("boom")
	Read(c, StaticKey("k"), func(context.Context, string) ([]int, error) {
		return nil, boom
	})
	res := <-c.Revalidate("k")
	assert.Equal(t, res.Err, boom)

	e := Get[[]int](c, "k")
	assert.Equal(t, e.Err, boom)
	assert.Equal(t, e.Data, []int{1, 2})
	assert.Equal(t, e.IsValidating, false)
}

func TestCacheRevalidateWithoutFetcher(t *testing.T) {
	c := NewCache()
	SetData(c, "k", 1)
	res := <-c.Revalidate("k")
	assert.Equal(t, IsNoFetcher(res.Err), true)
	assert.Equal(t, Get[int](c, "k").Data, 1)
}

func TestCacheMutate(t *testing.T) {
	c := NewCache()
	var seen []Entry[string]
	Subscribe(c, "k", func(e Entry[string]) { seen = append(seen, e) })

	v1 := SetData(c, "k", "a")
	v2 := Update(c, "k", func(s string) string { return s + "b" })

	assert.Equal(t, v2 > v1, true)
	assert.Equal(t, len(seen), 2)
	assert.Equal(t, seen[1].Data, "ab")
	assert.Equal(t, seen[1].IsValidating, false)
	assert.Equal(t, Get[string](c, "k").Data, "ab")
}

func TestCacheRestore(t *testing.T) {
	t.Run("restores the exact pre-image", func(t *testing.T) {
		c := NewCache()
		SetData(c, "k", []string{"m1", "m2"})
		pre := c.Snapshot("k")

		Update(c, "k", func(v []string) []string { return v[:1] })
		c.Restore(pre)

		e := Get[[]string](c, "k")
		assert.Equal(t, e.Data, []string{"m1", "m2"})
		assert.Equal(t, e.HasData, true)
	})

	t.Run("restores absence of data", func(t *testing.T) {
		c := NewCache()
		pre := c.Snapshot("k")
		SetData(c, "k", 42)
		c.Restore(pre)

		e := Get[int](c, "k")
		assert.Equal(t, e.HasData, false)
	})

	t.Run("restore if skips newer writes", func(t *testing.T) {
		c := NewCache()
		SetData(c, "k", "base")
		pre := c.Snapshot("k")
		applied := SetData(c, "k", "first")
		SetData(c, "k", "second")

		assert.Equal(t, c.RestoreIf(pre, applied), false)
		assert.Equal(t, Get[string](c, "k").Data, "second")

		applied = c.Version("k")
		assert.Equal(t, c.RestoreIf(pre, applied), true)
		assert.Equal(t, Get[string](c, "k").Data, "base")
	})
}

func TestCacheDiscardsFetchOvertakenByWrite(t *testing.T) {
	c := NewCache()
	entered := make(chan struct{})
	gate := make(chan struct{})
	fetch := func(ctx context.Context, key string) (string, error) {
		close(entered)
		<-gate
		return "server", nil
	}

	Read(c, StaticKey("k"), fetch)
	<-entered
	SetData(c, "k", "local")

	ch := c.Revalidate("k")
	close(gate)
	<-ch

	e := Get[string](c, "k")
	assert.Equal(t, e.Data, "local")
	assert.Equal(t, e.IsValidating, false)
	assert.Equal(t, e.Err, nil)
}

func TestCacheSubscribersSeeFetchLifecycle(t *testing.T) {
	c := NewCache()
	var mu sync.Mutex
	var seen []Entry[int]
	Subscribe(c, "k", func(e Entry[int]) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	ctx, cancel := testContext()
	defer cancel()
	v, err := Load(ctx, c, "k", func(context.Context, string) (int, error) { return 7, nil })
	assert.Equal(t, err, nil)
	assert.Equal(t, v, 7)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(seen) >= 2, true)
	assert.Equal(t, seen[0].IsValidating, true)
	last := seen[len(seen)-1]
	assert.Equal(t, last.IsValidating, false)
	assert.Equal(t, last.Data, 7)
}

func TestCacheEviction(t *testing.T) {
	c := NewCache(WithMaxEntries(2))

	SetData(c, "a", 1)
	unsub := c.Subscribe("a", func(Snapshot) {})
	SetData(c, "b", 2)
	SetData(c, "c", 3)

	assert.Equal(t, c.Has("a"), true)
	assert.Equal(t, c.Has("b"), false)
	assert.Equal(t, c.Has("c"), true)

	unsub()
	SetData(c, "d", 4)
	assert.Equal(t, c.Len(), 2)
	assert.Equal(t, c.Has("d"), true)
}

func TestRevalidateMatching(t *testing.T) {
	c := NewCache()
	ctx, cancel := testContext()
	defer cancel()

	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return key, nil
	}
	for _, k := range []string{"conversations/1/messages", "conversations/2/messages", "users/1/details"} {
		_, err := Load(ctx, c, k, fetch)
		assert.Equal(t, err, nil)
	}
	SetData(c, "conversations/3/messages", "no fetcher")

	n := c.RevalidateMatching(func(k string) bool { return strings.HasPrefix(k, "conversations/") })
	assert.Equal(t, n, 2)
	assert.Equal(t, waitFor(func() bool { return calls.Load() == 5 }), true)
}

func TestQueryKeySwitch(t *testing.T) {
	c := NewCache()
	ctx, cancel := testContext()
	defer cancel()

	room := "a"
	keyFn := func() (string, error) { return MessagesKey(room), nil }
	fetch := func(ctx context.Context, key string) (string, error) { return "data:" + key, nil }

	var mu sync.Mutex
	var seen []Entry[string]
	q := NewQuery(c, keyFn, fetch, func(e Entry[string]) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer q.Close()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}

	_, err := Load(ctx, c, MessagesKey("a"), fetch)
	assert.Equal(t, err, nil)
	assert.Equal(t, q.Key(), MessagesKey("a"))

	room = "b"
	q.Sync()
	_, err = Load(ctx, c, MessagesKey("b"), fetch)
	assert.Equal(t, err, nil)
	assert.Equal(t, q.Key(), MessagesKey("b"))
	assert.Equal(t, q.Entry().Data, "data:"+MessagesKey("b"))

	n := count()
	SetData(c, MessagesKey("a"), "ignored")
	assert.Equal(t, count(), n)
	q.Mutate(func(s string) string { return s + "!" })
	assert.Equal(t, count(), n+1)

	room = ""
	e := q.Sync()
	assert.Equal(t, q.Key(), "")
	assert.Equal(t, e.HasData, false)
}

func TestCacheReadFetchesExistingEntry(t *testing.T) {
	t.Run("entry created by a subscriber", func(t *testing.T) {
		c := NewCache()
		var calls atomic.Int32
		fetch := func(ctx context.Context, key string) (string, error) {
			calls.Add(1)
			return "server", nil
		}

		var mu sync.Mutex
		var last Entry[string]
		unsub := Subscribe(c, "k", func(e Entry[string]) {
			mu.Lock()
			last = e
			mu.Unlock()
		})
		defer unsub()

		e := Read(c, StaticKey("k"), fetch)
		assert.Equal(t, e.IsValidating, true)
		assert.Equal(t, waitFor(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return last.HasData && !last.IsValidating
		}), true)
		mu.Lock()
		assert.Equal(t, last.Data, "server")
		mu.Unlock()

		Read(c, StaticKey("k"), fetch)
		assert.Equal(t, calls.Load(), int32(1))
	})

	t.Run("entry created by a local write", func(t *testing.T) {
		c := NewCache()
		var calls atomic.Int32
		fetch := func(ctx context.Context, key string) ([]string, error) {
			calls.Add(1)
			return []string{"a", "b"}, nil
		}

		SetData(c, "k", []string{"placeholder"})
		e := Read(c, StaticKey("k"), fetch)
		assert.Equal(t, e.Data, []string{"placeholder"})
		assert.Equal(t, e.IsValidating, true)

		assert.Equal(t, waitFor(func() bool { return !Get[[]string](c, "k").IsValidating }), true)
		assert.Equal(t, Get[[]string](c, "k").Data, []string{"a", "b"})
		assert.Equal(t, calls.Load(), int32(1))
	})

	t.Run("primed entry is not fetched", func(t *testing.T) {
		c := NewCache()
		var calls atomic.Int32
		fetch := func(ctx context.Context, key string) (int, error) {
			calls.Add(1)
			return 2, nil
		}

		Prime(c, "k", 1, fetch)
		e := Read(c, StaticKey("k"), fetch)
		assert.Equal(t, e.Data, 1)
		assert.Equal(t, e.IsValidating, false)
		assert.Equal(t, calls.Load(), int32(0))

		res := <-c.Revalidate("k")
		assert.Equal(t, res.Err, nil)
		assert.Equal(t, Get[int](c, "k").Data, 2)
	})
}

func TestQueryFetchesOnItsOwn(t *testing.T) {
	c := NewCache()
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "data:" + key, nil
	}

	var mu sync.Mutex
	var seen []Entry[string]
	q := NewQuery(c, StaticKey("k"), fetch, func(e Entry[string]) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer q.Close()

	assert.Equal(t, waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].HasData
	}), true)
	assert.Equal(t, q.Entry().Data, "data:k")
	assert.Equal(t, calls.Load(), int32(1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, seen[0].IsValidating, true)
	assert.Equal(t, seen[len(seen)-1].Data, "data:k")
}

func TestCacheHold(t *testing.T) {
	c := NewCache()
	server := "before"
	var mu sync.Mutex
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		return server, nil
	}
	ctx, cancel := testContext()
	defer cancel()
	_, err := Load(ctx, c, "k", fetch)
	assert.Equal(t, err, nil)

	c.Hold("k")
	SetData(c, "k", "optimistic")

	// a fetch that starts and ends under the hold sees the old server state
	res := <-c.Revalidate("k")
	assert.Equal(t, res.Val, "before")
	assert.Equal(t, Get[string](c, "k").Data, "optimistic")
	assert.Equal(t, Get[string](c, "k").IsValidating, false)

	mu.Lock()
	server = "after"
	mu.Unlock()
	c.Release("k")

	assert.Equal(t, waitFor(func() bool { return Get[string](c, "k").Data == "after" }), true)
	assert.Equal(t, calls.Load(), int32(3))

	// releasing again is a no-op
	c.Release("k")
	assert.Equal(t, calls.Load(), int32(3))
}
