package vchat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRunMutation(t *testing.T) {
	t.Run("applies before commit and reconciles after", func(t *testing.T) {
		c := NewCache()
		SetData(c, "k", []string{"a"})
		rec := &recorder{}
		gate := make(chan struct{})
		applied := false

		p := RunMutation(context.Background(), c, rec, Mutation[[]string, string]{
			Name:      "append",
			Key:       "k",
			Apply:     func(cur []string) []string { return append(append([]string{}, cur...), "tmp") },
			OnApplied: func() { applied = true },
			Commit: func(ctx context.Context) (string, error) {
				<-gate
				return "b", nil
			},
			Reconcile: func(cur []string, result string) []string {
				out := append([]string{}, cur...)
				out[len(out)-1] = result
				return out
			},
			SuccessMessage: "Done",
			ErrorMessage:   "Failed",
		})

		assert.Equal(t, applied, true)
		assert.Equal(t, Get[[]string](c, "k").Data, []string{"a", "tmp"})
		assert.Equal(t, p.Settled(), false)

		close(gate)
		ctx, cancel := testContext()
		defer cancel()
		assert.Equal(t, p.Wait(ctx), nil)

		assert.Equal(t, Get[[]string](c, "k").Data, []string{"a", "b"})
		assert.Equal(t, rec.notified(), []Notification{{Kind: NotifySuccess, Message: "Done"}})
	})

	t.Run("failed commit restores the pre-image", func(t *testing.T) {
		c := NewCache()
		SetData(c, "k", []string{"a", "b"})
		rec := &recorder{}
		boom := errors.New("boom")
		effects := 0

		p := RunMutation(context.Background(), c, rec, Mutation[[]string, struct{}]{
			Name:  "drop",
			Key:   "k",
			Apply: func(cur []string) []string { return cur[:1] },
			Commit: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, boom
			},
			SideEffects: []SideEffect[struct{}]{
				func(context.Context, struct{}) error { effects++; return nil },
			},
			SuccessMessage: "Done",
			ErrorMessage:   "Failed",
		})

		ctx, cancel := testContext()
		defer cancel()
		assert.Equal(t, p.Flush(ctx), boom)
		assert.Equal(t, p.Err(), boom)

		assert.Equal(t, Get[[]string](c, "k").Data, []string{"a", "b"})
		assert.Equal(t, rec.notified(), []Notification{{Kind: NotifyError, Message: "Failed"}})
		assert.Equal(t, effects, 0)
	})

	t.Run("failed commit keeps a newer write", func(t *testing.T) {
		c := NewCache()
		SetData(c, "k", 1)
		gate := make(chan struct{})

		p := RunMutation(context.Background(), c, nil, Mutation[int, struct{}]{
			Key:   "k",
			Apply: func(v int) int { return v + 1 },
			Commit: func(ctx context.Context) (struct{}, error) {
				<-gate
				return struct{}{}, errors.New("boom")
			},
		})
		SetData(c, "k", 10)
		close(gate)

		ctx, cancel := testContext()
		defer cancel()
		assert.NotEqual(t, p.Wait(ctx), nil)
		assert.Equal(t, Get[int](c, "k").Data, 10)
	})

	t.Run("fetch during commit keeps the optimistic value", func(t *testing.T) {
		c := NewCache()
		var mu sync.Mutex
		server := []string{"a", "b"}
		fetch := func(context.Context, string) ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			return append([]string{}, server...), nil
		}
		ctx, cancel := testContext()
		defer cancel()
		_, err := Load(ctx, c, "k", fetch)
		assert.Equal(t, err, nil)
		gate := make(chan struct{})

		p := RunMutation(context.Background(), c, nil, Mutation[[]string, struct{}]{
			Key:   "k",
			Apply: func(cur []string) []string { return cur[:1] },
			Commit: func(ctx context.Context) (struct{}, error) {
				<-gate
				mu.Lock()
				server = []string{"a"}
				mu.Unlock()
				return struct{}{}, nil
			},
		})

		<-c.Revalidate("k")
		assert.Equal(t, Get[[]string](c, "k").Data, []string{"a"})

		close(gate)
		assert.Equal(t, p.Wait(ctx), nil)
		<-c.Revalidate("k")
		assert.Equal(t, Get[[]string](c, "k").Data, []string{"a"})
	})

	t.Run("side effect failure does not roll back", func(t *testing.T) {
		c := NewCache()
		SetData(c, "k", "old")
		rec := &recorder{}
		var ran atomic.Int32

		p := RunMutation(context.Background(), c, rec, Mutation[string, string]{
			Key:    "k",
			Apply:  func(string) string { return "new" },
			Commit: func(ctx context.Context) (string, error) { return "new", nil },
			SideEffects: []SideEffect[string]{
				func(context.Context, string) error { ran.Add(1); return errors.New("changelog down") },
				func(context.Context, string) error { ran.Add(1); return nil },
			},
			SuccessMessage: "Saved",
		})

		ctx, cancel := testContext()
		defer cancel()
		assert.Equal(t, p.Flush(ctx), nil)
		assert.Equal(t, ran.Load(), int32(2))
		assert.Equal(t, Get[string](c, "k").Data, "new")
		assert.Equal(t, rec.notified(), []Notification{{Kind: NotifySuccess, Message: "Saved"}})
	})

	t.Run("commit outlives a cancelled caller", func(t *testing.T) {
		c := NewCache()
		ctx, cancel := context.WithCancel(context.Background())
		gate := make(chan struct{})
		var commitErr atomic.Value

		p := RunMutation(ctx, c, nil, Mutation[int, struct{}]{
			Key:   "k",
			Apply: func(int) int { return 1 },
			Commit: func(ctx context.Context) (struct{}, error) {
				<-gate
				if err := ctx.Err(); err != nil {
					commitErr.Store(err)
				}
				return struct{}{}, nil
			},
		})
		cancel()
		close(gate)

		wctx, wcancel := testContext()
		defer wcancel()
		assert.Equal(t, p.Wait(wctx), nil)
		assert.Equal(t, commitErr.Load(), nil)
		assert.Equal(t, Get[int](c, "k").Data, 1)
	})
}

func TestPending(t *testing.T) {
	p := settled(ErrSessionBusy)
	assert.Equal(t, p.Settled(), true)
	assert.Equal(t, p.Err(), ErrSessionBusy)

	q := newPending()
	assert.Equal(t, q.Err(), nil)
	assert.NotEqual(t, q.ID, p.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, q.Wait(ctx), context.Canceled)
	assert.Equal(t, q.Flush(ctx), context.Canceled)

	q.resolve(nil)
	q.resolve(errors.New("ignored"))
	assert.Equal(t, q.Wait(context.Background()), nil)
}

func TestNotificationCenter(t *testing.T) {
	n := NewNotificationCenter()
	var seen []Notification
	n.Subscribe(func(v Notification) { seen = append(seen, v) })

	n.Notify(NotifyError, "Something went wrong")
	assert.Equal(t, n.Get().Message, "Something went wrong")
	assert.Equal(t, n.Get().Kind, NotifyError)

	n.Dismiss()
	assert.Equal(t, len(seen), 2)
	assert.Equal(t, seen[1].Message, "")
}
