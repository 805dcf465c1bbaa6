package vchat

import (
	"context"

	"github.com/golang/glog"
)

// ============================================================================
// Optimistic Mutations
// ============================================================================

// SideEffect is a fire-and-forget write issued after a committed mutation.
type SideEffect[R any] func(ctx context.Context, result R) error

// Mutation describes one optimistic write against a cache key.
//
// Apply runs before any remote call and its result is shown immediately.
// Commit performs the remote write. When it fails the pre-image captured
// before Apply is restored and ErrorMessage is shown; there is no retry.
type Mutation[T, R any] struct {
	Name string
	Key  string

	Apply func(current T) T

	// OnApplied runs right after the local write, e.g. to close a dialog.
	OnApplied func()

	Commit func(ctx context.Context) (R, error)

	// Reconcile merges fields the server computed into the current value.
	Reconcile func(current T, result R) T

	SideEffects []SideEffect[R]

	SuccessMessage string
	ErrorMessage   string
}

// RunMutation applies m locally and commits it in the background.
//
// The key is held until the commit settles, so fetches finishing in between
// do not replace the optimistic value; a discarded fetch is repeated once the
// hold ends. A failed commit rolls back only when no newer write hit the key
// since Apply. Otherwise the newer write is kept and the key is revalidated so
// the server state replaces both.
func RunMutation[T, R any](ctx context.Context, c *Cache, n Notifier, m Mutation[T, R]) *Pending {
	if n == nil {
		n = nopNotifier{}
	}
	p := newPending()

	c.Hold(m.Key)
	pre := c.Snapshot(m.Key)
	applied := Update(c, m.Key, m.Apply)
	glog.V(1).Infof("mutation %s %s: applied %s at v%d", p.ID, m.Name, m.Key, applied)

	if m.OnApplied != nil {
		m.OnApplied()
	}

	// the view that started the write may go away; the write does not
	ctx = context.WithoutCancel(ctx)

	go func() {
		result, err := m.Commit(ctx)
		if err != nil {
			restored := c.RestoreIf(pre, applied)
			c.Release(m.Key)
			if restored {
				glog.V(1).Infof("mutation %s %s: rolled back %s: %v", p.ID, m.Name, m.Key, err)
			} else {
				glog.Warningf("mutation %s %s: %s changed since apply, revalidating instead of rollback: %v", p.ID, m.Name, m.Key, err)
				c.Revalidate(m.Key)
			}
			if m.ErrorMessage != "" {
				n.Notify(NotifyError, m.ErrorMessage)
			}
			p.resolve(err)
			return
		}

		if m.Reconcile != nil {
			Update(c, m.Key, func(current T) T { return m.Reconcile(current, result) })
		}
		c.Release(m.Key)
		if m.SuccessMessage != "" {
			n.Notify(NotifySuccess, m.SuccessMessage)
		}
		for _, effect := range m.SideEffects {
			effect := effect
			p.goEffect(func() {
				if err := effect(ctx, result); err != nil {
					glog.Warningf("mutation %s %s: side effect failed: %v", p.ID, m.Name, err)
				}
			})
		}
		p.resolve(nil)
	}()

	return p
}
