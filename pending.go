package vchat

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Pending tracks an engine operation the view may show a loading state for.
type Pending struct {
	ID ulid.ULID

	done    chan struct{}
	once    sync.Once
	err     error
	effects sync.WaitGroup
}

func newPending() *Pending {
	return &Pending{ID: ulid.Make(), done: make(chan struct{})}
}

// settled returns a Pending that is already resolved with err.
func settled(err error) *Pending {
	p := newPending()
	p.resolve(err)
	return p
}

func (p *Pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the operation settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the operation finished.
func (p *Pending) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the outcome once settled, nil before.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the operation settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goEffect runs a fire-and-forget follow-up that Flush waits for. It must be
// called before the operation settles.
func (p *Pending) goEffect(fn func()) {
	p.effects.Add(1)
	go func() {
		defer p.effects.Done()
		fn()
	}()
}

// Flush waits for the operation and then for the side effects it started.
// Side-effect failures are only logged, so Flush returns the operation error.
func (p *Pending) Flush(ctx context.Context) error {
	if err := p.Wait(ctx); ctx.Err() != nil {
		return err
	}
	drained := make(chan struct{})
	go func() {
		p.effects.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
