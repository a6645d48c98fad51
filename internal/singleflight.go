package internal

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Gate guarantees at most one concurrent upstream fetch per fingerprint.
// Concurrent requesters attach to the in-flight operation and share its
// result. The underlying fetch runs on a context detached from any single
// requester; it is cancelled only when the last waiter departs.
type Gate struct {
	group singleflight.Group

	// mu guards flights. Held only across table mutation, never across the
	// wrapped fetch.
	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
	done    bool
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{flights: map[string]*flight{}}
}

// Do runs fn for key, or attaches to an existing in-flight call. The
// requester's context controls only its own wait: abandoning the call does
// not cancel the fetch while other waiters remain.
func (g *Gate) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	g.mu.Lock()
	f, ok := g.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	g.mu.Unlock()

	ch := g.group.DoChan(key, func() (any, error) {
		defer g.finish(key, f)
		return fn(f.ctx)
	})

	select {
	case res := <-ch:
		g.depart(key, f)
		return res.Val, res.Err
	case <-ctx.Done():
		g.depart(key, f)
		return nil, WithKind(KindCancelled, ctx.Err())
	}
}

// depart records a waiter leaving. The last waiter to abandon an unfinished
// flight cancels it.
func (g *Gate) depart(key string, f *flight) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if f.waiters <= 0 && !f.done {
		f.cancel()
		g.group.Forget(key)
		if g.flights[key] == f {
			delete(g.flights, key)
		}
	}
}

// finish removes the fingerprint from the in-flight table atomically with
// the fetch completing.
func (g *Gate) finish(key string, f *flight) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.done = true
	f.cancel()
	if g.flights[key] == f {
		delete(g.flights, key)
	}
}

// Len returns the number of in-flight fetches.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
