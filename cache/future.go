package cache

import (
	"context"
	"errors"
	"sync"

	snapshot "github.com/always-cache/prefetch-worker/pkg/response-snapshot"
)

var ErrRejected = errors.New("in-flight fetch failed")

// Future is the shared result of one outstanding upstream fetch.
// It settles exactly once and can be awaited by any number of goroutines.
type Future struct {
	once sync.Once
	done chan struct{}
	snap *snapshot.Snapshot
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with a response snapshot.
func (f *Future) Resolve(snap *snapshot.Snapshot) {
	f.settle(snap, nil)
}

// Reject settles the future with an error.
// Waiters receive the error wrapped in ErrRejected.
func (f *Future) Reject(err error) {
	if err == nil {
		err = ErrRejected
	}
	f.settle(nil, err)
}

func (f *Future) settle(snap *snapshot.Snapshot, err error) {
	f.once.Do(func() {
		f.snap = snap
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
// A ctx error is returned as is, so callers can tell it apart from a failed fetch.
func (f *Future) Wait(ctx context.Context) (*snapshot.Snapshot, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		if errors.Is(f.err, ErrRejected) {
			return nil, f.err
		}
		return nil, errors.Join(ErrRejected, f.err)
	}
	return f.snap, nil
}
