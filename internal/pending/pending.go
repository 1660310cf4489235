// Package pending correlates asynchronous responses with the requests that
// are waiting for them.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrTimeout     = errors.New("response timeout")
	ErrDuplicateID = errors.New("duplicate request id")
)

type result[T any] struct {
	value T
	err   error
}

// Request is a single outstanding request. Exactly one of resolve, reject or
// timeout completes it.
type Request[T any] struct {
	ID        string
	CreatedAt time.Time

	table *Table[T]
	timer clockwork.Timer
	done  chan result[T]
}

// Table holds outstanding requests keyed by correlation id.
type Table[T any] struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*Request[T]
}

func NewTable[T any](clock clockwork.Clock) *Table[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table[T]{
		clock:   clock,
		entries: make(map[string]*Request[T]),
	}
}

// Create registers a request under a fresh id.
func (t *Table[T]) Create(timeout time.Duration) *Request[T] {
	req, _ := t.CreateWithID(uuid.NewString(), timeout)
	return req
}

// CreateWithID registers a request under a caller supplied id.
func (t *Table[T]) CreateWithID(id string, timeout time.Duration) (*Request[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, ErrDuplicateID
	}

	req := &Request[T]{
		ID:        id,
		CreatedAt: t.clock.Now(),
		table:     t,
		done:      make(chan result[T], 1),
	}
	req.timer = t.clock.AfterFunc(timeout, func() {
		t.Reject(id, ErrTimeout)
	})
	t.entries[id] = req
	return req, nil
}

func (t *Table[T]) take(id string) *Request[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	req.timer.Stop()
	return req
}

// Resolve completes the request with a value. It reports false when the id
// is unknown or already completed.
func (t *Table[T]) Resolve(id string, value T) bool {
	req := t.take(id)
	if req == nil {
		return false
	}
	req.done <- result[T]{value: value}
	return true
}

// Reject completes the request with an error.
func (t *Table[T]) Reject(id string, err error) bool {
	req := t.take(id)
	if req == nil {
		return false
	}
	req.done <- result[T]{err: err}
	return true
}

// RejectAll fails every outstanding request, typically because the
// connection that would have answered them is gone.
func (t *Table[T]) RejectAll(err error) int {
	t.mu.Lock()
	reqs := make([]*Request[T], 0, len(t.entries))
	for id, req := range t.entries {
		req.timer.Stop()
		delete(t.entries, id)
		reqs = append(reqs, req)
	}
	t.mu.Unlock()

	for _, req := range reqs {
		req.done <- result[T]{err: err}
	}
	return len(reqs)
}

// Has reports whether id is still outstanding.
func (t *Table[T]) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Wait blocks until the request completes or ctx is done. A cancelled wait
// removes the request from the table.
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	select {
	case res := <-r.done:
		return res.value, res.err
	case <-ctx.Done():
		if r.table.take(r.ID) == nil {
			// completed concurrently with cancellation
			res := <-r.done
			return res.value, res.err
		}
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel abandons the request without waiting.
func (r *Request[T]) Cancel() {
	r.table.take(r.ID)
}
