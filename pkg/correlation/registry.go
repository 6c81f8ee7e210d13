// Package correlation matches asynchronous replies to the requests that are
// waiting for them.
//
// A request registers a Pending entry under a correlation id, sends itself,
// and waits. The read loop resolves the entry when a reply carrying the same
// id arrives. Every entry is resolved exactly once (reply, failure, timeout
// or cancellation) and is removed from the registry at that moment, so a late
// reply for an abandoned request finds nothing and is reported as unmatched.
//
// Cancellation only means "no longer waiting": the request may already have
// reached the peer.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hublink-io/hublink-go/pkg/fault"
)

// Registry errors.
var (
	ErrDuplicateID    = errors.New("correlation id already pending")
	ErrTimeout        = errors.New("no reply before timeout")
	ErrRegistryClosed = errors.New("correlation registry closed")
)

// NewID returns prefix followed by a random UUID.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// Pending is one request awaiting its reply.
type Pending[T any] struct {
	id        string
	createdAt time.Time
	timeout   time.Duration

	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// ID returns the correlation id.
func (p *Pending[T]) ID() string { return p.id }

// CreatedAt returns when the entry was registered.
func (p *Pending[T]) CreatedAt() time.Time { return p.createdAt }

// Timeout returns the wait ceiling.
func (p *Pending[T]) Timeout() time.Duration { return p.timeout }

// Done is closed once the entry is resolved.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// resolve settles the entry. Only the first call has any effect.
func (p *Pending[T]) resolve(v T, err error) bool {
	won := false
	p.once.Do(func() {
		p.value = v
		p.err = err
		won = true
		close(p.done)
	})
	return won
}

// Registry maps correlation ids to pending requests.
// The zero value is not usable; call NewRegistry.
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[string]*Pending[T]
	closed  error
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{pending: make(map[string]*Pending[T])}
}

// Register creates a pending entry. At most one live entry may exist per id.
func (r *Registry[T]) Register(id string, timeout time.Duration) (*Pending[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return nil, r.closed
	}
	if _, exists := r.pending[id]; exists {
		return nil, ErrDuplicateID
	}
	p := &Pending[T]{
		id:        id,
		createdAt: time.Now(),
		timeout:   timeout,
		done:      make(chan struct{}),
	}
	r.pending[id] = p
	return p, nil
}

// take removes and returns the entry for id, or nil.
func (r *Registry[T]) take(id string) *Pending[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return p
}

// drop removes p if it is still the entry registered under its id. An id
// that has been reused by a newer entry is left alone.
func (r *Registry[T]) drop(p *Pending[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.pending[p.id]; !ok || q != p {
		return false
	}
	delete(r.pending, p.id)
	return true
}

// Resolve completes the entry for id with a reply. It returns false when no
// entry is pending under id.
func (r *Registry[T]) Resolve(id string, v T) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	return p.resolve(v, nil)
}

// Fail completes the entry for id with an error. It returns false when no
// entry is pending under id.
func (r *Registry[T]) Fail(id string, err error) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	var zero T
	return p.resolve(zero, err)
}

// Remove drops the entry for id without resolving it for a waiter that is
// still around; it is resolved as canceled.
func (r *Registry[T]) Remove(id string) {
	if p := r.take(id); p != nil {
		var zero T
		p.resolve(zero, fault.Wrap(fault.KindOperationCanceled, context.Canceled))
	}
}

// Wait blocks until p is resolved, its timeout ceiling elapses, or ctx is
// done, whichever happens first. On timeout or cancellation the entry is
// removed from the registry before Wait returns.
func (r *Registry[T]) Wait(ctx context.Context, p *Pending[T]) (T, error) {
	var timeoutC <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-p.done:
	case <-timeoutC:
		if r.drop(p) {
			var zero T
			p.resolve(zero, &fault.Error{Kind: fault.KindTimeout, Message: "correlation " + p.id, Err: ErrTimeout})
		}
	case <-ctx.Done():
		if r.drop(p) {
			var zero T
			p.resolve(zero, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err()))
		}
	}

	// A reply may have won the race against the timer; either way p is
	// resolved exactly once by now.
	<-p.done
	return p.value, p.err
}

// Contains reports whether id is pending.
func (r *Registry[T]) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Len returns the number of pending entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// FailAll resolves every pending entry with err, e.g. when the link that
// would carry the replies is lost. The registry stays usable.
func (r *Registry[T]) FailAll(err error) int {
	r.mu.Lock()
	entries := r.pending
	r.pending = make(map[string]*Pending[T])
	r.mu.Unlock()

	var zero T
	for _, p := range entries {
		p.resolve(zero, err)
	}
	return len(entries)
}

// Close fails every pending entry and rejects later registrations.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	if r.closed == nil {
		r.closed = ErrRegistryClosed
	}
	r.mu.Unlock()
	r.FailAll(ErrRegistryClosed)
}
