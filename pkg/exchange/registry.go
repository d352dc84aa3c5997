package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/polis-coap/pkg/domain"
)

// Registry maps correlation IDs to rendezvous slots. It is safe for
// concurrent use.
type Registry[T any] struct {
	mu    sync.RWMutex
	slots map[ID]*Slot[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		slots: make(map[ID]*Slot[T]),
	}
}

// Register creates and inserts a new slot for id.
func (r *Registry[T]) Register(id ID) (*Slot[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[id]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateIdentity, id)
	}

	slot := newSlot[T](id)
	r.slots[id] = slot
	return slot, nil
}

// Lookup returns the slot registered for id.
func (r *Registry[T]) Lookup(id ID) (*Slot[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.slots[id]
	return slot, ok
}

// Deliver hands v to the slot registered for id. It reports whether the value
// was stored; delivering to a removed or already fulfilled slot is a no-op.
func (r *Registry[T]) Deliver(id ID, v T) bool {
	slot, ok := r.Lookup(id)
	if !ok {
		return false
	}
	return slot.offer(v)
}

// Take waits up to timeout for the value delivered to id. It returns
// domain.ErrConsistency when id is not registered, domain.ErrGatewayTimeout
// when the timeout elapses and domain.ErrInterrupted when ctx is done. The
// caller must Remove the slot afterwards.
func (r *Registry[T]) Take(ctx context.Context, id ID, timeout time.Duration) (T, error) {
	slot, ok := r.Lookup(id)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: no slot for %s", domain.ErrConsistency, id)
	}
	return slot.wait(ctx, timeout)
}

// Remove deletes the slot for id. It reports true only for the call that
// actually removed it.
func (r *Registry[T]) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[id]; !ok {
		return false
	}
	delete(r.slots, id)
	return true
}

// Len returns the number of in-flight slots.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}
