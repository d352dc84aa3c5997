package exchange

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-coap/pkg/domain"
)

// SlotState is the state of a rendezvous slot.
type SlotState int32

const (
	// SlotWaiting means the slot was created and holds no value yet.
	SlotWaiting SlotState = iota
	// SlotFulfilled means a value was delivered.
	SlotFulfilled
	// SlotAbandoned means the consumer gave up before a value arrived.
	SlotAbandoned
)

func (s SlotState) String() string {
	switch s {
	case SlotWaiting:
		return "waiting"
	case SlotFulfilled:
		return "fulfilled"
	case SlotAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("SlotState(%d)", int32(s))
	}
}

// Slot is a single-use, capacity-1 handoff cell between one producer and one
// consumer.
type Slot[T any] struct {
	id        ID
	ch        chan T
	state     atomic.Int32
	createdAt time.Time
}

func newSlot[T any](id ID) *Slot[T] {
	return &Slot[T]{
		id:        id,
		ch:        make(chan T, 1),
		createdAt: time.Now(),
	}
}

// ID returns the correlation ID the slot was registered under.
func (s *Slot[T]) ID() ID {
	return s.id
}

// State returns the current slot state.
func (s *Slot[T]) State() SlotState {
	return SlotState(s.state.Load())
}

// Age returns how long ago the slot was created.
func (s *Slot[T]) Age() time.Duration {
	return time.Since(s.createdAt)
}

// offer stores v if the slot is still waiting. Only the caller that wins the
// state transition sends, so the send never blocks.
func (s *Slot[T]) offer(v T) bool {
	if !s.state.CompareAndSwap(int32(SlotWaiting), int32(SlotFulfilled)) {
		return false
	}
	s.ch <- v
	return true
}

// wait blocks until a value arrives, the timeout elapses, or ctx is done.
func (s *Slot[T]) wait(ctx context.Context, timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-s.ch:
		return v, nil
	case <-timer.C:
		return s.giveUp(fmt.Errorf("%w after %s", domain.ErrGatewayTimeout, timeout))
	case <-ctx.Done():
		return s.giveUp(fmt.Errorf("%w: %w", domain.ErrInterrupted, ctx.Err()))
	}
}

// giveUp abandons the slot. If a producer won the race and is mid-send, its
// value is taken instead: it was delivered before the consumer left.
func (s *Slot[T]) giveUp(cause error) (T, error) {
	if s.state.CompareAndSwap(int32(SlotWaiting), int32(SlotAbandoned)) {
		var zero T
		return zero, cause
	}
	return <-s.ch, nil
}
