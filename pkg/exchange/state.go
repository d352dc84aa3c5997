package exchange

import (
	"fmt"
	"sync"
)

// State is a step in the lifecycle of one exchange.
type State int

const (
	// StateCreated means the request was translated but not yet registered.
	StateCreated State = iota
	// StateRegistered means a slot exists and the producer may run.
	StateRegistered
	// StateAwaiting means the consumer is blocked on the slot.
	StateAwaiting
	// StateFulfilled means the producer delivered before the deadline, possibly an absent result.
	StateFulfilled
	// StateTimedOut means the deadline passed first.
	StateTimedOut
	// StateConsistencyError means the slot was missing from the registry.
	StateConsistencyError
	// StateInterrupted means the request or the gateway was cancelled while waiting.
	StateInterrupted
	// StateReplied is terminal: the HTTP reply was written.
	StateReplied
)

var stateNames = map[State]string{
	StateCreated:          "created",
	StateRegistered:       "registered",
	StateAwaiting:         "awaiting",
	StateFulfilled:        "fulfilled",
	StateTimedOut:         "timed_out",
	StateConsistencyError: "consistency_error",
	StateInterrupted:      "interrupted",
	StateReplied:          "replied",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsOutcome reports whether s is one of the resolution states that precede
// the reply.
func (s State) IsOutcome() bool {
	switch s {
	case StateFulfilled, StateTimedOut, StateConsistencyError, StateInterrupted:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateCreated:          {StateRegistered},
	StateRegistered:       {StateAwaiting, StateConsistencyError},
	StateAwaiting:         {StateFulfilled, StateTimedOut, StateConsistencyError, StateInterrupted},
	StateFulfilled:        {StateReplied},
	StateTimedOut:         {StateReplied},
	StateConsistencyError: {StateReplied},
	StateInterrupted:      {StateReplied},
}

// Lifecycle records the transitions of one exchange and rejects any that the
// state machine does not allow. Awaiting is never re-entered.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	outcome State
}

// NewLifecycle starts a lifecycle in StateCreated.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateCreated, outcome: StateCreated}
}

// Advance moves the lifecycle to next.
func (l *Lifecycle) Advance(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range transitions[l.state] {
		if allowed == next {
			l.state = next
			if next.IsOutcome() {
				l.outcome = next
			}
			return nil
		}
	}
	return fmt.Errorf("invalid exchange transition %s -> %s", l.state, next)
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Outcome returns the resolution state reached, or StateCreated if none yet.
func (l *Lifecycle) Outcome() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome
}
