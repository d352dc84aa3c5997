// Package exchange correlates inbound requests with their asynchronously
// completed downstream results.
//
// Every exchange is keyed by a freshly generated ID, never by message content.
// The Registry maps that ID to a single-use, capacity-1 Slot: the producer side
// delivers at most one value into it and the consumer side takes it under a
// hard deadline. Delivery into a slot that was already removed or already
// filled is a silent no-op, so late producers never block.
//
// The consumer owns removal: whatever the outcome of Take, it calls Remove
// exactly once.
package exchange
