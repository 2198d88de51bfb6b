package ring

import "errors"

// ErrQueueFull is returned by Write when the ring does not currently
// have room for the record (producer_index - consumer_index would
// exceed the ring size).
var ErrQueueFull = errors.New("ring: queue full")

// ErrPayloadTooLarge is returned by Write when payload alone exceeds
// half the ring's capacity.
var ErrPayloadTooLarge = errors.New("ring: payload too large")
