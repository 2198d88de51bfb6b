package pwcore

import "time"

// Default configuration constants for Core/Node/Link bootstrapping.
const (
	// DefaultMaxInputPorts/DefaultMaxOutputPorts are default per-direction
	// port limits. Node.GetFreePort does not read them; it takes its
	// limits from the driver's GetPortCounts.
	DefaultMaxInputPorts  = 1
	DefaultMaxOutputPorts = 1

	// DefaultRingSize is the invoke ring's byte capacity; must stay a
	// power of two (internal/ring.New rejects anything else).
	DefaultRingSize = 32 * 1024

	// DefaultMaxEpollEvents bounds how many ready sources a single
	// Iterate call drains before returning control to the caller.
	DefaultMaxEpollEvents = 32

	// DefaultAllocBufferCount/DefaultAllocAlignment match the fixed
	// count and alignment internal/link.allocateBuffers requests for
	// every link; neither port's own limits are consulted.
	DefaultAllocBufferCount = 4
	DefaultAllocAlignment   = 8
)

// Timing constants governing Core/DataRunner lifecycle.
const (
	// ShutdownGracePeriod is a shutdown grace period. Core.Stop and
	// DataRunner.Stop do not read it: they cancel their loop and wait
	// for its goroutine with no grace period.
	ShutdownGracePeriod = 50 * time.Millisecond

	// DefaultIterateTimeout is the default EpollWait timeout a Core's
	// main loop and a DataRunner's data loop both use when no event is
	// pending, bounding how promptly a Close is noticed.
	DefaultIterateTimeout = 100 * time.Millisecond
)
