// Package iface defines the driver ABI a Node implementation provides to
// the core, and the event sink the core delivers Node events through.
// Kept separate from package node so that driver implementations (real
// or mock) never need to import the node package itself, avoiding the
// import cycle a single combined package would create.
package iface

import "github.com/Happy-Ferret/pwcore/internal/wire"

// Command is a command a Node driver may be asked to perform via
// SendCommand. Only Pause and Start are defined by this core; any other
// value a driver receives must be rejected with CodeNotImplemented.
type Command int

const (
	CommandPause Command = iota
	CommandStart
)

// EventType tags the kind of asynchronous event a NodeImpl raises via
// its installed EventSink.
type EventType int

const (
	EventNeedInput EventType = iota
	EventHaveOutput
	EventRequestClockUpdate
)

// Event is a driver-raised asynchronous event. Payload is event-specific
// and nil for the common NeedInput/HaveOutput signals.
type Event struct {
	Type    EventType
	Payload any
}

// EventSink receives events and async completions raised by a NodeImpl.
// A Node installs itself as the sink for the driver it owns.
type EventSink interface {
	OnAsyncComplete(seq uint64, res error)
	OnEvent(ev Event)
}

// NodeImpl is the capability record a driver provides for one Node: the
// callback set the core dispatches operations through. Implementations
// are invoked at most once concurrently per node (spec §6).
type NodeImpl interface {
	// GetProps/SetProps expose a typed, round-trip-preserving property
	// bag.
	GetProps() map[string]string
	SetProps(props map[string]string) error

	// SendCommand forwards Pause/Start to the driver. Any other command
	// must return a CodeNotImplemented error.
	SendCommand(cmd Command) error

	// SetEventCallback installs the sink the driver raises events and
	// async completions through.
	SetEventCallback(sink EventSink)

	// GetPortCounts reports current and maximum port counts per
	// direction.
	GetPortCounts() (nIn, maxIn, nOut, maxOut uint32)
	// GetPortIDs reports the live port ids for a direction.
	GetPortIDs(dir wire.Direction) []uint32

	AddPort(dir wire.Direction, id uint32) error
	RemovePort(dir wire.Direction, id uint32) error

	PortEnumFormats(dir wire.Direction, id uint32, index int, filter *wire.Format) (wire.Format, bool)
	PortSetFormat(dir wire.Direction, id uint32, flags uint32, format *wire.Format) error
	PortGetFormat(dir wire.Direction, id uint32) (wire.Format, bool)
	PortGetInfo(dir wire.Direction, id uint32) (PortInfo, error)

	PortUseBuffers(dir wire.Direction, id uint32, buffers []wire.Buffer) error
	PortAllocBuffers(dir wire.Direction, id uint32, params wire.AllocParams) ([]wire.Buffer, error)

	PortSetIO(dir wire.Direction, id uint32, slot *IOSlot) error
	PortReuseBuffer(dir wire.Direction, id uint32, bufferID uint32) error

	PortSendCommand(dir wire.Direction, id uint32, cmd Command) error

	// ProcessInput/ProcessOutput are called by the Graph Scheduler on
	// the data thread.
	ProcessInput() error
	ProcessOutput() error
}

// PortInfo mirrors the subset of Port state a driver reports back to the
// core for info broadcasts.
type PortInfo struct {
	Direction wire.Direction
	ID        uint32
	HasFormat bool
	MixInput  bool
	NBuffers  uint32
}

// IOSlot is the per-port I/O slot bound by PortSetIO, used to hand
// buffer ids back and forth during streaming.
type IOSlot struct {
	BufferID uint32
	Status   int32
}

// Clock is consumed by a Node with a clock to fill in a clock-update
// packet (spec §4.4).
type Clock interface {
	GetTime() (rateNum, rateDenom uint32, ticks uint64, monotonicNs int64)
}
