// Package port implements the Port endpoint state machine of spec §4.3
// (component C3): format enumeration, format negotiation, buffer
// attach/allocation, and the per-port I/O slot used during streaming.
//
// Grounded on src/pipewire/node.c's port-format handling (pw_port's
// state resets inside suspend_node) and spec §4.3's buffer metadata
// shape, itself modeled on spa/lib/memory.c's SpaMemory fields minus
// the pool bookkeeping (out of scope per spec §1).
package port

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

// State is a Port's position in its format/buffer lifecycle.
type State int

const (
	StateConfigure State = iota
	StateReady
	StatePaused
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateConfigure:
		return "CONFIGURE"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StateStreaming:
		return "STREAMING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors a caller can match with errors.Is; the root package
// wraps these into its structured *Error at the public API boundary.
var (
	ErrNoFormat  = errors.New("port: no format set")
	ErrNoBuffers = errors.New("port: no buffers attached")
)

// Port is one endpoint of a Node: a direction, id, negotiated format,
// buffer set, and the links referencing it (by id only — a Port does
// not own its Links, spec §3 "Ownership").
type Port struct {
	mu sync.Mutex

	NodeID    uint32
	ID        uint32
	Direction wire.Direction
	MixInput  bool

	state   State
	format  *wire.Format
	buffers []wire.Buffer
	linkIDs []uint32
	ioSlot  *iface.IOSlot
	errMsg  string

	driver iface.NodeImpl
}

// New creates a Port bound to the driver that implements its operations.
func New(nodeID, id uint32, dir wire.Direction, mixInput bool, driver iface.NodeImpl) *Port {
	return &Port{NodeID: nodeID, ID: id, Direction: dir, MixInput: mixInput, driver: driver, state: StateConfigure}
}

// State returns the port's current state.
func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Format returns the negotiated format, if any.
func (p *Port) Format() (wire.Format, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == nil {
		return wire.Format{}, false
	}
	return *p.format, true
}

// EnumFormats is a lazy, restartable format sequence: calling with
// index 0 always starts over (spec §4.3 "restartable by resetting
// index").
func (p *Port) EnumFormats(index int, filter *wire.Format) (wire.Format, bool) {
	return p.driver.PortEnumFormats(p.Direction, p.ID, index, filter)
}

// SetFormat negotiates or clears the port's format. format == nil clears
// it and returns the port to CONFIGURE, discarding buffers (spec §4.3).
func (p *Port) SetFormat(flags uint32, format *wire.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if format == nil {
		if err := p.driver.PortSetFormat(p.Direction, p.ID, flags, nil); err != nil {
			return err
		}
		p.format = nil
		p.buffers = nil
		p.state = StateConfigure
		return nil
	}

	if err := p.driver.PortSetFormat(p.Direction, p.ID, flags, format); err != nil {
		return err
	}
	f := *format
	p.format = &f
	return nil
}

// UseBuffers attaches externally allocated buffers, moving the port to
// READY. Requires a format to already be set.
func (p *Port) UseBuffers(buffers []wire.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == nil {
		return fmt.Errorf("port %d: UseBuffers: %w", p.ID, ErrNoFormat)
	}
	if err := p.driver.PortUseBuffers(p.Direction, p.ID, buffers); err != nil {
		return err
	}
	p.buffers = buffers
	p.state = StateReady
	return nil
}

// AllocBuffers asks the driver to allocate buffers per params, moving
// the port to READY, and returns the allocated buffers so a Link can
// hand the same set to the peer port via UseBuffers. Requires a format
// to already be set.
func (p *Port) AllocBuffers(params wire.AllocParams) ([]wire.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == nil {
		return nil, fmt.Errorf("port %d: AllocBuffers: %w", p.ID, ErrNoFormat)
	}
	bufs, err := p.driver.PortAllocBuffers(p.Direction, p.ID, params)
	if err != nil {
		return nil, err
	}
	p.buffers = bufs
	p.state = StateReady
	return bufs, nil
}

// SetIO binds the per-port I/O slot used for buffer-id handshaking
// during streaming.
func (p *Port) SetIO(slot *iface.IOSlot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.driver.PortSetIO(p.Direction, p.ID, slot); err != nil {
		return err
	}
	p.ioSlot = slot
	return nil
}

// MoveTo advances the port past READY into PAUSED/STREAMING (or back),
// called by the owning Link as negotiation and activation proceed.
// Requires buffers to be attached when moving past READY (spec §3
// invariant "moving past CONFIGURE requires buffers").
func (p *Port) MoveTo(state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state != StateConfigure && state != StateError && len(p.buffers) == 0 {
		return fmt.Errorf("port %d: MoveTo(%s): %w", p.ID, state, ErrNoBuffers)
	}
	p.state = state
	return nil
}

// SetError moves the port to ERROR and records msg.
func (p *Port) SetError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateError
	p.errMsg = msg
}

// ErrorMessage returns the last error message recorded by SetError.
func (p *Port) ErrorMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg
}

// AddLink/RemoveLink maintain the (non-owning) list of link ids
// referencing this port.
func (p *Port) AddLink(linkID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkIDs = append(p.linkIDs, linkID)
}

func (p *Port) RemoveLink(linkID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.linkIDs {
		if id == linkID {
			p.linkIDs = append(p.linkIDs[:i], p.linkIDs[i+1:]...)
			return
		}
	}
}

// LinkIDs returns a snapshot of the ids of links referencing this port.
func (p *Port) LinkIDs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, len(p.linkIDs))
	copy(out, p.linkIDs)
	return out
}

// ReuseBuffer forwards a reuse-buffer notification to the driver.
func (p *Port) ReuseBuffer(bufferID uint32) error {
	return p.driver.PortReuseBuffer(p.Direction, p.ID, bufferID)
}

// Info returns a point-in-time snapshot of port state for broadcast.
func (p *Port) Info() iface.PortInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return iface.PortInfo{
		Direction: p.Direction,
		ID:        p.ID,
		HasFormat: p.format != nil,
		MixInput:  p.MixInput,
		NBuffers:  uint32(len(p.buffers)),
	}
}
