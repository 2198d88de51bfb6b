// Package link implements the Link negotiation state machine of spec
// §4.5 (component C5): INIT→NEGOTIATING→ALLOCATING→PAUSED→RUNNING, with
// UNLINKED and ERROR reachable from any state.
//
// State names and transition triggers are cross-checked against
// module-autolink.c's link_state_changed switch (confirms the five
// steady states plus ERROR/UNLINKED) and src/pipewire/node.c's
// node_activate/node_deactivate (links are walked per-port and
// Activate/Deactivate'd, not globally).
package link

import (
	"fmt"
	"sync"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/port"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

// State is a Link's position in its negotiation/activation lifecycle.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateAllocating
	StatePaused
	StateRunning
	StateError
	StateUnlinked
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateAllocating:
		return "ALLOCATING"
	case StatePaused:
		return "PAUSED"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	case StateUnlinked:
		return "UNLINKED"
	default:
		return "UNKNOWN"
	}
}

// Listeners are the optional subscriber hooks a Link invokes (mirrors
// node.Listeners' shape for the same reasons: not every subscriber
// cares about every event).
type Listeners struct {
	StateChanged func(old, new State, errMsg string)
	PortUnlinked func(l *Link, p *port.Port)
}

// Link pairs one output Port and one input Port and drives the
// negotiation protocol described in spec §4.5.
type Link struct {
	mu sync.Mutex

	ID     uint32
	Output *port.Port
	Input  *port.Port

	state   State
	errMsg  string
	format  *wire.Format
	filter  wire.FilterFunc
	buffers []wire.Buffer

	listeners []Listeners
}

// New creates a Link in INIT state between out and in. filter defaults
// to wire.DefaultFilter (exact-match) when nil.
func New(id uint32, out, in *port.Port, filter wire.FilterFunc) *Link {
	if filter == nil {
		filter = wire.DefaultFilter
	}
	return &Link{ID: id, Output: out, Input: in, state: StateInit, filter: filter}
}

// State returns the link's current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AddListener registers a subscriber.
func (l *Link) AddListener(ls Listeners) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, ls)
}

func (l *Link) setState(target State, errMsg string) {
	l.mu.Lock()
	old := l.state
	l.state = target
	l.errMsg = errMsg
	listeners := append([]Listeners(nil), l.listeners...)
	l.mu.Unlock()
	for _, ls := range listeners {
		if ls.StateChanged != nil {
			ls.StateChanged(old, target, errMsg)
		}
	}
}

// Activate drives the link from INIT through NEGOTIATING and
// ALLOCATING to PAUSED (spec §4.5 steps 1-4). A format or allocation
// rejection moves the link to ERROR and it is returned as the error.
func (l *Link) Activate() error {
	l.mu.Lock()
	if l.state == StatePaused || l.state == StateRunning {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	l.setState(StateNegotiating, "")
	format, err := l.negotiateFormat()
	if err != nil {
		l.setState(StateError, err.Error())
		return err
	}
	l.mu.Lock()
	l.format = &format
	l.mu.Unlock()

	if err := l.Output.SetFormat(0, &format); err != nil {
		l.setState(StateError, err.Error())
		return err
	}
	if err := l.Input.SetFormat(0, &format); err != nil {
		l.setState(StateError, err.Error())
		return err
	}

	l.setState(StateAllocating, "")
	if err := l.allocateBuffers(format); err != nil {
		l.setState(StateError, err.Error())
		return err
	}
	if err := l.bindIO(); err != nil {
		l.setState(StateError, err.Error())
		return err
	}
	if err := l.Output.MoveTo(port.StatePaused); err != nil {
		l.setState(StateError, err.Error())
		return err
	}
	if err := l.Input.MoveTo(port.StatePaused); err != nil {
		l.setState(StateError, err.Error())
		return err
	}

	l.setState(StatePaused, "")
	l.Output.AddLink(l.ID)
	l.Input.AddLink(l.ID)
	return nil
}

// bindIO gives both ports the same I/O slot, pointing at the first
// allocated buffer, so a driver's ProcessOutput/ProcessInput has a
// buffer id to work with as soon as the link reaches PAUSED (spec §4.3
// "per-port I/O slot").
func (l *Link) bindIO() error {
	l.mu.Lock()
	bufs := l.buffers
	l.mu.Unlock()
	if len(bufs) == 0 {
		return fmt.Errorf("link %d: no buffers to bind", l.ID)
	}
	slot := &iface.IOSlot{BufferID: bufs[0].ID}
	if err := l.Output.SetIO(slot); err != nil {
		return err
	}
	return l.Input.SetIO(slot)
}

// negotiateFormat enumerates the output port's format sequence and
// finds the first candidate the filter accepts against any of the
// input port's candidates (spec §4.5 step 1).
func (l *Link) negotiateFormat() (wire.Format, error) {
	for i := 0; ; i++ {
		out, ok := l.Output.EnumFormats(i, nil)
		if !ok {
			break
		}
		for j := 0; ; j++ {
			in, ok := l.Input.EnumFormats(j, nil)
			if !ok {
				break
			}
			if f, ok := l.filter(out, in); ok {
				return f, nil
			}
		}
	}
	return wire.Format{}, fmt.Errorf("link %d: no common format", l.ID)
}

// allocateBuffers chooses an allocator (preferring output, then input)
// and requests a fixed set of parameters: 4 buffers (1 to 16), a size
// from defaultBufferSize(format) and 8-byte alignment. The ports' own
// count/size/alignment limits are not consulted (spec §4.5 step 3).
func (l *Link) allocateBuffers(format wire.Format) error {
	params := wire.AllocParams{
		Count:     4,
		Size:      defaultBufferSize(format),
		Alignment: 8,
		MinCount:  1,
		MaxCount:  16,
	}

	bufs, err := l.Output.AllocBuffers(params)
	if err != nil {
		bufs, err = l.Input.AllocBuffers(params)
		if err != nil {
			return fmt.Errorf("link %d: incompatible buffers: %w", l.ID, err)
		}
		if err := l.Output.UseBuffers(bufs); err != nil {
			return err
		}
	} else if err := l.Input.UseBuffers(bufs); err != nil {
		return err
	}

	l.mu.Lock()
	l.buffers = bufs
	l.mu.Unlock()
	return nil
}

func defaultBufferSize(f wire.Format) uint32 {
	if f.MediaType == wire.MediaTypeVideo && f.Width > 0 && f.Height > 0 {
		return f.Width * f.Height * 4
	}
	return 4096
}

// Deactivate moves a RUNNING/PAUSED link back to PAUSED (spec §4.5 step
// 5: "entering RUNNING re-emits state_changed"; deactivation is its
// inverse, driven by the owning Node entering IDLE).
func (l *Link) Deactivate() error {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state != StateRunning {
		return nil
	}
	if err := l.Output.MoveTo(port.StatePaused); err != nil {
		return err
	}
	if err := l.Input.MoveTo(port.StatePaused); err != nil {
		return err
	}
	l.setState(StatePaused, "")
	return nil
}

// Start moves a PAUSED link to RUNNING, driven by the owning Node
// entering RUNNING, and advances both ports to STREAMING.
func (l *Link) Start() error {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state == StateRunning {
		return nil
	}
	if state != StatePaused {
		return fmt.Errorf("link %d: cannot start from %s", l.ID, state)
	}
	if err := l.Output.MoveTo(port.StateStreaming); err != nil {
		return err
	}
	if err := l.Input.MoveTo(port.StateStreaming); err != nil {
		return err
	}
	l.setState(StateRunning, "")
	return nil
}

// Unlink notifies the surviving side that its peer is gone (e.g. the
// peer's port was destroyed) and moves the link to UNLINKED, so an
// auto-link policy can attempt re-pairing (spec §4.5).
func (l *Link) Unlink(destroyed *port.Port) {
	l.mu.Lock()
	var surviving *port.Port
	if destroyed == l.Output {
		surviving = l.Input
	} else {
		surviving = l.Output
	}
	listeners := append([]Listeners(nil), l.listeners...)
	l.mu.Unlock()

	l.setState(StateUnlinked, "")
	for _, ls := range listeners {
		if ls.PortUnlinked != nil {
			ls.PortUnlinked(l, surviving)
		}
	}
}

// Format returns the negotiated format, if any.
func (l *Link) Format() (wire.Format, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == nil {
		return wire.Format{}, false
	}
	return *l.format, true
}
