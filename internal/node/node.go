// Package node implements the Node lifecycle and state machine of
// spec §4.4 (component C4): CREATING→SUSPENDED→IDLE→RUNNING, plus ERROR
// reachable from any state, driver ABI dispatch via loop.Invoke, and
// clock-update packet construction.
//
// Grounded on src/pipewire/node.c almost file-for-file: pause_node/
// start_node/suspend_node, pw_node_set_state's state_request-then-work
// ordering, pw_node_update_state's state_changed→info_changed→
// per-listener info delivery ordering, pw_node_get_free_port's
// unlinked-port-first/mix-port-fallback/allocate-if-under-max algorithm,
// and send_clock_update's change-mask packet.
package node

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/loop"
	"github.com/Happy-Ferret/pwcore/internal/port"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

// State is a Node's position in its lifecycle (spec §4.4).
type State int

const (
	StateCreating State = iota
	StateSuspended
	StateIdle
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "CREATING"
	case StateSuspended:
		return "SUSPENDED"
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned by SetState for a transition not in
// the §4.4 table.
var ErrInvalidTransition = errors.New("node: invalid state transition")

// ErrNotImplemented is returned by SendCommand for any command other
// than Pause/Start.
var ErrNotImplemented = errors.New("node: command not implemented")

// Clock-update change-mask bits (spec §4.4).
const (
	ClockChangeTime = 1 << iota
	ClockChangeScale
	ClockChangeState
	ClockChangeLatency
)

// ClockFlagLive marks a clock-update packet as coming from a live clock.
const ClockFlagLive uint32 = 1 << 0

// ClockUpdate is the packet a Node with a clock sends on activation and
// on RequestClockUpdate (spec §4.4, and §9 supplemented feature #4).
type ClockUpdate struct {
	ChangeMask  uint32
	RateNum     uint32
	RateDenom   uint32
	Ticks       uint64
	MonotonicNs int64
	Offset      int64
	Scale       float64
	ClockState  int
	Flags       uint32
	LatencyNs   int64
}

// Info is a point-in-time, defensive-copy snapshot of Node state
// delivered to listeners (spec §9 supplemented feature #5: a listener
// mutating its local copy cannot corrupt the node's canonical info).
type Info struct {
	State          State
	Error          string
	Props          map[string]string
	NInputPorts    uint32
	MaxInputPorts  uint32
	NOutputPorts   uint32
	MaxOutputPorts uint32
}

// Listeners is the set of optional subscriber hooks a caller installs
// with AddListener, mirroring the event list in spec §6. Any field left
// nil is simply not invoked, avoiding an interface every subscriber must
// fully implement.
type Listeners struct {
	AsyncComplete func(seq uint64, res error)
	Event         func(ev iface.Event)
	NeedInput     func()
	HaveOutput    func()
	StateRequest  func(new State)
	StateChanged  func(old, new State, errMsg string)
	InfoChanged   func(info Info)
	PortAdded     func(p *port.Port)
	PortRemoved   func(p *port.Port)
	Initialized   func()
	Destroy       func()
	Free          func()
	ClockUpdate   func(cu ClockUpdate)
}

// LinkHandle is the subset of Link behavior a Node needs to
// activate/start/deactivate the links attached to its ports without
// importing the link package (which itself imports port, not node).
type LinkHandle interface {
	Activate() error
	Start() error
	Deactivate() error
}

// LinkResolver looks up the LinkHandle for a link id previously recorded
// on one of the node's ports.
type LinkResolver func(linkID uint32) (LinkHandle, bool)

// Node is a stateful unit of computation with input/output ports and a
// driver implementation.
type Node struct {
	mu sync.Mutex

	ID   uint32
	Name string

	state  State
	errMsg string
	props  map[string]string

	maxInputPorts  uint32
	maxOutputPorts uint32
	inputPorts     []*port.Port
	outputPorts    []*port.Port
	portsByID      map[wire.Direction]map[uint32]*port.Port

	driver       iface.NodeImpl
	clock        iface.Clock
	dataLoop     *loop.Loop
	resolveLink  LinkResolver
	listeners    []Listeners
	seq          atomic.Uint64
	nextPortID   map[wire.Direction]uint32
}

// New creates a Node in CREATING state, bound to driver.
func New(id uint32, name string, driver iface.NodeImpl, dataLoop *loop.Loop, resolveLink LinkResolver) *Node {
	n := &Node{
		ID:          id,
		Name:        name,
		state:       StateCreating,
		props:       make(map[string]string),
		portsByID:   map[wire.Direction]map[uint32]*port.Port{wire.DirectionInput: {}, wire.DirectionOutput: {}},
		nextPortID:  map[wire.Direction]uint32{wire.DirectionInput: 0, wire.DirectionOutput: 0},
		driver:      driver,
		dataLoop:    dataLoop,
		resolveLink: resolveLink,
	}
	_, maxIn, _, maxOut := driver.GetPortCounts()
	n.maxInputPorts = maxIn
	n.maxOutputPorts = maxOut
	driver.SetEventCallback(n)
	return n
}

// SetClock attaches the clock a RUNNING node fills its update packets
// from.
func (n *Node) SetClock(c iface.Clock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clock = c
}

// AddListener registers a subscriber.
func (n *Node) AddListener(l Listeners) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Info returns a defensive-copy snapshot of the node's info.
func (n *Node) Info() Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	props := make(map[string]string, len(n.props))
	for k, v := range n.props {
		props[k] = v
	}
	return Info{
		State:          n.state,
		Error:          n.errMsg,
		Props:          props,
		NInputPorts:    uint32(len(n.inputPorts)),
		MaxInputPorts:  n.maxInputPorts,
		NOutputPorts:   uint32(len(n.outputPorts)),
		MaxOutputPorts: n.maxOutputPorts,
	}
}

// GetProps/SetProps expose the typed, round-trip-preserving property
// bag (spec §4.4).
func (n *Node) GetProps() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]string, len(n.props))
	for k, v := range n.props {
		out[k] = v
	}
	return out
}

func (n *Node) SetProps(props map[string]string) error {
	n.mu.Lock()
	for k, v := range props {
		n.props[k] = v
	}
	n.mu.Unlock()
	return n.driver.SetProps(props)
}

// Register completes the node's CREATING→SUSPENDED transition. Spec
// §4.4: "register() completes" is the only event valid from CREATING.
func (n *Node) Register() {
	n.updateState(StateSuspended, "")
	n.mu.Lock()
	listeners := append([]Listeners(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		if l.Initialized != nil {
			l.Initialized()
		}
	}
}

// SendCommand forwards Pause/Start to the data loop via Invoke; any
// other command is rejected with ErrNotImplemented (spec §4.4). The
// returned sequence id lets the caller match the eventual
// AsyncComplete.
func (n *Node) SendCommand(cmd iface.Command) (uint64, error) {
	var target State
	switch cmd {
	case iface.CommandPause:
		target = StateIdle
	case iface.CommandStart:
		target = StateRunning
	default:
		return 0, ErrNotImplemented
	}

	seq := n.seq.Add(1)
	cb := func(payload []byte, user any) error {
		err := n.SetState(target)
		n.mu.Lock()
		listeners := append([]Listeners(nil), n.listeners...)
		n.mu.Unlock()
		for _, l := range listeners {
			if l.AsyncComplete != nil {
				l.AsyncComplete(seq, err)
			}
		}
		return err
	}
	if _, err := n.dataLoop.Invoke(cb, seq, nil, nil); err != nil {
		return 0, err
	}
	return seq, nil
}

// SetState drives the state machine per the §4.4 table. It first emits
// StateRequest to listeners (spec §9 supplemented feature #3), then
// performs the transition's side effects, then calls updateState, the
// sole emitter of StateChanged/InfoChanged.
func (n *Node) SetState(target State) error {
	n.mu.Lock()
	listeners := append([]Listeners(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		if l.StateRequest != nil {
			l.StateRequest(target)
		}
	}

	n.mu.Lock()
	current := n.state
	n.mu.Unlock()

	switch target {
	case StateSuspended:
		n.clearAllFormats()
		n.deactivateAllLinks()
		n.updateState(StateSuspended, "")
		return nil
	case StateIdle:
		if current != StateSuspended && current != StateRunning {
			return fmt.Errorf("node %d: %s -> IDLE: %w", n.ID, current, ErrInvalidTransition)
		}
		if err := n.driver.SendCommand(iface.CommandPause); err != nil {
			n.updateState(StateError, err.Error())
			return err
		}
		n.deactivateAllLinks()
		n.updateState(StateIdle, "")
		return nil
	case StateRunning:
		if current != StateIdle {
			return fmt.Errorf("node %d: %s -> RUNNING: %w", n.ID, current, ErrInvalidTransition)
		}
		if err := n.activateAllLinks(); err != nil {
			n.updateState(StateError, err.Error())
			return err
		}
		if err := n.driver.SendCommand(iface.CommandStart); err != nil {
			n.updateState(StateError, err.Error())
			return err
		}
		n.updateState(StateRunning, "")
		n.sendClockUpdate()
		return nil
	default:
		return fmt.Errorf("node %d: %s -> %s: %w", n.ID, current, target, ErrInvalidTransition)
	}
}

// updateState is the sole mutator of state: it emits state_changed,
// then info_changed, then delivers an Info snapshot to every listener,
// matching the exact ordering in spec §4.4 and §9 supplemented feature
// #5.
func (n *Node) updateState(target State, errMsg string) {
	n.mu.Lock()
	old := n.state
	n.state = target
	n.errMsg = errMsg
	listeners := append([]Listeners(nil), n.listeners...)
	n.mu.Unlock()

	for _, l := range listeners {
		if l.StateChanged != nil {
			l.StateChanged(old, target, errMsg)
		}
	}
	info := n.Info()
	for _, l := range listeners {
		if l.InfoChanged != nil {
			l.InfoChanged(info)
		}
	}
}

func (n *Node) clearAllFormats() {
	n.mu.Lock()
	ports := append(append([]*port.Port(nil), n.inputPorts...), n.outputPorts...)
	n.mu.Unlock()
	for _, p := range ports {
		_ = p.SetFormat(0, nil)
	}
}

func (n *Node) linksOf(ports []*port.Port) []LinkHandle {
	var out []LinkHandle
	if n.resolveLink == nil {
		return out
	}
	for _, p := range ports {
		for _, id := range p.LinkIDs() {
			if h, ok := n.resolveLink(id); ok {
				out = append(out, h)
			}
		}
	}
	return out
}

func (n *Node) deactivateAllLinks() {
	n.mu.Lock()
	ports := append(append([]*port.Port(nil), n.inputPorts...), n.outputPorts...)
	n.mu.Unlock()
	for _, h := range n.linksOf(ports) {
		_ = h.Deactivate()
	}
}

func (n *Node) activateAllLinks() error {
	n.mu.Lock()
	ports := append(append([]*port.Port(nil), n.inputPorts...), n.outputPorts...)
	n.mu.Unlock()
	for _, h := range n.linksOf(ports) {
		if err := h.Activate(); err != nil {
			return err
		}
		if err := h.Start(); err != nil {
			return err
		}
	}
	return nil
}

// sendClockUpdate builds a clock-update packet from the node's attached
// clock and delivers it to every ClockUpdate listener (spec §4.4, §9
// supplemented feature #4). A no-op if no clock is attached.
func (n *Node) sendClockUpdate() {
	n.mu.Lock()
	clock := n.clock
	listeners := append([]Listeners(nil), n.listeners...)
	n.mu.Unlock()
	if clock == nil {
		return
	}
	rateNum, rateDenom, ticks, mono := clock.GetTime()
	cu := ClockUpdate{
		ChangeMask:  ClockChangeTime | ClockChangeScale | ClockChangeState | ClockChangeLatency,
		RateNum:     rateNum,
		RateDenom:   rateDenom,
		Ticks:       ticks,
		MonotonicNs: mono,
		Flags:       ClockFlagLive,
	}
	for _, l := range listeners {
		if l.ClockUpdate != nil {
			l.ClockUpdate(cu)
		}
	}
}

// AddPort adds a port at an explicit id (used by a driver announcing a
// fixed topology).
func (n *Node) AddPort(dir wire.Direction, id uint32, mixInput bool) (*port.Port, error) {
	n.mu.Lock()
	p, listeners, err := n.addPortLocked(dir, id, mixInput)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, l := range listeners {
		if l.PortAdded != nil {
			l.PortAdded(p)
		}
	}
	return p, nil
}

// addPortLocked assumes n.mu is already held by the caller and returns
// the new port plus a snapshot of listeners to notify after unlocking.
func (n *Node) addPortLocked(dir wire.Direction, id uint32, mixInput bool) (*port.Port, []Listeners, error) {
	if err := n.driver.AddPort(dir, id); err != nil {
		return nil, nil, err
	}
	p := port.New(n.ID, id, dir, mixInput, n.driver)
	n.portsByID[dir][id] = p
	if dir == wire.DirectionInput {
		n.inputPorts = append(n.inputPorts, p)
	} else {
		n.outputPorts = append(n.outputPorts, p)
	}
	if id >= n.nextPortID[dir] {
		n.nextPortID[dir] = id + 1
	}
	return p, append([]Listeners(nil), n.listeners...), nil
}

// RemovePort removes a port by direction and id.
func (n *Node) RemovePort(dir wire.Direction, id uint32) error {
	n.mu.Lock()
	p, ok := n.portsByID[dir][id]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("node %d: port %d/%s not found", n.ID, id, dir)
	}
	delete(n.portsByID[dir], id)
	if dir == wire.DirectionInput {
		n.inputPorts = removePort(n.inputPorts, p)
	} else {
		n.outputPorts = removePort(n.outputPorts, p)
	}
	listeners := append([]Listeners(nil), n.listeners...)
	n.mu.Unlock()

	if err := n.driver.RemovePort(dir, id); err != nil {
		return err
	}
	for _, l := range listeners {
		if l.PortRemoved != nil {
			l.PortRemoved(p)
		}
	}
	return nil
}

func removePort(ports []*port.Port, target *port.Port) []*port.Port {
	for i, p := range ports {
		if p == target {
			return append(ports[:i], ports[i+1:]...)
		}
	}
	return ports
}

// GetFreePort implements pw_node_get_free_port's algorithm (spec §9
// supplemented feature #6): prefer an existing unlinked port of dir,
// else fall back to a mix-input port if dir is input, else allocate a
// new port if under max_ports.
func (n *Node) GetFreePort(dir wire.Direction) (*port.Port, error) {
	n.mu.Lock()

	ports := n.outputPorts
	max := n.maxOutputPorts
	if dir == wire.DirectionInput {
		ports = n.inputPorts
		max = n.maxInputPorts
	}

	for _, p := range ports {
		if len(p.LinkIDs()) == 0 {
			n.mu.Unlock()
			return p, nil
		}
	}

	if dir == wire.DirectionInput {
		for _, p := range ports {
			if p.MixInput {
				n.mu.Unlock()
				return p, nil
			}
		}
	}

	if uint32(len(ports)) >= max {
		n.mu.Unlock()
		return nil, fmt.Errorf("node %d: no free %s port available", n.ID, dir)
	}

	id := n.nextPortID[dir]
	p, listeners, err := n.addPortLocked(dir, id, false)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, l := range listeners {
		if l.PortAdded != nil {
			l.PortAdded(p)
		}
	}
	return p, nil
}

// Ports returns the current port list for dir.
func (n *Node) Ports(dir wire.Direction) []*port.Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dir == wire.DirectionInput {
		return append([]*port.Port(nil), n.inputPorts...)
	}
	return append([]*port.Port(nil), n.outputPorts...)
}

// ProcessInput/ProcessOutput are called by the Graph Scheduler (spec
// §4.6) on the data thread.
func (n *Node) ProcessInput() error  { return n.driver.ProcessInput() }
func (n *Node) ProcessOutput() error { return n.driver.ProcessOutput() }

// OnAsyncComplete implements iface.EventSink: the driver raised an async
// completion outside of a SendCommand-issued sequence (e.g. a
// process_input-triggered completion).
func (n *Node) OnAsyncComplete(seq uint64, res error) {
	n.mu.Lock()
	listeners := append([]Listeners(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		if l.AsyncComplete != nil {
			l.AsyncComplete(seq, res)
		}
	}
}

// OnEvent implements iface.EventSink, dispatching need_input/have_output
// to listeners and, per spec §9 supplemented feature #4, resending a
// clock-update packet on RequestClockUpdate outside of the
// activate-time update.
func (n *Node) OnEvent(ev iface.Event) {
	switch ev.Type {
	case iface.EventNeedInput:
		n.mu.Lock()
		listeners := append([]Listeners(nil), n.listeners...)
		n.mu.Unlock()
		for _, l := range listeners {
			if l.NeedInput != nil {
				l.NeedInput()
			}
		}
	case iface.EventHaveOutput:
		n.mu.Lock()
		listeners := append([]Listeners(nil), n.listeners...)
		n.mu.Unlock()
		for _, l := range listeners {
			if l.HaveOutput != nil {
				l.HaveOutput()
			}
		}
	case iface.EventRequestClockUpdate:
		n.sendClockUpdate()
	}

	n.mu.Lock()
	listeners := append([]Listeners(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		if l.Event != nil {
			l.Event(ev)
		}
	}
}
