package pwcore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Happy-Ferret/pwcore/internal/autolink"
	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/link"
	"github.com/Happy-Ferret/pwcore/internal/logging"
	"github.com/Happy-Ferret/pwcore/internal/loop"
	"github.com/Happy-Ferret/pwcore/internal/node"
	"github.com/Happy-Ferret/pwcore/internal/port"
	"github.com/Happy-Ferret/pwcore/internal/registry"
	"github.com/Happy-Ferret/pwcore/internal/scheduler"
	"github.com/Happy-Ferret/pwcore/internal/wire"
	"github.com/Happy-Ferret/pwcore/internal/workqueue"
)

// CoreParams configures NewCore. The zero value plus DefaultCoreParams
// gives a usable Core, mirroring the teacher's DeviceParams/DefaultParams
// pair.
type CoreParams struct {
	// Logger receives Debug/Info/Warn/Error lines tagged per component.
	// Defaults to logging.Default() if nil.
	Logger *logging.Logger

	// Observer receives metrics callbacks. Defaults to a
	// MetricsObserver wrapping Core.Metrics() if nil.
	Observer Observer
}

// DefaultCoreParams returns sane defaults for NewCore.
func DefaultCoreParams() CoreParams {
	return CoreParams{}
}

type portKey struct {
	nodeID, portID uint32
}

// Core is the control-plane object: the Global Registry, the AutoLink
// Policy, the per-object WorkQueue, and the control-plane Loop that
// drives them. Analogous to the teacher's top-level Device.
type Core struct {
	mu sync.Mutex

	logger   *logging.Logger
	metrics  *Metrics
	observer Observer

	controlLoop *loop.Loop
	reg         *registry.Registry
	wq          *workqueue.WorkQueue
	autolink    *autolink.Policy
	runner      *DataRunner

	nextNodeID atomic.Uint32
	nextLinkID atomic.Uint32

	nodes     map[uint32]*node.Node
	links     map[uint32]*link.Link
	ports     map[portKey]*port.Port
	nodeProps map[uint32]autolink.Props

	nodeGlobalID map[uint32]uint32
	portGlobalID map[portKey]uint32
	linkGlobalID map[uint32]uint32

	controlCancel context.CancelFunc
	controlDone   chan struct{}
}

// nodeGlobalProps is the registry.Global payload for a KindNode entry.
type nodeGlobalProps struct {
	ID   uint32
	Name string
}

// linkGlobalProps is the registry.Global payload for a KindLink entry.
type linkGlobalProps struct {
	ID           uint32
	OutputNodeID uint32
	InputNodeID  uint32
}

// NewCore creates a Core and its companion DataRunner, wired together
// but not yet started (spec §6: "Persistent state. None." — nothing here
// touches the filesystem or the network, only in-process state).
func NewCore(params CoreParams) (*Core, error) {
	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("core")

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	controlLoop, err := loop.New(logger.With("loop.control"))
	if err != nil {
		return nil, fmt.Errorf("core: create control loop: %w", err)
	}

	dataLoop, err := loop.New(logger.With("loop.data"))
	if err != nil {
		controlLoop.Close()
		return nil, fmt.Errorf("core: create data loop: %w", err)
	}

	c := &Core{
		logger:       logger,
		metrics:      metrics,
		observer:     observer,
		controlLoop:  controlLoop,
		reg:          registry.New(),
		wq:           workqueue.New(),
		nodes:        make(map[uint32]*node.Node),
		links:        make(map[uint32]*link.Link),
		ports:        make(map[portKey]*port.Port),
		nodeProps:    make(map[uint32]autolink.Props),
		nodeGlobalID: make(map[uint32]uint32),
		portGlobalID: make(map[portKey]uint32),
		linkGlobalID: make(map[uint32]uint32),
	}
	c.runner = &DataRunner{
		logger:    logger.With("runner"),
		dataLoop:  dataLoop,
		scheduler: scheduler.New(),
		observer:  observer,
	}
	c.autolink = autolink.New(logger.With("autolink"), c.reg, c.lookupPort, c.lookupNodeProps, c.makeLink)

	return c, nil
}

// Registry exposes the Core Registry (C9) for external subscribers.
func (c *Core) Registry() *registry.Registry { return c.reg }

// WorkQueue exposes the per-object completion WorkQueue (C7).
func (c *Core) WorkQueue() *workqueue.WorkQueue { return c.wq }

// Runner returns the companion data-plane DataRunner.
func (c *Core) Runner() *DataRunner { return c.runner }

// Metrics returns the Core's metrics instance.
func (c *Core) Metrics() *Metrics { return c.metrics }

// MetricsSnapshot returns a point-in-time metrics snapshot.
func (c *Core) MetricsSnapshot() MetricsSnapshot { return c.metrics.Snapshot() }

// Start launches the control-plane Loop on its own goroutine, iterating
// until ctx is cancelled or Stop is called. Mirrors the teacher's
// Runner.Start launching Runner.ioLoop on a goroutine and reporting
// start-up errors over a channel.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.controlCancel != nil {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.controlCancel = cancel
	c.controlDone = make(chan struct{})
	c.mu.Unlock()

	go c.runControlLoop(loopCtx)
	return nil
}

func (c *Core) runControlLoop(ctx context.Context) {
	defer close(c.controlDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.controlLoop.Iterate(DefaultIterateTimeout); err != nil {
			c.logger.Warn("control loop iterate", "err", err)
			return
		}
		c.observer.ObserveIteration()
	}
}

// Stop cancels the control-plane loop and the data-plane runner, and
// marks metrics stopped. Mirrors StopAndDelete's cancel-then-wait
// shutdown shape.
func (c *Core) Stop() error {
	c.mu.Lock()
	cancel := c.controlCancel
	done := c.controlDone
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if c.runner != nil {
		c.runner.Stop()
	}
	c.metrics.Stop()
	return c.controlLoop.Close()
}

// AddNode creates a Node bound to driver, registers it in the Global
// Registry, subscribes it to the data-plane Scheduler, and completes its
// CREATING→SUSPENDED transition. Analogous to the teacher creating one
// queue.Runner per queue inside CreateAndServe, but per-Node instead of
// per-queue.
func (c *Core) AddNode(name string, driver iface.NodeImpl) (*node.Node, error) {
	id := c.nextNodeID.Add(1)
	n := node.New(id, name, driver, c.runner.dataLoop, c.resolveLink)

	n.AddListener(node.Listeners{
		PortAdded:     func(p *port.Port) { c.onPortAdded(n, p) },
		PortRemoved:   func(p *port.Port) { c.onPortRemoved(n, p) },
		StateChanged:  func(old, new_ node.State, errMsg string) { c.onNodeStateChanged(n, old, new_, errMsg) },
		AsyncComplete: func(seq uint64, res error) { c.wq.Complete(n, seq, res) },
		ClockUpdate:   func(cu node.ClockUpdate) { c.onClockUpdate(n, cu) },
	})

	c.mu.Lock()
	c.nodes[id] = n
	gid := c.reg.Add(registry.KindNode, &nodeGlobalProps{ID: id, Name: name})
	c.nodeGlobalID[id] = gid
	c.mu.Unlock()

	c.runner.scheduler.AddNode(id, n)
	n.Register()
	return n, nil
}

// RemoveNode deactivates and drops a Node's links, unregisters its ports
// and the node itself from the Registry, and removes it from the
// data-plane Scheduler.
func (c *Core) RemoveNode(id uint32) error {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return NewNodeError("RemoveNode", id, CodeInvalidArguments, "unknown node")
	}
	delete(c.nodes, id)
	gid, hasGid := c.nodeGlobalID[id]
	delete(c.nodeGlobalID, id)
	c.mu.Unlock()

	c.runner.scheduler.RemoveNode(id)
	c.wq.Cancel(n, NewNodeError("RemoveNode", id, CodeCancelled, "node removed"))
	if hasGid {
		c.reg.Remove(gid)
	}

	for _, dir := range []wire.Direction{wire.DirectionInput, wire.DirectionOutput} {
		for _, p := range n.Ports(dir) {
			c.onPortRemoved(n, p)
			for _, lid := range p.LinkIDs() {
				c.mu.Lock()
				l, ok := c.links[lid]
				c.mu.Unlock()
				if ok {
					l.Unlink(p)
				}
			}
		}
	}
	return nil
}

// SetNodeProps sets the autolink-relevant properties (target node,
// autoconnect flag) for a node, mirroring PipeWire's
// pipewire.target.node/pipewire.autoconnect property pair.
func (c *Core) SetNodeProps(nodeID uint32, targetNodeID uint32, autoconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeProps[nodeID] = autolink.Props{TargetNodeID: targetNodeID, Autoconnect: autoconnect}
}

// CatchUpAutoLink sweeps all currently-registered ports through the
// AutoLink Policy, for a policy attached after nodes already exist
// (spec §9 supplemented feature #7).
func (c *Core) CatchUpAutoLink() { c.autolink.CatchUp() }

// Link explicitly links an output port to an input port, bypassing
// AutoLink. Both ports must already be registered via AddNode's
// PortAdded routing.
func (c *Core) Link(outNodeID, outPortID, inNodeID, inPortID uint32) (*link.Link, error) {
	out, ok := c.lookupPort(outNodeID, outPortID)
	if !ok {
		return nil, NewPortError("Link", outNodeID, int32(outPortID), CodeInvalidPort, "unknown output port")
	}
	in, ok := c.lookupPort(inNodeID, inPortID)
	if !ok {
		return nil, NewPortError("Link", inNodeID, int32(inPortID), CodeInvalidPort, "unknown input port")
	}
	return c.makeLink(out, in)
}

func (c *Core) onPortAdded(n *node.Node, p *port.Port) {
	key := portKey{nodeID: n.ID, portID: p.ID}

	// The port must be reachable via lookupPort before Add, since Add's
	// global_added broadcast synchronously reaches the AutoLink Policy,
	// which looks the triggering port back up by (nodeID, portID).
	c.mu.Lock()
	c.ports[key] = p
	c.mu.Unlock()

	format, _ := p.Format()
	media := format.MediaType
	if media == "" {
		media = wire.MediaTypeAudio
	}
	gid := c.reg.Add(registry.KindPort, &registry.PortProps{
		NodeID:    n.ID,
		PortID:    p.ID,
		Direction: p.Direction,
		MediaType: media,
	})

	c.mu.Lock()
	c.portGlobalID[key] = gid
	c.mu.Unlock()
}

func (c *Core) onPortRemoved(n *node.Node, p *port.Port) {
	key := portKey{nodeID: n.ID, portID: p.ID}

	c.mu.Lock()
	delete(c.ports, key)
	gid, ok := c.portGlobalID[key]
	delete(c.portGlobalID, key)
	c.mu.Unlock()

	if ok {
		c.reg.Remove(gid)
	}
}

// onClockUpdate receives the clock-update packet a node with an attached
// clock sends on entering RUNNING and on RequestClockUpdate (spec §4.4,
// §9 supplemented feature #4). The control plane's own subscriber: real
// delivery, not just construction.
func (c *Core) onClockUpdate(n *node.Node, cu node.ClockUpdate) {
	c.logger.Debug("clock update", "node", n.ID,
		"rate_num", cu.RateNum, "rate_denom", cu.RateDenom, "ticks", cu.Ticks, "mono_ns", cu.MonotonicNs)
}

func (c *Core) onNodeStateChanged(n *node.Node, old, new_ node.State, errMsg string) {
	c.observer.ObserveNodeStateChange(new_ == node.StateError)
	if new_ == node.StateError {
		c.logger.Warn("node entered ERROR", "node", n.ID, "msg", errMsg)
	} else {
		c.logger.Debug("node state changed", "node", n.ID, "old", old.String(), "new", new_.String())
	}
}

// SendNodeCommand issues cmd to the node's driver and registers cb to
// run when the matching AsyncComplete arrives, via the WorkQueue so
// completions for the same node are delivered in submission order even
// if the driver raises them out of order (spec §4.2).
func (c *Core) SendNodeCommand(nodeID uint32, cmd iface.Command, cb workqueue.Callback, user any) (uint64, error) {
	c.mu.Lock()
	n, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return 0, NewNodeError("SendNodeCommand", nodeID, CodeInvalidArguments, "unknown node")
	}

	seq, err := n.SendCommand(cmd)
	if err != nil {
		return 0, WrapError("SendNodeCommand", err)
	}
	c.wq.Add(n, seq, cb, user)
	return seq, nil
}

func (c *Core) lookupPort(nodeID, portID uint32) (*port.Port, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[portKey{nodeID: nodeID, portID: portID}]
	return p, ok
}

func (c *Core) lookupNodeProps(nodeID uint32) autolink.Props {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeProps[nodeID]
}

func (c *Core) resolveLink(linkID uint32) (node.LinkHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[linkID]
	if !ok {
		return nil, false
	}
	return l, true
}

// setPortSaturated flips a registered port's Saturated flag, so a later
// FindPort call skips ports already at their link capacity. Mirrors the
// bookkeeping module-autolink.c leaves to the port's own link count;
// here the Registry is the single source of truth FindPort reads.
func (c *Core) setPortSaturated(nodeID, portID uint32, saturated bool) {
	c.mu.Lock()
	gid, ok := c.portGlobalID[portKey{nodeID: nodeID, portID: portID}]
	c.mu.Unlock()
	if !ok {
		return
	}
	g, ok := c.reg.Get(gid)
	if !ok {
		return
	}
	pp, ok := g.Props.(*registry.PortProps)
	if !ok {
		return
	}
	updated := *pp
	updated.Saturated = saturated
	c.reg.Update(gid, &updated)
}

// makeLink builds a Link between out and in, activates it, records it in
// the Registry and the data-plane Scheduler's edge set, and arranges for
// its removal on Unlink. Used both by explicit Link calls and as the
// autolink.LinkFactory.
func (c *Core) makeLink(out, in *port.Port) (*link.Link, error) {
	id := c.nextLinkID.Add(1)
	l := link.New(id, out, in, nil)

	if c.runner.scheduler.WouldCycle(out.NodeID, in.NodeID) {
		c.observer.ObserveLinkFailed()
		return nil, NewLinkError("Link", id, CodeInvalidArguments, "link would introduce a cycle")
	}

	if err := l.Activate(); err != nil {
		c.observer.ObserveLinkFailed()
		return nil, WrapError("Link.Activate", err)
	}
	c.observer.ObserveLinkNegotiated()

	if err := c.runner.scheduler.AddEdge(out.NodeID, in.NodeID); err != nil {
		c.logger.Warn("scheduler edge rejected", "link", id, "err", err)
	}

	gid := c.reg.Add(registry.KindLink, &linkGlobalProps{ID: id, OutputNodeID: out.NodeID, InputNodeID: in.NodeID})

	c.mu.Lock()
	c.links[id] = l
	c.linkGlobalID[id] = gid
	c.mu.Unlock()

	c.setPortSaturated(out.NodeID, out.ID, true)
	c.setPortSaturated(in.NodeID, in.ID, true)

	l.AddListener(link.Listeners{
		PortUnlinked: func(ln *link.Link, surviving *port.Port) {
			c.observer.ObserveLinkUnlinked()
			c.runner.scheduler.RemoveEdge(out.NodeID, in.NodeID)
			c.setPortSaturated(out.NodeID, out.ID, false)
			c.setPortSaturated(in.NodeID, in.ID, false)

			c.mu.Lock()
			delete(c.links, ln.ID)
			lgid, ok := c.linkGlobalID[ln.ID]
			delete(c.linkGlobalID, ln.ID)
			c.mu.Unlock()

			if ok {
				c.reg.Remove(lgid)
			}
		},
	})

	return l, nil
}

// DataRunner is the data-plane counterpart to Core: it owns the second
// Loop (spec.md's "second Loop that drives the Graph Scheduler") and the
// Scheduler itself, and runs Pull/Push on demand from driver-raised
// NeedInput/HaveOutput events. Analogous to the teacher's queue.Runner
// running one io_uring ring per queue.
type DataRunner struct {
	mu sync.Mutex

	logger    *logging.Logger
	dataLoop  *loop.Loop
	scheduler *scheduler.Scheduler
	observer  Observer

	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler exposes the data-plane Graph Scheduler (C6).
func (r *DataRunner) Scheduler() *scheduler.Scheduler { return r.scheduler }

// Start launches the data Loop on its own goroutine, iterating until ctx
// is cancelled or Stop is called.
func (r *DataRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(loopCtx)
	return nil
}

func (r *DataRunner) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := r.dataLoop.Iterate(DefaultIterateTimeout); err != nil {
			r.logger.Warn("data loop iterate", "err", err)
			return
		}
		r.observer.ObserveIteration()
	}
}

// Pull drives the Graph Scheduler's pull algorithm for consumerID
// (spec §4.6), recording latency in the Core's metrics via Observer.
func (r *DataRunner) Pull(consumerID uint32) error {
	start := time.Now()
	err := r.scheduler.Pull(consumerID)
	r.observer.ObservePull(uint64(time.Since(start).Nanoseconds()))
	return err
}

// Push drives the Graph Scheduler's push algorithm for producerID
// (spec §4.6).
func (r *DataRunner) Push(producerID uint32) error {
	start := time.Now()
	err := r.scheduler.Push(producerID)
	r.observer.ObservePush(uint64(time.Since(start).Nanoseconds()))
	return err
}

// Stop cancels the data loop goroutine and waits for it to exit.
func (r *DataRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return r.dataLoop.Close()
}
