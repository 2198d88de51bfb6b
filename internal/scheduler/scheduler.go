// Package scheduler implements the Graph Scheduler of spec §4.6
// (component C6): a topological pull/push drive over the active-link
// graph, with registration-order tie-breaking and cycle rejection at
// link time.
//
// Grounded on src/pipewire/node.c's node_need_input/node_have_output
// (spa_graph_scheduler_pull/push then iterate until no more work) for
// the pull/push/iterate shape. Cycle rejection is this expansion's own
// addition per spec §9's explicit "Link cycle prevention" redesign flag
// — the original does not check this; this reimplementation must.
package scheduler

import "fmt"

// Processor is the subset of Node behavior the scheduler drives.
type Processor interface {
	ProcessInput() error
	ProcessOutput() error
}

// nodeEntry tracks one registered node and its graph edges.
type nodeEntry struct {
	id    uint32
	order int // registration order, for tie-breaking
	proc  Processor
	// downstream/upstream are node ids reachable via an active link
	// where this node is respectively the producer/consumer side.
	downstream []uint32
	upstream   []uint32
}

// Scheduler orders and drives Node processing over the active-link
// graph (spec §4.6). It runs on the data thread.
type Scheduler struct {
	nodes    map[uint32]*nodeEntry
	order    []uint32 // registration order
	nextOrdinal int
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{nodes: make(map[uint32]*nodeEntry)}
}

// AddNode registers a node for scheduling, in registration order.
func (s *Scheduler) AddNode(id uint32, proc Processor) {
	if _, exists := s.nodes[id]; exists {
		return
	}
	s.nodes[id] = &nodeEntry{id: id, order: s.nextOrdinal, proc: proc}
	s.nextOrdinal++
	s.order = append(s.order, id)
}

// RemoveNode deregisters a node and every edge referencing it.
func (s *Scheduler) RemoveNode(id uint32) {
	delete(s.nodes, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for _, n := range s.nodes {
		n.downstream = removeID(n.downstream, id)
		n.upstream = removeID(n.upstream, id)
	}
}

func removeID(ids []uint32, target uint32) []uint32 {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// WouldCycle reports whether adding an edge from producer to consumer
// would introduce a cycle: true if consumer can already reach producer
// via existing downstream edges. The auto-linker must refuse a link
// that would introduce a cycle (spec §4.6).
func (s *Scheduler) WouldCycle(producerID, consumerID uint32) bool {
	if producerID == consumerID {
		return true
	}
	visited := map[uint32]bool{}
	var walk func(id uint32) bool
	walk = func(id uint32) bool {
		if id == producerID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		n, ok := s.nodes[id]
		if !ok {
			return false
		}
		for _, next := range n.downstream {
			if walk(next) {
				return true
			}
		}
		return false
	}
	return walk(consumerID)
}

// AddEdge records an active link's producer->consumer edge. Returns an
// error if it would introduce a cycle.
func (s *Scheduler) AddEdge(producerID, consumerID uint32) error {
	if s.WouldCycle(producerID, consumerID) {
		return fmt.Errorf("scheduler: link %d -> %d would introduce a cycle", producerID, consumerID)
	}
	if p, ok := s.nodes[producerID]; ok {
		p.downstream = append(p.downstream, consumerID)
	}
	if c, ok := s.nodes[consumerID]; ok {
		c.upstream = append(c.upstream, producerID)
	}
	return nil
}

// RemoveEdge removes a previously added edge.
func (s *Scheduler) RemoveEdge(producerID, consumerID uint32) {
	if p, ok := s.nodes[producerID]; ok {
		p.downstream = removeID(p.downstream, consumerID)
	}
	if c, ok := s.nodes[consumerID]; ok {
		c.upstream = removeID(c.upstream, producerID)
	}
}

// orderedIDs returns ids sorted by registration order (ties broken by
// registration order, per spec §4.6 "Ordering").
func (s *Scheduler) orderedIDs(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && s.nodes[out[j-1]].order > s.nodes[out[j]].order; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Pull walks upstream from consumerID in topological order, invoking
// ProcessOutput then ProcessInput on each visited node, until the
// consumer itself has been fed (spec §4.6 "pull from need-input").
func (s *Scheduler) Pull(consumerID uint32) error {
	visited := map[uint32]bool{}
	var walk func(id uint32) error
	walk = func(id uint32) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		n, ok := s.nodes[id]
		if !ok {
			return nil
		}
		for _, up := range s.orderedIDs(n.upstream) {
			if err := walk(up); err != nil {
				return err
			}
		}
		if err := n.proc.ProcessOutput(); err != nil {
			return err
		}
		return n.proc.ProcessInput()
	}
	return walk(consumerID)
}

// Push walks downstream from producerID in topological order, invoking
// the same pair on each visited node (spec §4.6 "push from
// have-output").
func (s *Scheduler) Push(producerID uint32) error {
	visited := map[uint32]bool{}
	var walk func(id uint32) error
	walk = func(id uint32) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		n, ok := s.nodes[id]
		if !ok {
			return nil
		}
		if err := n.proc.ProcessOutput(); err != nil {
			return err
		}
		if err := n.proc.ProcessInput(); err != nil {
			return err
		}
		for _, down := range s.orderedIDs(n.downstream) {
			if err := walk(down); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(producerID)
}
