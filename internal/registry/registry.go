// Package registry implements the Core Registry of spec §4.9
// (component C9): the authoritative Global table mapping monotonic ids
// to objects, global_added/global_removed broadcast, and FindPort
// best-match lookup for the auto-link policy.
//
// Grounded on internal/ctrl/control.go's Controller: a single owner
// type holding a handle-indexed table and broadcasting lifecycle
// events to subscribers, here rewritten from device-ioctl plumbing
// into an in-process object directory (the original's monotonic
// DevID assignment is the same idea applied to global ids).
package registry

import (
	"sync"

	"github.com/Happy-Ferret/pwcore/internal/wire"
)

// Kind classifies what a Global refers to.
type Kind int

const (
	KindNode Kind = iota
	KindPort
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindPort:
		return "port"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// PortProps describes enough about a registered port for FindPort to
// match it without the registry importing internal/port (which would
// create a cycle through internal/node).
type PortProps struct {
	NodeID    uint32
	PortID    uint32
	Direction wire.Direction
	MediaType wire.MediaType
	Saturated bool // true when the port already has the max links a driver allows
}

// Global is one entry in the registry's object table.
type Global struct {
	ID    uint32
	Kind  Kind
	Props any // *PortProps for KindPort; whatever the caller passed to Add otherwise
}

// Listeners are the optional subscriber hooks invoked on table changes.
type Listeners struct {
	GlobalAdded   func(g Global)
	GlobalRemoved func(g Global)
}

// Registry is the process-wide object directory (spec §4.9).
type Registry struct {
	mu        sync.Mutex
	nextID    uint32
	globals   map[uint32]Global
	listeners []Listeners
}

// New creates an empty Registry. Ids start at 1; 0 is reserved to mean
// "no object" in wire-level references.
func New() *Registry {
	return &Registry{nextID: 1, globals: make(map[uint32]Global)}
}

// AddListener registers a subscriber for global_added/global_removed.
func (r *Registry) AddListener(l Listeners) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Add assigns the next monotonic id to kind/props and broadcasts
// global_added. The assigned id is returned.
func (r *Registry) Add(kind Kind, props any) uint32 {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	g := Global{ID: id, Kind: kind, Props: props}
	r.globals[id] = g
	listeners := append([]Listeners(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		if l.GlobalAdded != nil {
			l.GlobalAdded(g)
		}
	}
	return id
}

// Update replaces the stored props for an existing global (e.g. a
// port's Saturated flag flipping after a link attaches). It does not
// rebroadcast global_added.
func (r *Registry) Update(id uint32, props any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.globals[id]
	if !ok {
		return
	}
	g.Props = props
	r.globals[id] = g
}

// Remove deletes a global by id and broadcasts global_removed. It is a
// no-op if id is unknown.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	g, ok := r.globals[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.globals, id)
	listeners := append([]Listeners(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		if l.GlobalRemoved != nil {
			l.GlobalRemoved(g)
		}
	}
}

// Get returns the global for id, if present.
func (r *Registry) Get(id uint32) (Global, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.globals[id]
	return g, ok
}

// Ports returns a snapshot of every registered KindPort global, in id
// order, for use by FindPort and by the auto-link catch-up sweep (spec
// §9 supplemented feature: catch-up for nodes already past CREATING).
func (r *Registry) Ports() []Global {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Global, 0, len(r.globals))
	for id := uint32(1); id < r.nextID; id++ {
		if g, ok := r.globals[id]; ok && g.Kind == KindPort {
			out = append(out, g)
		}
	}
	return out
}

// FindPort returns the lowest-id registered port matching dir/media
// that is not saturated and does not belong to excludeNodeID (a node
// never auto-links to its own port). When pathNodeID is non-zero only
// that node's ports are considered, with no fallback to other nodes
// (spec §4.9 "FindPort ... honoring path_id").
func (r *Registry) FindPort(dir wire.Direction, media wire.MediaType, excludeNodeID, pathNodeID uint32) (PortProps, bool) {
	candidates := r.Ports()

	match := func(restrictToPath bool) (PortProps, bool) {
		for _, g := range candidates {
			pp, ok := g.Props.(*PortProps)
			if !ok || pp == nil {
				continue
			}
			if pp.NodeID == excludeNodeID {
				continue
			}
			if pp.Direction != dir || pp.MediaType != media || pp.Saturated {
				continue
			}
			if restrictToPath && pp.NodeID != pathNodeID {
				continue
			}
			return *pp, true
		}
		return PortProps{}, false
	}

	if pathNodeID != 0 {
		if pp, ok := match(true); ok {
			return pp, true
		}
		return PortProps{}, false
	}
	return match(false)
}
