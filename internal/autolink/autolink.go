// Package autolink implements the AutoLink Policy of spec §4.8
// (component C8): subscribes to registry global_added (global_removed is
// not observed), finds a matching peer port for each newly added port
// that opts into autoconnect, and links them; re-links the surviving side
// when a link reports port_unlinked.
//
// Grounded almost line-for-line on module-autolink.c's try_link_port
// (properties-gated autoconnect, pw_core_find_port, direction swap so
// link_new always receives (output, input), re-link on
// link_port_unlinked) and link_state_changed/link_destroy for the
// bookkeeping a node_info entry keeps per managed link.
package autolink

import (
	"sync"

	"github.com/Happy-Ferret/pwcore/internal/link"
	"github.com/Happy-Ferret/pwcore/internal/logging"
	"github.com/Happy-Ferret/pwcore/internal/port"
	"github.com/Happy-Ferret/pwcore/internal/registry"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

// Props is the subset of a node's properties try_link_port consults.
// TargetNodeID == 0 and Autoconnect == false means "do not autolink".
type Props struct {
	TargetNodeID uint32 // "pipewire.target.node"; 0 means unset
	Autoconnect  bool   // "pipewire.autoconnect"
}

// PortLookup resolves a registered port id to the live *port.Port the
// AutoLink policy needs to actually construct a link with (the
// registry only stores PortProps, not the object itself, to avoid an
// import cycle through internal/node).
type PortLookup func(nodeID, portID uint32) (*port.Port, bool)

// LinkFactory constructs and activates a link between an output and
// input port, returning it for bookkeeping.
type LinkFactory func(out, in *port.Port) (*link.Link, error)

// NodePropsLookup resolves a node's autolink-relevant properties.
type NodePropsLookup func(nodeID uint32) Props

// managedLink tracks one link this policy created, mirroring
// module-autolink.c's struct node_info (one entry per port that
// currently has an autolink-managed link).
type managedLink struct {
	portNodeID uint32
	portID     uint32
	lnk        *link.Link
}

// Policy is the AutoLink Policy: it watches a Registry and needs only
// port/props lookups plus a LinkFactory, not the Scheduler; the owning
// Core's LinkFactory adds the scheduler edge for each link it builds.
type Policy struct {
	logger *logging.Logger

	reg         *registry.Registry
	lookupPort  PortLookup
	nodeProps   NodePropsLookup
	makeLink    LinkFactory

	mu      sync.Mutex
	managed []*managedLink
}

// New creates an AutoLink Policy and subscribes it to reg.
func New(logger *logging.Logger, reg *registry.Registry, lookupPort PortLookup, nodeProps NodePropsLookup, makeLink LinkFactory) *Policy {
	if logger == nil {
		logger = logging.Default()
	}
	p := &Policy{logger: logger, reg: reg, lookupPort: lookupPort, nodeProps: nodeProps, makeLink: makeLink}
	reg.AddListener(registry.Listeners{
		GlobalAdded: p.onGlobalAdded,
	})
	return p
}

// CatchUp sweeps every port already in the registry and attempts to
// link the ones that opt into autoconnect — the supplemented "catch-up
// for nodes already past CREATING" feature the distilled spec dropped
// but the original's module load order does not need (modules load
// before any node exists); a policy that can be attached to a running
// graph does.
func (p *Policy) CatchUp() {
	for _, g := range p.reg.Ports() {
		p.onGlobalAdded(g)
	}
}

func (p *Policy) onGlobalAdded(g registry.Global) {
	if g.Kind != registry.KindPort {
		return
	}
	pp, ok := g.Props.(*registry.PortProps)
	if !ok || pp == nil {
		return
	}
	p.tryLinkPort(pp.NodeID, pp.PortID)
}

// tryLinkPort mirrors try_link_port: check properties, find_port,
// orient (output, input), create+activate the link, record it for
// re-link on unlink.
func (p *Policy) tryLinkPort(nodeID, portID uint32) {
	props := p.nodeProps(nodeID)
	var pathID uint32
	if props.TargetNodeID != 0 {
		pathID = props.TargetNodeID
	} else if !props.Autoconnect {
		p.logger.Debug("autolink: node does not need autoconnect", "node", nodeID)
		return
	}

	srcPort, ok := p.lookupPort(nodeID, portID)
	if !ok {
		return
	}

	media := wire.MediaTypeAudio
	if f, ok := srcPort.Format(); ok {
		media = f.MediaType
	}
	wantDir := srcPort.Direction.Opposite()

	targetProps, ok := p.reg.FindPort(wantDir, media, nodeID, pathID)
	if !ok {
		p.logger.Debug("autolink: no matching port found", "node", nodeID, "port", portID)
		return
	}
	targetPort, ok := p.lookupPort(targetProps.NodeID, targetProps.PortID)
	if !ok {
		return
	}

	out, in := srcPort, targetPort
	if srcPort.Direction == wire.DirectionInput {
		out, in = targetPort, srcPort
	}

	lnk, err := p.makeLink(out, in)
	if err != nil {
		p.logger.Error("autolink: can't link node", "node", nodeID, "error", err)
		return
	}

	entry := &managedLink{portNodeID: nodeID, portID: portID, lnk: lnk}
	lnk.AddListener(link.Listeners{
		PortUnlinked: func(_ *link.Link, surviving *port.Port) {
			p.onPortUnlinked(entry, surviving)
		},
	})

	p.mu.Lock()
	p.managed = append(p.managed, entry)
	p.mu.Unlock()
}

// onPortUnlinked mirrors link_port_unlinked: when the output side of a
// managed link is unlinked, retry linking the surviving input port.
func (p *Policy) onPortUnlinked(entry *managedLink, surviving *port.Port) {
	p.mu.Lock()
	for i, m := range p.managed {
		if m == entry {
			p.managed = append(p.managed[:i], p.managed[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if surviving.Direction == wire.DirectionInput {
		p.tryLinkPort(surviving.NodeID, surviving.ID)
	}
}
