package mem

import (
	"fmt"
	"sync"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

// Format is the one format both Generator and Sink advertise: 48kHz
// stereo 32-bit float, matching the shape wire.Format negotiates over.
func Format() wire.Format {
	return wire.Format{
		MediaType: wire.MediaTypeAudio,
		Encoding:  "f32le",
		RateNum:   48000,
		RateDenom: 1,
		Channels:  2,
	}
}

// frameSize is the byte size of one negotiated buffer: 1024 stereo f32
// frames.
const frameSize = 1024 * 2 * 4

// bufSlot tracks one allocated buffer id's backing bytes alongside the
// wire.Buffer descriptor handed out for it.
type bufSlot struct {
	desc wire.Buffer
	data []byte
}

// baseDriver holds the bookkeeping common to Generator and Sink: a
// single port, a negotiated format, allocated buffer slots, and the
// installed event sink.
type baseDriver struct {
	mu sync.Mutex

	dir      wire.Direction
	portID   uint32
	hasPort  bool
	format   *wire.Format
	slots    map[uint32]*bufSlot
	nextSlot uint32
	io       *iface.IOSlot

	sink iface.EventSink
	pos  int
}

func (d *baseDriver) GetProps() map[string]string      { return map[string]string{} }
func (d *baseDriver) SetProps(map[string]string) error { return nil }

func (d *baseDriver) SendCommand(cmd iface.Command) error {
	switch cmd {
	case iface.CommandPause, iface.CommandStart:
		return nil
	default:
		return fmt.Errorf("mem: command %d not implemented", cmd)
	}
}

func (d *baseDriver) SetEventCallback(sink iface.EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *baseDriver) GetPortCounts() (nIn, maxIn, nOut, maxOut uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := uint32(0)
	if d.hasPort {
		n = 1
	}
	if d.dir == wire.DirectionInput {
		return n, 1, 0, 0
	}
	return 0, 0, n, 1
}

func (d *baseDriver) GetPortIDs(dir wire.Direction) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dir != d.dir || !d.hasPort {
		return nil
	}
	return []uint32{d.portID}
}

func (d *baseDriver) AddPort(dir wire.Direction, id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dir != d.dir {
		return fmt.Errorf("mem: wrong direction for this driver")
	}
	if d.hasPort {
		return fmt.Errorf("mem: driver only supports one port")
	}
	d.hasPort = true
	d.portID = id
	return nil
}

func (d *baseDriver) RemovePort(dir wire.Direction, id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasPort || dir != d.dir || id != d.portID {
		return fmt.Errorf("mem: port %d/%s not found", id, dir)
	}
	d.hasPort = false
	d.format = nil
	d.slots = nil
	return nil
}

func (d *baseDriver) PortEnumFormats(dir wire.Direction, id uint32, index int, filter *wire.Format) (wire.Format, bool) {
	if index != 0 {
		return wire.Format{}, false
	}
	f := Format()
	if filter != nil && !filter.Equal(f) {
		return wire.Format{}, false
	}
	return f, true
}

func (d *baseDriver) PortSetFormat(dir wire.Direction, id uint32, flags uint32, format *wire.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if format == nil {
		d.format = nil
		d.slots = nil
		return nil
	}
	f := *format
	d.format = &f
	return nil
}

func (d *baseDriver) PortGetFormat(dir wire.Direction, id uint32) (wire.Format, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.format == nil {
		return wire.Format{}, false
	}
	return *d.format, true
}

func (d *baseDriver) PortGetInfo(dir wire.Direction, id uint32) (iface.PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return iface.PortInfo{Direction: dir, ID: id, HasFormat: d.format != nil, NBuffers: uint32(len(d.slots))}, nil
}

func (d *baseDriver) PortUseBuffers(dir wire.Direction, id uint32, buffers []wire.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = make(map[uint32]*bufSlot, len(buffers))
	for _, b := range buffers {
		d.slots[b.ID] = &bufSlot{desc: b, data: make([]byte, frameSize)}
	}
	return nil
}

func (d *baseDriver) PortAllocBuffers(dir wire.Direction, id uint32, params wire.AllocParams) ([]wire.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := params.Count
	if count == 0 {
		count = 1
	}
	d.slots = make(map[uint32]*bufSlot, count)
	out := make([]wire.Buffer, count)
	for i := uint32(0); i < count; i++ {
		id := d.nextSlot
		d.nextSlot++
		desc := wire.Buffer{
			ID:   id,
			Data: []wire.DataBlock{{Type: wire.BlockTypeMemPtr, MaxSize: frameSize}},
		}
		d.slots[id] = &bufSlot{desc: desc, data: make([]byte, frameSize)}
		out[i] = desc
	}
	return out, nil
}

func (d *baseDriver) PortSetIO(dir wire.Direction, id uint32, slot *iface.IOSlot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.io = slot
	return nil
}

func (d *baseDriver) PortReuseBuffer(dir wire.Direction, id uint32, bufferID uint32) error {
	return nil
}

func (d *baseDriver) PortSendCommand(dir wire.Direction, id uint32, cmd iface.Command) error {
	return nil
}

func (d *baseDriver) currentSlot() (*bufSlot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.io == nil {
		return nil, false
	}
	s, ok := d.slots[d.io.BufferID]
	return s, ok
}

// Generator is an output-only driver that fills the current buffer with
// the next frameSize bytes read from its Ring, looping once it reaches
// the end.
type Generator struct {
	baseDriver
	ring *Ring
}

// NewGenerator creates a Generator streaming out of ring, starting at
// offset 0.
func NewGenerator(ring *Ring) *Generator {
	g := &Generator{ring: ring}
	g.dir = wire.DirectionOutput
	return g
}

// ProcessInput is a no-op: a Generator has no input port.
func (g *Generator) ProcessInput() error { return nil }

func (g *Generator) ProcessOutput() error {
	slot, ok := g.currentSlot()
	if !ok {
		return fmt.Errorf("mem: generator has no bound buffer")
	}
	g.mu.Lock()
	pos := g.pos
	g.pos += len(slot.data)
	g.mu.Unlock()
	g.ring.ReadAt(slot.data, pos)
	return nil
}

// Sink is an input-only driver that appends the current buffer's bytes
// into its Ring at the next write offset, wrapping around once full.
type Sink struct {
	baseDriver
	ring *Ring
}

// NewSink creates a Sink capturing into ring, starting at offset 0.
func NewSink(ring *Ring) *Sink {
	s := &Sink{ring: ring}
	s.dir = wire.DirectionInput
	return s
}

// ProcessOutput is a no-op: a Sink has no output port.
func (s *Sink) ProcessOutput() error { return nil }

func (s *Sink) ProcessInput() error {
	slot, ok := s.currentSlot()
	if !ok {
		return fmt.Errorf("mem: sink has no bound buffer")
	}
	s.mu.Lock()
	pos := s.pos
	s.pos += len(slot.data)
	s.mu.Unlock()
	s.ring.WriteAt(slot.data, pos)
	return nil
}

// Compile-time interface checks.
var (
	_ iface.NodeImpl = (*Generator)(nil)
	_ iface.NodeImpl = (*Sink)(nil)
)
