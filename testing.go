package pwcore

import (
	"sync"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

// MockNodeImpl provides a fully scriptable implementation of
// iface.NodeImpl for testing. It tracks method calls for verification
// and lets a test inject errors or canned return values per call,
// mirroring the teacher's MockBackend.
type MockNodeImpl struct {
	mu sync.Mutex

	props map[string]string
	sink  iface.EventSink

	maxInputPorts, maxOutputPorts uint32
	inputPorts, outputPorts       []uint32

	formats map[wire.Direction]map[uint32][]wire.Format
	current map[wire.Direction]map[uint32]wire.Format
	ioSlots map[wire.Direction]map[uint32]*iface.IOSlot

	// Scriptable errors, checked before the default success behavior.
	// A set error is returned on every call until the test clears it.
	SendCommandErr     error
	AddPortErr         error
	RemovePortErr      error
	PortSetFormatErr   error
	PortUseBuffersErr  error
	PortAllocBuffersErr error
	PortSetIOErr       error
	PortReuseBufferErr error
	PortSendCommandErr error
	ProcessInputErr    error
	ProcessOutputErr   error

	// Call counters for verification.
	SendCommandCalls     int
	ProcessInputCalls    int
	ProcessOutputCalls   int
	PortAllocBuffersCalls int
}

// NewMockNodeImpl creates a mock driver with maxIn/maxOut ports
// available and no ports yet added.
func NewMockNodeImpl(maxIn, maxOut uint32) *MockNodeImpl {
	return &MockNodeImpl{
		props:          map[string]string{},
		maxInputPorts:  maxIn,
		maxOutputPorts: maxOut,
		formats:        map[wire.Direction]map[uint32][]wire.Format{wire.DirectionInput: {}, wire.DirectionOutput: {}},
		current:        map[wire.Direction]map[uint32]wire.Format{wire.DirectionInput: {}, wire.DirectionOutput: {}},
		ioSlots:        map[wire.Direction]map[uint32]*iface.IOSlot{wire.DirectionInput: {}, wire.DirectionOutput: {}},
	}
}

// SetFormats scripts the sequence PortEnumFormats returns for a given
// port, in order.
func (m *MockNodeImpl) SetFormats(dir wire.Direction, id uint32, formats []wire.Format) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formats[dir][id] = formats
}

func (m *MockNodeImpl) GetProps() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.props))
	for k, v := range m.props {
		out[k] = v
	}
	return out
}

func (m *MockNodeImpl) SetProps(props map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props = props
	return nil
}

func (m *MockNodeImpl) SendCommand(cmd iface.Command) error {
	m.mu.Lock()
	m.SendCommandCalls++
	err := m.SendCommandErr
	m.mu.Unlock()
	return err
}

func (m *MockNodeImpl) SetEventCallback(sink iface.EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Emit lets a test raise an event or async completion as if the
// driver's own goroutine had done so.
func (m *MockNodeImpl) Emit(ev iface.Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.OnEvent(ev)
	}
}

func (m *MockNodeImpl) CompleteAsync(seq uint64, res error) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.OnAsyncComplete(seq, res)
	}
}

func (m *MockNodeImpl) GetPortCounts() (nIn, maxIn, nOut, maxOut uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.inputPorts)), m.maxInputPorts, uint32(len(m.outputPorts)), m.maxOutputPorts
}

func (m *MockNodeImpl) GetPortIDs(dir wire.Direction) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dir == wire.DirectionInput {
		return append([]uint32(nil), m.inputPorts...)
	}
	return append([]uint32(nil), m.outputPorts...)
}

func (m *MockNodeImpl) AddPort(dir wire.Direction, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddPortErr != nil {
		return m.AddPortErr
	}
	if dir == wire.DirectionInput {
		m.inputPorts = append(m.inputPorts, id)
	} else {
		m.outputPorts = append(m.outputPorts, id)
	}
	return nil
}

func (m *MockNodeImpl) RemovePort(dir wire.Direction, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemovePortErr != nil {
		return m.RemovePortErr
	}
	ports := &m.inputPorts
	if dir == wire.DirectionOutput {
		ports = &m.outputPorts
	}
	for i, pid := range *ports {
		if pid == id {
			*ports = append((*ports)[:i], (*ports)[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockNodeImpl) PortEnumFormats(dir wire.Direction, id uint32, index int, filter *wire.Format) (wire.Format, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.formats[dir][id]
	if index < 0 || index >= len(fs) {
		return wire.Format{}, false
	}
	return fs[index], true
}

func (m *MockNodeImpl) PortSetFormat(dir wire.Direction, id uint32, flags uint32, format *wire.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PortSetFormatErr != nil {
		return m.PortSetFormatErr
	}
	if format == nil {
		delete(m.current[dir], id)
		return nil
	}
	m.current[dir][id] = *format
	return nil
}

func (m *MockNodeImpl) PortGetFormat(dir wire.Direction, id uint32) (wire.Format, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.current[dir][id]
	return f, ok
}

func (m *MockNodeImpl) PortGetInfo(dir wire.Direction, id uint32) (iface.PortInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, hasFormat := m.current[dir][id]
	_ = f
	return iface.PortInfo{Direction: dir, ID: id, HasFormat: hasFormat}, nil
}

func (m *MockNodeImpl) PortUseBuffers(dir wire.Direction, id uint32, buffers []wire.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PortUseBuffersErr
}

func (m *MockNodeImpl) PortAllocBuffers(dir wire.Direction, id uint32, params wire.AllocParams) ([]wire.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PortAllocBuffersCalls++
	if m.PortAllocBuffersErr != nil {
		return nil, m.PortAllocBuffersErr
	}
	bufs := make([]wire.Buffer, params.Count)
	for i := range bufs {
		bufs[i] = wire.Buffer{ID: uint32(i)}
	}
	return bufs, nil
}

func (m *MockNodeImpl) PortSetIO(dir wire.Direction, id uint32, slot *iface.IOSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PortSetIOErr != nil {
		return m.PortSetIOErr
	}
	m.ioSlots[dir][id] = slot
	return nil
}

func (m *MockNodeImpl) PortReuseBuffer(dir wire.Direction, id uint32, bufferID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PortReuseBufferErr
}

func (m *MockNodeImpl) PortSendCommand(dir wire.Direction, id uint32, cmd iface.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PortSendCommandErr
}

func (m *MockNodeImpl) ProcessInput() error {
	m.mu.Lock()
	m.ProcessInputCalls++
	err := m.ProcessInputErr
	m.mu.Unlock()
	return err
}

func (m *MockNodeImpl) ProcessOutput() error {
	m.mu.Lock()
	m.ProcessOutputCalls++
	err := m.ProcessOutputErr
	m.mu.Unlock()
	return err
}

// Compile-time interface check.
var _ iface.NodeImpl = (*MockNodeImpl)(nil)
