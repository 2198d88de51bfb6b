package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/loop"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

type stubDriver struct {
	sink      iface.EventSink
	maxIn     uint32
	maxOut    uint32
	formats   map[uint32][]wire.Format
	failStart bool
}

func newStubDriver(maxIn, maxOut uint32) *stubDriver {
	return &stubDriver{maxIn: maxIn, maxOut: maxOut, formats: map[uint32][]wire.Format{}}
}

func (s *stubDriver) GetProps() map[string]string           { return nil }
func (s *stubDriver) SetProps(map[string]string) error      { return nil }
func (s *stubDriver) SendCommand(cmd iface.Command) error {
	if cmd == iface.CommandStart && s.failStart {
		return errFail
	}
	return nil
}
func (s *stubDriver) SetEventCallback(sink iface.EventSink)  { s.sink = sink }
func (s *stubDriver) GetPortCounts() (uint32, uint32, uint32, uint32) {
	return 0, s.maxIn, 0, s.maxOut
}
func (s *stubDriver) GetPortIDs(wire.Direction) []uint32 { return nil }
func (s *stubDriver) AddPort(wire.Direction, uint32) error    { return nil }
func (s *stubDriver) RemovePort(wire.Direction, uint32) error { return nil }
func (s *stubDriver) PortEnumFormats(dir wire.Direction, id uint32, index int, filter *wire.Format) (wire.Format, bool) {
	fs := s.formats[id]
	if index < 0 || index >= len(fs) {
		return wire.Format{}, false
	}
	return fs[index], true
}
func (s *stubDriver) PortSetFormat(wire.Direction, uint32, uint32, *wire.Format) error { return nil }
func (s *stubDriver) PortGetFormat(wire.Direction, uint32) (wire.Format, bool)         { return wire.Format{}, false }
func (s *stubDriver) PortGetInfo(wire.Direction, uint32) (iface.PortInfo, error) {
	return iface.PortInfo{}, nil
}
func (s *stubDriver) PortUseBuffers(wire.Direction, uint32, []wire.Buffer) error { return nil }
func (s *stubDriver) PortAllocBuffers(dir wire.Direction, id uint32, params wire.AllocParams) ([]wire.Buffer, error) {
	return make([]wire.Buffer, params.Count), nil
}
func (s *stubDriver) PortSetIO(wire.Direction, uint32, *iface.IOSlot) error    { return nil }
func (s *stubDriver) PortReuseBuffer(wire.Direction, uint32, uint32) error     { return nil }
func (s *stubDriver) PortSendCommand(wire.Direction, uint32, iface.Command) error { return nil }
func (s *stubDriver) ProcessInput() error                                     { return nil }
func (s *stubDriver) ProcessOutput() error                                    { return nil }

var errFail = fmt.Errorf("stub: start failed")

func newTestNode(t *testing.T, maxIn, maxOut uint32) (*Node, *loop.Loop) {
	t.Helper()
	l, err := loop.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	n := New(1, "test-node", newStubDriver(maxIn, maxOut), l, nil)
	return n, l
}

func TestNodeStartsCreating(t *testing.T) {
	n, _ := newTestNode(t, 4, 4)
	require.Equal(t, StateCreating, n.State())
}

func TestRegisterMovesToSuspended(t *testing.T) {
	n, _ := newTestNode(t, 4, 4)
	n.Register()
	require.Equal(t, StateSuspended, n.State())
}

func TestIdleRunningRoundTrip(t *testing.T) {
	n, l := newTestNode(t, 4, 4)
	n.Register()

	require.NoError(t, n.SetState(StateIdle))
	require.Equal(t, StateIdle, n.State())

	require.NoError(t, n.SetState(StateRunning))
	require.Equal(t, StateRunning, n.State())

	require.NoError(t, n.SetState(StateIdle))
	require.Equal(t, StateIdle, n.State())
	_ = l
}

func TestInvalidTransitionRejected(t *testing.T) {
	n, _ := newTestNode(t, 4, 4)
	// CREATING -> RUNNING is not in the table.
	err := n.SetState(StateRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSuspendedFromAnyState(t *testing.T) {
	n, _ := newTestNode(t, 4, 4)
	n.Register()
	require.NoError(t, n.SetState(StateIdle))
	require.NoError(t, n.SetState(StateRunning))
	require.NoError(t, n.SetState(StateSuspended))
	require.Equal(t, StateSuspended, n.State())
}

func TestSendCommandAsyncCompletion(t *testing.T) {
	n, l := newTestNode(t, 4, 4)
	n.Register()
	require.NoError(t, n.SetState(StateIdle))

	completed := make(chan error, 1)
	n.AddListener(Listeners{
		AsyncComplete: func(seq uint64, res error) { completed <- res },
	})

	seq, err := n.SendCommand(iface.CommandStart)
	require.NoError(t, err)
	require.NotZero(t, seq)

	require.NoError(t, l.Iterate(200*time.Millisecond))

	select {
	case res := <-completed:
		require.NoError(t, res)
	case <-time.After(time.Second):
		t.Fatal("expected async completion")
	}
	require.Equal(t, StateRunning, n.State())
}

func TestGetFreePortAllocatesUpToMax(t *testing.T) {
	n, _ := newTestNode(t, 0, 2)
	p1, err := n.GetFreePort(wire.DirectionOutput)
	require.NoError(t, err)
	require.NotNil(t, p1)

	p1.AddLink(1) // mark it used so the next call must allocate a new one

	p2, err := n.GetFreePort(wire.DirectionOutput)
	require.NoError(t, err)
	require.NotEqual(t, p1.ID, p2.ID)

	p2.AddLink(2)
	_, err = n.GetFreePort(wire.DirectionOutput)
	require.Error(t, err) // max_ports (2) exhausted
}

func TestGetFreePortReusesUnlinkedPort(t *testing.T) {
	n, _ := newTestNode(t, 0, 4)
	p1, err := n.GetFreePort(wire.DirectionOutput)
	require.NoError(t, err)

	p2, err := n.GetFreePort(wire.DirectionOutput)
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID) // still unlinked, reused
}

func TestInfoSnapshotMatchesPortCountsAfterPortAdded(t *testing.T) {
	n, _ := newTestNode(t, 0, 2)
	n.Register()
	_, err := n.AddPort(wire.DirectionOutput, 0, false)
	require.NoError(t, err)

	want := Info{
		State:          StateSuspended,
		Props:          map[string]string{},
		NOutputPorts:   1,
		MaxOutputPorts: 2,
	}
	if diff := cmp.Diff(want, n.Info()); diff != "" {
		t.Errorf("Info() mismatch (-want +got):\n%s", diff)
	}
}

func TestStateChangedOrderingPrecedesInfoChanged(t *testing.T) {
	n, _ := newTestNode(t, 4, 4)
	var events []string
	n.AddListener(Listeners{
		StateChanged: func(old, new State, errMsg string) { events = append(events, "state_changed") },
		InfoChanged:  func(info Info) { events = append(events, "info_changed") },
	})
	n.Register()
	require.Equal(t, []string{"state_changed", "info_changed"}, events)
}
