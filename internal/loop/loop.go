// Package loop implements the readiness-driven event demultiplexer of
// spec §4.1 (component C1): an epoll-backed Loop holding I/O, timer,
// event, signal, and idle Sources, plus cross-thread Invoke backed by a
// lock-free ring (internal/ring, component C2).
//
// Grounded on pipewire/client/loop.c's loop_iterate/loop_invoke: the
// before_iterate signal, the pre/post hook pair, the epoll_wait
// two-pass dispatch (set every readiness mask first, then invoke
// callbacks so a callback can clear a sibling's mask), and the
// ring-buffer record layout for cross-thread invocation.
package loop

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Happy-Ferret/pwcore/internal/logging"
	"github.com/Happy-Ferret/pwcore/internal/ring"
)

// maxEvents bounds one epoll_wait call, matching spec §4.1's "a vector
// of up to 32 (source, ready-mask) pairs".
const maxEvents = 32

// invokeRingSize is the RingInvoker's byte capacity (spec §3: "size =
// 32 KiB, power of two").
const invokeRingSize = 32 * 1024

// InvokeFunc is a callback scheduled to run on the loop's owning thread
// via Invoke.
type InvokeFunc func(payload []byte, user any) error

// Result is what Invoke returns: either the synchronous outcome (when
// called from the loop thread) or an acknowledgement that the call was
// queued for later, asynchronous execution.
type Result struct {
	Async bool
	Seq   uint64
	Err   error
}

type invokeItem struct {
	cb   InvokeFunc
	seq  uint64
	user any
}

// Loop is a single-threaded epoll event demultiplexer. Exactly one
// goroutine may be "entered" at a time (Enter/Leave); Go has no portable
// concept of OS thread identity for goroutines, so Loop approximates
// spec §3's "entered thread" invariant with entered (set by Enter,
// cleared by Leave) and dispatchGoroutine, the numeric id of
// whichever goroutine is currently inside dispatch, read off its stack
// trace the way petermattis/goid does. Invoke compares the calling
// goroutine's id against dispatchGoroutine: a match means a callback
// reentrantly invoking further work on itself, which runs synchronously;
// any other caller is a genuinely different goroutine and goes through
// the ring, even if it happens to call Invoke while dispatch is running
// on another goroutine.
type Loop struct {
	logger *logging.Logger

	epfd int

	mu      sync.Mutex
	sources map[int]*Source // keyed by fd

	preHook  func()
	postHook func()

	beforeIterate []func()

	entered           atomic.Bool
	dispatchGoroutine atomic.Uint64

	invokeMu      sync.Mutex
	invokeRing    *ring.Ring
	pendingItems  []invokeItem
	invokeEventFd int
	invokeSource  *Source

	closed atomic.Bool
}

// New creates a Loop with its epoll instance and invoke ring ready to
// use.
func New(logger *logging.Logger) (*Loop, error) {
	if logger == nil {
		logger = logging.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}
	r, err := ring.New(invokeRingSize)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		logger:     logger.With("loop"),
		epfd:       epfd,
		sources:    make(map[int]*Source),
		invokeRing: r,
	}

	src, err := l.newEventSource(l.onInvokeWake)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	l.invokeSource = src
	l.invokeEventFd = src.fd

	return l, nil
}

// Close releases the epoll instance and every remaining source's fd,
// matching spec §5's "Loop destruction iterates the source list and
// releases each, guaranteeing fd release on all exit paths."
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for fd, src := range l.sources {
		if src.closeOnDestroy {
			unix.Close(fd)
		}
	}
	l.sources = nil
	return unix.Close(l.epfd)
}

// Enter marks the calling goroutine as the loop's owning thread.
func (l *Loop) Enter() { l.entered.Store(true) }

// Leave clears the loop's owning-thread marker.
func (l *Loop) Leave() { l.entered.Store(false) }

// Entered reports whether some goroutine currently holds the loop.
func (l *Loop) Entered() bool { return l.entered.Load() }

// SetHooks installs the optional pre/post dispatch hooks.
func (l *Loop) SetHooks(pre, post func()) {
	l.preHook, l.postHook = pre, post
}

// BeforeIterate registers a callback invoked at the top of every
// Iterate call, before the pre-hook (spec §9 supplemented feature #1).
func (l *Loop) BeforeIterate(cb func()) {
	l.beforeIterate = append(l.beforeIterate, cb)
}

// AddIO registers interest in fd with the given mask. If closeOnDestroy,
// Close (or RemoveSource) closes fd.
func (l *Loop) AddIO(fd int, mask EventMask, closeOnDestroy bool, cb Callback) (*Source, error) {
	src := &Source{kind: KindIO, fd: fd, mask: mask, closeOnDestroy: closeOnDestroy, callback: cb, owner: l}
	if err := l.addSource(src); err != nil {
		return nil, err
	}
	return src, nil
}

// AddTimer creates a monotonic timerfd-backed Source.
func (l *Loop) AddTimer(cb Callback) (*Source, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("loop: timerfd_create: %w", err)
	}
	src := &Source{kind: KindTimer, fd: fd, mask: Readable, closeOnDestroy: true, callback: cb, owner: l}
	if err := l.addSource(src); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return src, nil
}

// AddEvent creates an eventfd-backed Source signalled via SignalEvent.
func (l *Loop) AddEvent(cb Callback) (*Source, error) {
	return l.newEventSource(cb)
}

func (l *Loop) newEventSource(cb Callback) (*Source, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("loop: eventfd: %w", err)
	}
	src := &Source{kind: KindEvent, fd: fd, mask: Readable, closeOnDestroy: true, callback: cb, owner: l}
	if err := l.addSource(src); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return src, nil
}

// AddSignal registers a signalfd-backed Source for signum, blocking the
// signal in the calling thread's mask first (spec §4.1: "signals back
// onto an OS signal fd after blocking the signal in the calling
// thread's mask").
func (l *Loop) AddSignal(signum int, cb Callback) (*Source, error) {
	var set unix.Sigset_t
	sigsetAdd(&set, signum)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("loop: pthread_sigmask: %w", err)
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("loop: signalfd: %w", err)
	}
	src := &Source{kind: KindSignal, fd: fd, mask: Readable, closeOnDestroy: true, callback: cb, owner: l}
	if err := l.addSource(src); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return src, nil
}

// AddIdle creates an idle Source, initially enabled or not per enabled.
// Idle sources are latched via an auto-resetting eventfd: EnableIdle
// writes or reads the fd only on an actual enabled/disabled transition
// (spec §9 supplemented feature #2).
func (l *Loop) AddIdle(enabled bool, cb Callback) (*Source, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("loop: eventfd: %w", err)
	}
	src := &Source{kind: KindIdle, fd: fd, mask: Readable, closeOnDestroy: true, callback: cb, owner: l}
	if err := l.addSource(src); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if enabled {
		l.EnableIdle(src, true)
	}
	return src, nil
}

func (l *Loop) addSource(src *Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	event := unix.EpollEvent{Events: maskToEpoll(src.mask), Fd: int32(src.fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, src.fd, &event); err != nil {
		return fmt.Errorf("loop: epoll_ctl(ADD): %w", err)
	}
	l.sources[src.fd] = src
	return nil
}

// UpdateSource changes the interest mask of a previously added source.
func (l *Loop) UpdateSource(src *Source, mask EventMask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	src.mask = mask
	event := unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(src.fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, src.fd, &event); err != nil {
		return fmt.Errorf("loop: epoll_ctl(MOD): %w", err)
	}
	return nil
}

// RemoveSource deregisters src. Pending readiness for it is discarded:
// the dispatch second pass checks rmask freshly each round, and this
// clears it and marks the source removed so a concurrent pass skips it.
func (l *Loop) RemoveSource(src *Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if src.removed {
		return nil
	}
	src.removed = true
	src.rmask = 0
	delete(l.sources, src.fd)
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, src.fd, nil)
	if src.closeOnDestroy {
		unix.Close(src.fd)
	}
	if err != nil {
		return fmt.Errorf("loop: epoll_ctl(DEL): %w", err)
	}
	return nil
}

// SignalEvent raises an Event source's readiness.
func (l *Loop) SignalEvent(src *Source) error {
	return writeEventfd(src.fd, 1)
}

// UpdateTimer arms or disarms a Timer source. If absolute, value is an
// absolute CLOCK_MONOTONIC deadline; otherwise it is relative to now.
func (l *Loop) UpdateTimer(src *Source, value, interval time.Duration, absolute bool) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(value.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	flags := 0
	if absolute {
		flags = unix.TFD_TIMER_ABSTIME
	}
	return unix.TimerfdSettime(src.fd, flags, &spec, nil)
}

// EnableIdle enables or disables an idle source. Transitions are the
// only time the backing eventfd is touched; calling EnableIdle(true) on
// an already-enabled source (or EnableIdle(false) on an already-disabled
// one) is a documented no-op (spec §9 supplemented feature #2).
func (l *Loop) EnableIdle(src *Source, enabled bool) {
	if enabled && !src.idleEnabled {
		src.idleEnabled = true
		_ = writeEventfd(src.fd, 1)
		return
	}
	if !enabled && src.idleEnabled {
		src.idleEnabled = false
		_, _ = readEventfd(src.fd)
	}
}

// Iterate runs one dispatch cycle: before_iterate, pre-hook, the
// readiness wait, post-hook, then the two-pass dispatch (spec §4.1).
func (l *Loop) Iterate(timeout time.Duration) error {
	for _, cb := range l.beforeIterate {
		cb()
	}
	if l.preHook != nil {
		l.preHook()
	}

	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("loop: epoll_wait: %w", err)
	}

	if l.postHook != nil {
		l.postHook()
	}

	l.mu.Lock()
	ready := make([]*Source, 0, n)
	for i := 0; i < n; i++ {
		src, ok := l.sources[int(events[i].Fd)]
		if !ok || src.removed {
			continue
		}
		src.rmask = epollToMask(events[i].Events)
		ready = append(ready, src)
	}
	l.mu.Unlock()

	for _, src := range ready {
		if src.removed || src.rmask == 0 {
			continue
		}
		rmask := src.rmask
		src.rmask = 0
		l.dispatch(src, rmask)
	}
	return nil
}

func (l *Loop) dispatch(src *Source, rmask EventMask) {
	l.dispatchGoroutine.Store(goroutineID())
	defer l.dispatchGoroutine.Store(0)

	if src.kind == KindTimer {
		drainTimerfd(src.fd)
	}
	if src == l.invokeSource {
		readEventfd(src.fd)
	}
	if src.callback != nil {
		src.callback(rmask)
	}
}

// onInvokeWake drains the invoke ring, running every queued item's
// callback on the loop thread in FIFO order.
func (l *Loop) onInvokeWake(EventMask) {
	for {
		l.invokeMu.Lock()
		if len(l.pendingItems) == 0 {
			l.invokeMu.Unlock()
			return
		}
		payload, ok := l.invokeRing.Read()
		if !ok {
			l.invokeMu.Unlock()
			return
		}
		item := l.pendingItems[0]
		l.pendingItems = l.pendingItems[1:]
		l.invokeMu.Unlock()

		err := item.cb(payload, item.user)
		if err != nil {
			l.logger.Warn("invoke callback failed", "seq", item.seq, "err", err)
		}
	}
}

// Invoke schedules cb to run on the loop thread. If the caller is
// already nested inside the loop's dispatch (the common case: a
// callback invoking further work on itself), cb runs synchronously and
// its error is returned in Result.Err. Otherwise payload is copied into
// the ring and the invoke event source is signalled.
func (l *Loop) Invoke(cb InvokeFunc, seq uint64, payload []byte, user any) (Result, error) {
	if dg := l.dispatchGoroutine.Load(); dg != 0 && dg == goroutineID() {
		err := cb(payload, user)
		return Result{Async: false, Seq: seq, Err: err}, nil
	}

	l.invokeMu.Lock()
	if err := l.invokeRing.Write(payload); err != nil {
		l.invokeMu.Unlock()
		return Result{}, err
	}
	l.pendingItems = append(l.pendingItems, invokeItem{cb: cb, seq: seq, user: user})
	l.invokeMu.Unlock()

	if err := l.SignalEvent(l.invokeSource); err != nil {
		return Result{}, err
	}
	return Result{Async: true, Seq: seq}, nil
}

func maskToEpoll(mask EventMask) uint32 {
	var e uint32
	if mask&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	if mask&Hangup != 0 {
		e |= unix.EPOLLHUP
	}
	if mask&ErrorEvent != 0 {
		e |= unix.EPOLLERR
	}
	return e
}

func epollToMask(e uint32) EventMask {
	var mask EventMask
	if e&unix.EPOLLIN != 0 {
		mask |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		mask |= Writable
	}
	if e&unix.EPOLLHUP != 0 {
		mask |= Hangup
	}
	if e&unix.EPOLLERR != 0 {
		mask |= ErrorEvent
	}
	return mask
}

func writeEventfd(fd int, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := unix.Write(fd, buf[:])
	return err
}

func readEventfd(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n != 8 {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func drainTimerfd(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

// goroutineID parses the calling goroutine's numeric id off the start of
// its own stack trace ("goroutine 123 [running]: ..."), the same trick
// petermattis/goid uses, since runtime exposes no public accessor for it.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// sigsetAdd sets the bit for signum in set, mirroring the original's use
// of sigaddset before blocking and signalfd-ing a signal.
func sigsetAdd(set *unix.Sigset_t, signum int) {
	idx := (signum - 1) / 64
	bit := uint((signum - 1) % 64)
	set.Val[idx] |= 1 << bit
}
