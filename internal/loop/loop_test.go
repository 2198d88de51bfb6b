package loop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventSourceDeliversOnSignal(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	fired := make(chan struct{}, 1)
	src, err := l.AddEvent(func(EventMask) { fired <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, l.SignalEvent(src))
	require.NoError(t, l.Iterate(100*time.Millisecond))

	select {
	case <-fired:
	default:
		t.Fatal("expected event callback to fire")
	}
}

func TestRemoveSourceStopsDelivery(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	calls := 0
	src, err := l.AddEvent(func(EventMask) { calls++ })
	require.NoError(t, err)

	require.NoError(t, l.SignalEvent(src))
	require.NoError(t, l.RemoveSource(src))
	require.NoError(t, l.Iterate(10*time.Millisecond))

	require.Equal(t, 0, calls)
}

func TestInvokeOffThreadIsAsyncAndRunsOnIterate(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	var (
		mu  sync.Mutex
		ran bool
	)
	cb := func(payload []byte, user any) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	}

	res, err := l.Invoke(cb, 1, []byte("hi"), nil)
	require.NoError(t, err)
	require.True(t, res.Async)
	require.Equal(t, uint64(1), res.Seq)

	mu.Lock()
	require.False(t, ran)
	mu.Unlock()

	require.NoError(t, l.Iterate(100*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	require.True(t, ran)
}

func TestInvokeOnThreadIsSynchronous(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	var nested bool
	outer := func(payload []byte, user any) error {
		inner := func(payload []byte, user any) error {
			nested = true
			return nil
		}
		res, err := l.Invoke(inner, 2, nil, nil)
		require.NoError(t, err)
		require.False(t, res.Async)
		return nil
	}

	src, err := l.AddEvent(func(EventMask) {})
	require.NoError(t, err)
	_ = src

	l.dispatchGoroutine.Store(goroutineID())
	_, err = l.Invoke(outer, 1, nil, nil)
	l.dispatchGoroutine.Store(0)
	require.NoError(t, err)
	require.True(t, nested)
}

func TestInvokeFromDifferentGoroutineWhileDispatchingIsAsync(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	// Simulate another goroutine's dispatch being in flight: the id
	// stashed is not this test goroutine's, so Invoke must not treat
	// the caller as reentrant even though dispatchGoroutine is set.
	l.dispatchGoroutine.Store(goroutineID() + 1)
	defer l.dispatchGoroutine.Store(0)

	res, err := l.Invoke(func(payload []byte, user any) error { return nil }, 1, nil, nil)
	require.NoError(t, err)
	require.True(t, res.Async)
}

func TestEnableIdleIsIdempotent(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	calls := 0
	src, err := l.AddIdle(false, func(EventMask) { calls++ })
	require.NoError(t, err)

	l.EnableIdle(src, true)
	l.EnableIdle(src, true) // no-op: already enabled
	require.NoError(t, l.Iterate(100*time.Millisecond))
	require.Equal(t, 1, calls)

	l.EnableIdle(src, false)
	l.EnableIdle(src, false) // no-op: already disabled
	require.NoError(t, l.Iterate(10*time.Millisecond))
	require.Equal(t, 1, calls)
}

func TestBeforeIterateRunsEveryIteration(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	count := 0
	l.BeforeIterate(func() { count++ })

	require.NoError(t, l.Iterate(5*time.Millisecond))
	require.NoError(t, l.Iterate(5*time.Millisecond))
	require.Equal(t, 2, count)
}
