package workqueue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompleteInSubmissionOrder(t *testing.T) {
	q := New()
	owner := "node-1"

	var order []uint64
	cb := func(seq uint64) Callback {
		return func(result error, user any) {
			require.NoError(t, result)
			order = append(order, seq)
		}
	}

	q.Add(owner, 1, cb(1), nil)
	q.Add(owner, 2, cb(2), nil)
	q.Add(owner, 3, cb(3), nil)

	// Complete out of order: 2 completes first but must wait for 1.
	q.Complete(owner, 2, nil)
	require.Empty(t, order)

	q.Complete(owner, 1, nil)
	require.Equal(t, []uint64{1, 2}, order)

	q.Complete(owner, 3, nil)
	require.Equal(t, []uint64{1, 2, 3}, order)
}

func TestCompleteUnknownIsNoop(t *testing.T) {
	q := New()
	require.NotPanics(t, func() {
		q.Complete("missing-owner", 99, nil)
	})
}

func TestCancelInvokesEveryOutstandingCallback(t *testing.T) {
	q := New()
	owner := "node-2"

	var results []error
	cancelErr := errors.New("cancelled")
	cb := func(result error, user any) { results = append(results, result) }

	q.Add(owner, 1, cb, nil)
	q.Add(owner, 2, cb, nil)
	require.Equal(t, 2, q.Pending(owner))

	q.Cancel(owner, cancelErr)

	require.Len(t, results, 2)
	require.ErrorIs(t, results[0], cancelErr)
	require.ErrorIs(t, results[1], cancelErr)
	require.Equal(t, 0, q.Pending(owner))
}

func TestEachCallbackFiresExactlyOnce(t *testing.T) {
	q := New()
	owner := "node-3"

	fired := 0
	q.Add(owner, 1, func(error, any) { fired++ }, nil)

	q.Complete(owner, 1, nil)
	q.Complete(owner, 1, nil) // already drained; no matching pending entry

	require.Equal(t, 1, fired)
}
