// File: core/aio/aio_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package aio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/message"
)

func TestSleepCompletesOnce(t *testing.T) {
	var fired atomic.Int32
	a := New(func(*Aio) { fired.Add(1) })
	require.NoError(t, a.Sleep(5*time.Millisecond))
	a.Wait()
	assert.NoError(t, a.Result())
	assert.Equal(t, int32(1), fired.Load())
}

func TestSleepCancel(t *testing.T) {
	var fired atomic.Int32
	a := New(func(*Aio) { fired.Add(1) })
	require.NoError(t, a.Sleep(time.Minute))
	a.Cancel()
	a.Wait()
	assert.ErrorIs(t, a.Result(), api.ErrCanceled)
	assert.Equal(t, int32(1), fired.Load(), "exactly one callback per submission")
}

func TestTimeoutTakesCancelPath(t *testing.T) {
	a := New(nil)
	a.SetTimeout(10 * time.Millisecond)
	require.NoError(t, a.Sleep(time.Minute))
	a.Wait()
	assert.ErrorIs(t, a.Result(), api.ErrTimeout)
}

func TestResubmitWhileInflightIsBusy(t *testing.T) {
	a := New(nil)
	require.NoError(t, a.Sleep(50*time.Millisecond))
	assert.ErrorIs(t, a.Sleep(time.Millisecond), api.ErrBusy)
	a.Wait()
	// Settled aios are reusable.
	require.NoError(t, a.Sleep(time.Millisecond))
	a.Wait()
}

func TestResultResetOnResubmit(t *testing.T) {
	a := New(nil)
	require.NoError(t, a.Sleep(time.Minute))
	a.Cancel()
	a.Wait()
	require.ErrorIs(t, a.Result(), api.ErrCanceled)

	require.NoError(t, a.Sleep(50*time.Millisecond))
	assert.NoError(t, a.Result(), "a new submission resets the previous result")
	a.Wait()
	assert.NoError(t, a.Result())
}

func TestStopBlocksUntilSettled(t *testing.T) {
	var fired atomic.Int32
	a := New(func(*Aio) { fired.Add(1) })
	require.NoError(t, a.Sleep(20*time.Millisecond))
	a.Stop()
	// After Stop returns the callback must have run already.
	assert.Equal(t, int32(1), fired.Load())
	assert.ErrorIs(t, a.Sleep(time.Millisecond), api.ErrClosed)
}

func TestWaitOnIdleReturns(t *testing.T) {
	a := New(nil)
	done := make(chan struct{})
	go func() { a.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait on idle aio must return immediately")
	}
}

func TestResubmitFromCallback(t *testing.T) {
	var rounds atomic.Int32
	var a *Aio
	a = New(func(cur *Aio) {
		if rounds.Add(1) < 3 {
			_ = cur.Sleep(time.Millisecond)
		}
	})
	require.NoError(t, a.Sleep(time.Millisecond))
	require.Eventually(t, func() bool { return rounds.Load() == 3 }, time.Second, time.Millisecond)
	a.Wait()
}

// fakeParkQueue mimics a protocol waiter queue to exercise the
// cancel-before-commit contract.
type fakeParkQueue struct {
	mu     sync.Mutex
	parked []*Aio
}

func (q *fakeParkQueue) park(a *Aio) error {
	q.mu.Lock()
	q.parked = append(q.parked, a)
	q.mu.Unlock()
	return a.SetCancel(q.remove)
}

func (q *fakeParkQueue) remove(a *Aio) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.parked {
		if p == a {
			q.parked = append(q.parked[:i], q.parked[i+1:]...)
			return true
		}
	}
	return false
}

func TestCancelBeforeCommitReturnsMessage(t *testing.T) {
	var results []error
	var mu sync.Mutex
	a := New(func(cur *Aio) {
		mu.Lock()
		results = append(results, cur.Result())
		mu.Unlock()
	})

	m, err := message.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, m.Append([]byte("precious")))

	q := &fakeParkQueue{}
	require.NoError(t, a.BeginSend(m))
	require.NoError(t, q.park(a))

	a.Cancel()
	a.Wait()

	assert.ErrorIs(t, a.Result(), api.ErrCanceled)
	assert.Same(t, m, a.Message(), "canceled send returns the original message")
	assert.Equal(t, []byte("precious"), a.Message().Body())
	assert.Empty(t, q.parked)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0], api.ErrCanceled)
}

func TestCommittedOperationIgnoresCancel(t *testing.T) {
	a := New(nil)
	m, _ := message.Alloc(0)

	q := &fakeParkQueue{}
	require.NoError(t, a.BeginSend(m))
	require.NoError(t, q.park(a))

	// Commit: the protocol pops the aio, hands the message off, then
	// finishes. A late cancel must be a no-op.
	require.True(t, q.remove(a))
	a.Finish(nil, nil)
	a.Cancel()
	a.Wait()

	assert.NoError(t, a.Result())
	assert.Nil(t, a.Message())
}

// A deadline timer armed for one submission must never settle a later
// submission of the same aio. The test wedges the shared scheduler so
// the deadline expires into a due batch behind a gate; the operation
// then completes normally and the aio is rearmed without a deadline
// before the gate lets the stale expiry run.
func TestStaleDeadlineIgnoresNextSubmission(t *testing.T) {
	_, sched := runtimeDefaults()

	hold := make(chan struct{})
	holding := make(chan struct{})
	sched.Schedule(time.Millisecond, func() {
		close(holding)
		<-hold
	})
	<-holding

	gate := make(chan struct{})
	gated := make(chan struct{})
	sched.Schedule(10*time.Millisecond, func() {
		close(gated)
		<-gate
	})

	results := make(chan error, 2)
	a := New(func(cur *Aio) { results <- cur.Result() })
	a.SetTimeout(20 * time.Millisecond)

	q := &fakeParkQueue{}
	m, _ := message.Alloc(0)
	require.NoError(t, a.BeginSend(m))
	require.NoError(t, q.park(a))

	// Let both the gate timer and the deadline lapse while the
	// scheduler is held, so they pop in the same due batch.
	time.Sleep(50 * time.Millisecond)
	close(hold)
	<-gated

	// The deadline is now expired but its callback is stuck behind the
	// gate. The send completes normally and the aio is rearmed for a
	// receive with no deadline at all.
	require.True(t, q.remove(a))
	a.Finish(nil, nil)
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send never completed")
	}
	a.SetTimeout(0)
	require.NoError(t, a.BeginRecv())
	require.NoError(t, q.park(a))

	close(gate)
	time.Sleep(30 * time.Millisecond)

	assert.True(t, a.Busy(), "stale deadline must not settle the rearmed receive")
	select {
	case err := <-results:
		t.Fatalf("receive settled spuriously: %v", err)
	default:
	}

	require.True(t, q.remove(a))
	a.Finish(nil, nil)
	a.Wait()
	assert.NoError(t, a.Result())
}

func TestRollbackLeavesAioIdle(t *testing.T) {
	var fired atomic.Int32
	a := New(func(*Aio) { fired.Add(1) })
	m, _ := message.Alloc(4)

	require.NoError(t, a.BeginSend(m))
	a.Rollback()

	assert.Equal(t, int32(0), fired.Load(), "rollback fires no callback")
	require.NoError(t, a.Sleep(time.Millisecond))
	a.Wait()
}

func TestAbortBeforeParkIsDeliveredAtPark(t *testing.T) {
	a := New(nil)
	m, _ := message.Alloc(0)
	require.NoError(t, a.BeginSend(m))

	// Cancel arrives before the protocol parked the operation.
	a.Cancel()

	q := &fakeParkQueue{}
	err := a.SetCancel(q.remove)
	require.ErrorIs(t, err, api.ErrCanceled)
	// The protocol reacts by finishing the operation itself.
	a.Finish(a.Message(), err)
	a.Wait()
	assert.ErrorIs(t, a.Result(), api.ErrCanceled)
	assert.Same(t, m, a.Message())
}
