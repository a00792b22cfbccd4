package timers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterFires(t *testing.T) {
	svc := New(Options{Shards: 2})
	defer svc.Stop()

	done := make(chan struct{})
	svc.After(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	svc := New(Options{Shards: 1})
	defer svc.Stop()

	done := make(chan struct{})
	svc.Schedule(time.Now().Add(-time.Second), func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("past-deadline timer did not fire")
	}
}

func TestCancel(t *testing.T) {
	svc := New(Options{Shards: 1})
	defer svc.Stop()

	var fired atomic.Bool
	id := svc.After(50*time.Millisecond, func() { fired.Store(true) })
	svc.Cancel(id)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCancelAcrossShards(t *testing.T) {
	svc := New(Options{Shards: 4})
	defer svc.Stop()

	// Ids land on every shard; each must be cancellable from its own.
	var fired atomic.Int64
	ids := make([]ID, 0, 8)
	for i := 0; i < 8; i++ {
		ids = append(ids, svc.After(50*time.Millisecond, func() { fired.Add(1) }))
	}
	for _, id := range ids {
		svc.Cancel(id)
	}

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(0), fired.Load())
}

func TestCancelZeroIDIsNoop(t *testing.T) {
	svc := New(Options{Shards: 3})
	defer svc.Stop()

	svc.Cancel(0)
	svc.Cancel(ID(-7))

	done := make(chan struct{})
	svc.After(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelIdempotent(t *testing.T) {
	svc := New(Options{Shards: 1})
	defer svc.Stop()

	done := make(chan struct{})
	id := svc.After(time.Millisecond, func() { close(done) })
	<-done
	// Cancelling a fired timer and an unknown id are both no-ops.
	svc.Cancel(id)
	svc.Cancel(ID(99999))
}

func TestEqualDeadlinesFireInScheduleOrder(t *testing.T) {
	svc := New(Options{Shards: 1})
	defer svc.Stop()

	at := time.Now().Add(20 * time.Millisecond)
	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		svc.Schedule(at, func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestStopPreventsPendingFires(t *testing.T) {
	svc := New(Options{Shards: 2})

	var fired atomic.Bool
	svc.After(50*time.Millisecond, func() { fired.Store(true) })
	svc.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestManyTimersAcrossShards(t *testing.T) {
	svc := New(Options{Shards: 4})
	defer svc.Stop()

	const n = 200
	var count atomic.Int64
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		svc.After(time.Duration(i%10)*time.Millisecond, func() {
			if count.Add(1) == n {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d timers fired", count.Load(), n)
	}
}
