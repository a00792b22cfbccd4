// Package timers implements the engine's wall-clock timer service. Timers
// are sharded by id across independent priority queues; each shard runs one
// goroutine that sleeps until its earliest deadline and invokes callbacks on
// their own goroutines. Firing is monotonic: among timers with equal fire
// times, the earlier-scheduled fires no later.
package timers

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Service fires scheduled callbacks at their deadlines. Safe for
	// concurrent use.
	Service struct {
		shards []*shard
		seq    atomic.Int64
	}

	// ID identifies a scheduled timer for cancellation.
	ID int64

	entry struct {
		id    ID
		at    time.Time
		seq   int64
		fn    func()
		index int
	}

	shard struct {
		mu      sync.Mutex
		heap    entryHeap
		entries map[ID]*entry
		wake    chan struct{}
		done    chan struct{}
	}

	entryHeap []*entry
)

// Options configures the timer service.
type Options struct {
	// Shards is the number of independent timer shards. Defaults to 4.
	Shards int
}

// New starts a timer service. Call Stop to release its goroutines.
func New(opts Options) *Service {
	n := opts.Shards
	if n <= 0 {
		n = 4
	}
	s := &Service{shards: make([]*shard, n)}
	for i := range s.shards {
		sh := &shard{
			entries: make(map[ID]*entry),
			wake:    make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		s.shards[i] = sh
		go sh.run()
	}
	return s
}

// Schedule arms fn to run at the given instant and returns a cancellation
// id. Instants in the past fire immediately.
func (s *Service) Schedule(at time.Time, fn func()) ID {
	seq := s.seq.Add(1)
	id := ID(seq)
	sh := s.shards[int(seq)%len(s.shards)]
	e := &entry{id: id, at: at, seq: seq, fn: fn}
	sh.mu.Lock()
	sh.entries[id] = e
	heap.Push(&sh.heap, e)
	sh.mu.Unlock()
	sh.kick()
	return id
}

// After arms fn to run after the given delay.
func (s *Service) After(d time.Duration, fn func()) ID {
	return s.Schedule(time.Now().Add(d), fn)
}

// Cancel drops a scheduled timer. Idempotent: cancelling a fired, unknown or
// zero id is a no-op. The owning shard follows from the id, matching the
// assignment in Schedule.
func (s *Service) Cancel(id ID) {
	if id <= 0 {
		return
	}
	sh := s.shards[int(id)%len(s.shards)]
	sh.mu.Lock()
	if e, ok := sh.entries[id]; ok {
		delete(sh.entries, id)
		heap.Remove(&sh.heap, e.index)
	}
	sh.mu.Unlock()
}

// Stop halts all shards. Pending timers never fire after Stop returns.
func (s *Service) Stop() {
	for _, sh := range s.shards {
		close(sh.done)
	}
}

func (sh *shard) kick() {
	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

func (sh *shard) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		sh.mu.Lock()
		var wait time.Duration
		now := time.Now()
		fired := make([]*entry, 0, 4)
		for sh.heap.Len() > 0 {
			next := sh.heap[0]
			if next.at.After(now) {
				wait = next.at.Sub(now)
				break
			}
			heap.Pop(&sh.heap)
			delete(sh.entries, next.id)
			fired = append(fired, next)
		}
		empty := sh.heap.Len() == 0
		sh.mu.Unlock()

		// Callbacks run outside the shard lock, in schedule order for
		// equal deadlines.
		if len(fired) > 0 {
			go func(batch []*entry) {
				for _, e := range batch {
					e.fn()
				}
			}(fired)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if empty {
			wait = time.Hour
		}
		timer.Reset(wait)
		select {
		case <-sh.done:
			return
		case <-sh.wake:
		case <-timer.C:
		}
	}
}

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push implements heap.Interface.
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

// Pop implements heap.Interface.
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
