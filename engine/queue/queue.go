// Package queue implements the task queue matcher: named queues delivering
// workflow and activity tasks to long-polling workers. Matching is FIFO per
// queue with a sticky override, so the worker that completed a run's last
// workflow task is offered subsequent ones first within a TTL. Delivery is
// at-most-once per poll; lease enforcement and redelivery on timeout belong
// to the coordinator.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/cascade/engine/task"
)

// ErrObsolete is returned by a Materialize callback when the referenced task
// no longer exists (run closed, task already resolved). The matcher drops
// the reference and keeps polling.
var ErrObsolete = errors.New("queue: task obsolete")

type (
	// Ref is a dispatchable task reference. The matcher never holds task
	// payloads; the owning component materializes the full task when a
	// worker claims the reference.
	Ref struct {
		// Queue is the target queue name.
		Queue string
		// Kind selects the workflow or activity sub-queue.
		Kind task.TaskKind
		// TaskType is the workflow or activity type the reference resolves
		// to. Workers polling with a supported-type set are never offered
		// references outside it.
		TaskType string
		// StickyIdentity, when set, reserves the reference for that worker
		// until the sticky TTL elapses.
		StickyIdentity string
		// Materialize builds the task payload for the claiming worker. It
		// returns ErrObsolete when the task is no longer dispatchable.
		Materialize func(ctx context.Context, identity string) (any, error)
	}

	// Options configures the matcher.
	Options struct {
		// StickyTTL is how long a sticky reference waits for its preferred
		// worker before falling back to the shared queue. Defaults to 10s.
		StickyTTL time.Duration
		// DispatchRate throttles task deliveries across all queues. Zero
		// means unlimited.
		DispatchRate rate.Limit
		// DispatchBurst is the limiter burst; defaults to 100 when a rate
		// is set.
		DispatchBurst int
	}

	// Matcher matches task references to polling workers.
	Matcher struct {
		mu        sync.Mutex
		queues    map[qkey]*subqueue
		stickyTTL time.Duration
		limiter   *rate.Limiter
	}

	qkey struct {
		name string
		kind task.TaskKind
	}

	subqueue struct {
		waiters []*waiter
		backlog []*Ref
		held    []*Ref
	}

	waiter struct {
		identity string
		types    map[string]struct{}
		ch       chan *Ref
		gone     bool
	}
)

// accepts reports whether the waiter's supported-type set admits the
// reference. An empty set admits everything, as does an untyped reference.
func (w *waiter) accepts(ref *Ref) bool {
	if len(w.types) == 0 || ref.TaskType == "" {
		return true
	}
	_, ok := w.types[ref.TaskType]
	return ok
}

// New returns a matcher ready for polling.
func New(opts Options) *Matcher {
	ttl := opts.StickyTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	var limiter *rate.Limiter
	if opts.DispatchRate > 0 {
		burst := opts.DispatchBurst
		if burst <= 0 {
			burst = 100
		}
		limiter = rate.NewLimiter(opts.DispatchRate, burst)
	}
	return &Matcher{
		queues:    make(map[qkey]*subqueue),
		stickyTTL: ttl,
		limiter:   limiter,
	}
}

func (m *Matcher) subqueueLocked(name string, kind task.TaskKind) *subqueue {
	k := qkey{name: name, kind: kind}
	sq, ok := m.queues[k]
	if !ok {
		sq = &subqueue{}
		m.queues[k] = sq
	}
	return sq
}

// Enqueue offers a task reference for matching. Sticky references wait for
// their preferred worker for the sticky TTL, then join the shared backlog.
func (m *Matcher) Enqueue(ref *Ref) {
	m.mu.Lock()
	sq := m.subqueueLocked(ref.Queue, ref.Kind)
	if ref.StickyIdentity != "" {
		if m.deliverLocked(sq, ref, ref.StickyIdentity) {
			m.mu.Unlock()
			return
		}
		sq.held = append(sq.held, ref)
		m.mu.Unlock()
		held := ref
		time.AfterFunc(m.stickyTTL, func() { m.releaseSticky(held) })
		return
	}
	if m.deliverLocked(sq, ref, "") {
		m.mu.Unlock()
		return
	}
	sq.backlog = append(sq.backlog, ref)
	m.mu.Unlock()
}

// releaseSticky moves an unclaimed sticky reference to the shared backlog.
func (m *Matcher) releaseSticky(ref *Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sq := m.subqueueLocked(ref.Queue, ref.Kind)
	for i, h := range sq.held {
		if h == ref {
			sq.held = append(sq.held[:i], sq.held[i+1:]...)
			ref.StickyIdentity = ""
			if m.deliverLocked(sq, ref, "") {
				return
			}
			sq.backlog = append(sq.backlog, ref)
			return
		}
	}
}

// deliverLocked hands ref to the first eligible waiter. identity restricts
// delivery to that worker when non-empty.
func (m *Matcher) deliverLocked(sq *subqueue, ref *Ref, identity string) bool {
	for i, w := range sq.waiters {
		if w.gone {
			continue
		}
		if identity != "" && w.identity != identity {
			continue
		}
		if !w.accepts(ref) {
			continue
		}
		w.gone = true
		sq.waiters = append(sq.waiters[:i], sq.waiters[i+1:]...)
		w.ch <- ref
		return true
	}
	return false
}

// Poll blocks until a task for the queue is matched to this worker or ctx
// expires. It returns the materialized task payload, or nil when the poll
// timed out empty. Obsolete references are skipped transparently. A
// non-empty supportedTypes set restricts matching to references of those
// task types; references outside the set stay queued for other workers.
func (m *Matcher) Poll(ctx context.Context, queueName string, kind task.TaskKind, identity string, supportedTypes ...string) (any, error) {
	var types map[string]struct{}
	if len(supportedTypes) > 0 {
		types = make(map[string]struct{}, len(supportedTypes))
		for _, t := range supportedTypes {
			types[t] = struct{}{}
		}
	}
	for {
		ref, err := m.nextRef(ctx, queueName, kind, identity, types)
		if err != nil || ref == nil {
			return nil, err
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				m.requeueFront(ref)
				if cerr := ctx.Err(); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
					return nil, cerr
				}
				return nil, nil
			}
		}
		payload, err := ref.Materialize(ctx, identity)
		if errors.Is(err, ErrObsolete) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func (m *Matcher) nextRef(ctx context.Context, queueName string, kind task.TaskKind, identity string, types map[string]struct{}) (*Ref, error) {
	w := &waiter{identity: identity, types: types, ch: make(chan *Ref, 1)}
	m.mu.Lock()
	sq := m.subqueueLocked(queueName, kind)

	// Sticky references reserved for this worker take priority.
	for i, h := range sq.held {
		if h.StickyIdentity == identity && w.accepts(h) {
			sq.held = append(sq.held[:i], sq.held[i+1:]...)
			m.mu.Unlock()
			return h, nil
		}
	}
	for i, ref := range sq.backlog {
		if !w.accepts(ref) {
			continue
		}
		sq.backlog = append(sq.backlog[:i], sq.backlog[i+1:]...)
		m.mu.Unlock()
		return ref, nil
	}
	sq.waiters = append(sq.waiters, w)
	m.mu.Unlock()

	select {
	case ref := <-w.ch:
		return ref, nil
	case <-ctx.Done():
		m.mu.Lock()
		if !w.gone {
			w.gone = true
			for i, cand := range sq.waiters {
				if cand == w {
					sq.waiters = append(sq.waiters[:i], sq.waiters[i+1:]...)
					break
				}
			}
		}
		m.mu.Unlock()
		// A delivery can race the timeout; never drop the reference.
		select {
		case ref := <-w.ch:
			return ref, nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, ctx.Err()
	}
}

// requeueFront puts a claimed-but-undelivered reference back at the head of
// its backlog so FIFO order is preserved.
func (m *Matcher) requeueFront(ref *Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sq := m.subqueueLocked(ref.Queue, ref.Kind)
	if m.deliverLocked(sq, ref, "") {
		return
	}
	sq.backlog = append([]*Ref{ref}, sq.backlog...)
}

// Depth reports the backlog plus sticky-held count for a queue, used by
// metrics and tests.
func (m *Matcher) Depth(queueName string, kind task.TaskKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sq := m.subqueueLocked(queueName, kind)
	return len(sq.backlog) + len(sq.held)
}
