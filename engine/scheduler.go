package engine

import (
	"context"
	"sync"
	"time"
)

// WorkItem targets exactly one instance for one step, per §5's scheduling
// model: "Each WorkItem targets one instance."
type WorkItem struct {
	InstanceID string
	// Reason documents why this work item was enqueued, for observability
	// only (e.g. "event", "retry-timer", "resume", "initial").
	Reason string
}

// instanceLocks is a per-instance exclusive lock: at most one worker may
// hold an instance's lock at a time, satisfying §5's "per-instance
// exclusive execution" requirement. Implemented as a map of
// *sync.Mutex keyed by instanceID, guarded by one mutex of its own, rather
// than a single global lock held for the whole step, so
// steps on distinct instances run fully in parallel.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: map[string]*sync.Mutex{}}
}

func (l *instanceLocks) get(instanceID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	return m
}

// Scheduler implements §5's bounded work queue with per-instance mailbox
// semantics: workers pull WorkItems from a bounded channel; an instance's
// own lock enforces exclusivity across concurrent workers. A full queue
// blocks Enqueue up to a caller-configurable deadline, after which the
// caller receives a backpressure error.
type Scheduler struct {
	queue    chan WorkItem
	locks    *instanceLocks
	deadline time.Duration

	// pendingWake coalesces timer-based wakeups per instance: at most one
	// scheduled wake per instance at any time, per §5.
	pendingWakeMu sync.Mutex
	pendingWake   map[string]*time.Timer

	// cancelled instances are skipped by workers that dequeue stale work
	// items produced before Cancel ran.
	cancelledMu sync.Mutex
	cancelled   map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewScheduler constructs a Scheduler with the given bounded queue depth
// and backpressure deadline.
func NewScheduler(queueDepth int, deadline time.Duration) *Scheduler {
	return &Scheduler{
		queue:       make(chan WorkItem, queueDepth),
		locks:       newInstanceLocks(),
		deadline:    deadline,
		pendingWake: map[string]*time.Timer{},
		cancelled:   map[string]bool{},
		closed:      make(chan struct{}),
	}
}

// Enqueue adds a WorkItem to the bounded queue, blocking up to the
// scheduler's backpressure deadline. Returns a KindBackpressure
// EngineError if the deadline elapses first.
func (s *Scheduler) Enqueue(ctx context.Context, item WorkItem) error {
	if s.IsCancelled(item.InstanceID) {
		return nil
	}
	timer := time.NewTimer(s.deadline)
	defer timer.Stop()
	select {
	case s.queue <- item:
		return nil
	case <-ctx.Done():
		return wrapErr(KindBackpressure, item.InstanceID, ctx.Err(), "enqueue cancelled before admission")
	case <-timer.C:
		return newErr(KindBackpressure, item.InstanceID, "", "work queue full after %s", s.deadline)
	case <-s.closed:
		return newErr(KindInvalidState, item.InstanceID, "", "scheduler closed")
	}
}

// Dequeue blocks until a WorkItem is available or ctx is done.
func (s *Scheduler) Dequeue(ctx context.Context) (WorkItem, bool) {
	select {
	case item := <-s.queue:
		return item, true
	case <-ctx.Done():
		return WorkItem{}, false
	case <-s.closed:
		return WorkItem{}, false
	}
}

// WithInstanceLock runs fn while holding instanceID's exclusive lock.
func (s *Scheduler) WithInstanceLock(instanceID string, fn func()) {
	mu := s.locks.get(instanceID)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// ScheduleWake coalesces a future wakeup for instanceID: if one is already
// pending, it is left untouched (the first scheduled wake wins, whatever its delay) rather than stacking
// duplicate timers, per §5's timer coalescing requirement.
func (s *Scheduler) ScheduleWake(instanceID string, after time.Duration, enqueue func()) {
	s.pendingWakeMu.Lock()
	defer s.pendingWakeMu.Unlock()
	if _, exists := s.pendingWake[instanceID]; exists {
		return
	}
	s.pendingWake[instanceID] = time.AfterFunc(after, func() {
		s.pendingWakeMu.Lock()
		delete(s.pendingWake, instanceID)
		s.pendingWakeMu.Unlock()
		enqueue()
	})
}

// CancelWake cancels any pending coalesced wake for instanceID.
func (s *Scheduler) CancelWake(instanceID string) {
	s.pendingWakeMu.Lock()
	defer s.pendingWakeMu.Unlock()
	if t, ok := s.pendingWake[instanceID]; ok {
		t.Stop()
		delete(s.pendingWake, instanceID)
	}
}

// MarkCancelled flags instanceID so queued-but-not-yet-dequeued work items
// for it are dropped, implementing §5's "aborts queued work for it".
func (s *Scheduler) MarkCancelled(instanceID string) {
	s.cancelledMu.Lock()
	defer s.cancelledMu.Unlock()
	s.cancelled[instanceID] = true
	s.CancelWake(instanceID)
}

// IsCancelled reports whether instanceID has been marked cancelled.
func (s *Scheduler) IsCancelled(instanceID string) bool {
	s.cancelledMu.Lock()
	defer s.cancelledMu.Unlock()
	return s.cancelled[instanceID]
}

// ClearCancelled removes the cancelled marker, used if an instanceID is
// ever reused (callers should avoid this; provided for completeness).
func (s *Scheduler) ClearCancelled(instanceID string) {
	s.cancelledMu.Lock()
	defer s.cancelledMu.Unlock()
	delete(s.cancelled, instanceID)
}

// Close stops accepting new work and unblocks any blocked Dequeue calls.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
