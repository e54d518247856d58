// Package scheduler implements the five-lane, strict-priority dispatch
// queue (§4.6): per-bot rate limiting is the handler's concern (it delegates
// to the fleet), while this package owns lane discipline, per-caller
// fairness accounting, retry/backoff policy, and dynamic concurrency.
package scheduler

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"inspectd/internal/apierr"
	"inspectd/internal/inspectlink"
	"inspectd/internal/item"
	"inspectd/internal/job"
)

const numLanes = 5

// concurrencyTick is how often the scheduler re-reads the fleet's ready
// count (§4.6: "A background tick every 50 ms").
const concurrencyTick = 50 * time.Millisecond

// QueueEntry is one dispatchable unit of work (§3 QueueEntry).
type QueueEntry struct {
	Link           inspectlink.Link
	MaxAttempts    int
	Attempts       int
	IP             string
	Priority       int // 1 (highest) .. 5 (lowest)
	ParentJob      *job.Job
	SubmittedPrice *uint64
}

// Handler dispatches one entry (typically to the fleet) and returns the
// decorated item plus the post-response pacing delay (§4.4 step 5), or an
// error from the §7 "Fleet errors"/"Request errors" taxonomy.
type Handler func(ctx context.Context, e *QueueEntry) (item.Decorated, time.Duration, error)

// ReadyCounter is satisfied by fleet.Controller.
type ReadyCounter interface {
	ReadyCount() int
}

// Scheduler is the priority dispatch queue (§4.6).
type Scheduler struct {
	mu              sync.Mutex
	lanes           [numLanes][]*QueueEntry
	users           map[string]int
	processingCount int
	concurrency     int
	paused          bool

	// checkGuard is the "non-reentrant guard" (§4.6 invariant): at most one
	// checkQueue invocation is descheduling entries at a time. Dispatch
	// itself (the handler call) happens outside this guard, in its own
	// goroutine, concurrent up to `concurrency`.
	checkGuard sync.Mutex

	handler  Handler
	fleet    ReadyCounter
	logger   *log.Logger
	tickOnce sync.Once
}

// New creates a Scheduler. handler is invoked once per dequeued entry;
// fleet supplies the live ready-bot count driving concurrency.
func New(handler Handler, fleet ReadyCounter, logger *log.Logger) *Scheduler {
	return &Scheduler{
		users:   make(map[string]int),
		handler: handler,
		fleet:   fleet,
		logger:  logger,
	}
}

// Start launches the 50ms concurrency-adjustment tick (§4.6) and resumes
// dispatch if previously paused. Safe to call multiple times.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	s.tickOnce.Do(func() {
		go s.tickLoop(ctx)
	})
	go s.checkQueue(ctx)
}

// Pause stops admitting new dispatches; in-flight dispatches continue and
// still release their slots normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(concurrencyTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			grew := s.fleet.ReadyCount() > s.concurrency
			s.concurrency = s.fleet.ReadyCount()
			s.mu.Unlock()
			if grew {
				go s.checkQueue(ctx)
			}
		}
	}
}

// Enqueue admits entry into its priority lane and accounts it against its
// caller's IP (§4.6). Admission limits (max_simultaneous_requests,
// max_queue_size) are the HTTP layer's responsibility via CanAdmit, called
// before Enqueue.
func (s *Scheduler) Enqueue(ctx context.Context, e *QueueEntry) {
	if e.Priority < 1 || e.Priority > numLanes {
		e.Priority = 4 // §6.1: invalid/missing priority treated as 4.
	}

	s.mu.Lock()
	s.lanes[e.Priority-1] = append(s.lanes[e.Priority-1], e)
	s.users[e.IP]++
	s.mu.Unlock()

	go s.checkQueue(ctx)
}

// requeueHead puts e back at the head of its lane (§4.6 retry policy).
func (s *Scheduler) requeueHead(ctx context.Context, e *QueueEntry) {
	s.mu.Lock()
	idx := e.Priority - 1
	s.lanes[idx] = append([]*QueueEntry{e}, s.lanes[idx]...)
	s.mu.Unlock()
	go s.checkQueue(ctx)
}

// Size is the number of entries currently waiting (not in flight).
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, lane := range s.lanes {
		n += len(lane)
	}
	return n
}

// ProcessingCount is the number of entries currently dispatched to the
// handler.
func (s *Scheduler) ProcessingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processingCount
}

// UserQueued reports the outstanding (queued + in-flight) entry count for
// ip (§4.6 per-caller accounting).
func (s *Scheduler) UserQueued(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[ip]
}

// Concurrency reports the current dispatch concurrency (readyCount as of
// the last tick).
func (s *Scheduler) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// CanAdmit implements the §4.6 admission limits. The caller's
// already-outstanding count is read from users[ip]; remaining is the
// number of new entries about to be enqueued for this job.
func (s *Scheduler) CanAdmit(ip string, remaining, maxSimultaneous, maxQueueSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users[ip]+remaining > maxSimultaneous {
		return apierr.MaxRequests
	}
	queued := 0
	for _, lane := range s.lanes {
		queued += len(lane)
	}
	if queued+remaining > maxQueueSize {
		return apierr.MaxQueueSize
	}
	return nil
}

// popHeadLocked scans lanes 1..5 and pops the head of the first non-empty
// one (§4.6 Dequeue discipline). Caller must hold s.mu.
func (s *Scheduler) popHeadLocked() *QueueEntry {
	for i := 0; i < numLanes; i++ {
		if len(s.lanes[i]) > 0 {
			e := s.lanes[i][0]
			s.lanes[i] = s.lanes[i][1:]
			return e
		}
	}
	return nil
}

// checkQueue is the non-reentrant dispatch loop: it admits as many
// dispatches as fit under `concurrency`, launching each handler call in
// its own goroutine, then returns. The checkGuard ensures only one
// goroutine is ever popping lanes at a time.
func (s *Scheduler) checkQueue(ctx context.Context) {
	s.checkGuard.Lock()
	defer s.checkGuard.Unlock()

	for {
		s.mu.Lock()
		if s.paused || s.processingCount >= s.concurrency {
			s.mu.Unlock()
			return
		}
		e := s.popHeadLocked()
		if e == nil {
			s.mu.Unlock()
			return
		}
		s.processingCount++
		s.mu.Unlock()

		go s.dispatch(ctx, e)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *QueueEntry) {
	it, delay, err := s.handler(ctx, e)

	if err != nil {
		s.handleFailure(ctx, e, err)
		return
	}

	e.ParentJob.SetResponse(e.Link.A, it)
	s.decrementUser(e.IP)

	if delay < 0 {
		delay = 0
	}
	if delay > 0 {
		time.Sleep(delay) // §4.6 completion pacing, before releasing the slot.
	}
	s.releaseSlot(ctx)
}

func (s *Scheduler) handleFailure(ctx context.Context, e *QueueEntry, err error) {
	if errors.Is(err, apierr.NoBotsAvailable) {
		// §4.6: attempts is NOT incremented; requeue at head immediately.
		s.requeueHead(ctx, e)
		s.releaseSlot(ctx)
		return
	}

	e.Attempts++
	if e.Attempts >= e.MaxAttempts {
		s.logger.Printf("[scheduler] job failed asset=%s attempts=%d: %v", e.Link.A, e.Attempts, err)
		e.ParentJob.SetResponseErr(e.Link.A, apierr.TTLExceeded)
		s.decrementUser(e.IP)
		s.releaseSlot(ctx)
		return
	}

	backoff := time.Duration(1000*math.Pow(2, float64(e.Attempts-1))) * time.Millisecond
	s.releaseSlot(ctx)
	time.AfterFunc(backoff, func() {
		s.requeueHead(ctx, e)
	})
}

func (s *Scheduler) releaseSlot(ctx context.Context) {
	s.mu.Lock()
	s.processingCount--
	s.mu.Unlock()
	go s.checkQueue(ctx)
}

// decrementUser is called exactly once per entry, on terminal success or
// terminal give-up (§5: "users[ip] is decremented exactly once per
// entry; double-decrement is a bug").
func (s *Scheduler) decrementUser(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[ip] > 0 {
		s.users[ip]--
	}
	if s.users[ip] == 0 {
		delete(s.users, ip)
	}
}
