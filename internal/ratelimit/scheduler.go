package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrSchedulerDrained is returned to waiters rejected by Drain and to any
// acquisition attempted afterwards.
var ErrSchedulerDrained = eris.New("ratelimit: scheduler drained")

type waiterState int

const (
	stateWaiting waiterState = iota
	stateGranting
	stateGranted
	stateCanceled
	stateRejected
)

type waiter struct {
	priority int
	seq      uint64
	index    int
	state    waiterState
	grant    chan struct{}
	rejected chan struct{}
}

// Scheduler shapes outbound provider calls for one batch run: at most
// maxConcurrency in flight, starts spaced so no rolling second sees more
// than startsPerSecond of them, and contended admissions granted to the
// highest priority first (FIFO within a priority).
type Scheduler struct {
	mu       sync.Mutex
	waiters  waiterHeap
	seq      uint64
	inflight int
	maxConc  int
	draining bool

	limiter *rate.Limiter
	wake    chan struct{}
	done    chan struct{}
}

// NewScheduler starts the dispatch loop. Callers must Drain when the run
// ends so the loop exits.
func NewScheduler(maxConcurrency, startsPerSecond int) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if startsPerSecond < 1 {
		startsPerSecond = 1
	}
	s := &Scheduler{
		maxConc: maxConcurrency,
		// Burst 1 spaces starts evenly, which keeps every rolling
		// one-second window at or under the cap.
		limiter: rate.NewLimiter(rate.Limit(startsPerSecond), 1),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Acquire blocks until the scheduler grants a slot and a paced start, or
// until ctx is done or the scheduler drains. The release func must be
// called exactly once when the work finishes.
func (s *Scheduler) Acquire(ctx context.Context, priority int) (release func(), err error) {
	w := &waiter{
		priority: priority,
		grant:    make(chan struct{}),
		rejected: make(chan struct{}),
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, ErrSchedulerDrained
	}
	w.seq = s.seq
	s.seq++
	heap.Push(&s.waiters, w)
	s.mu.Unlock()
	s.wakeUp()

	select {
	case <-w.grant:
		return s.releaseOnce(), nil
	case <-w.rejected:
		return nil, ErrSchedulerDrained
	case <-ctx.Done():
		s.mu.Lock()
		if w.state == stateWaiting {
			heap.Remove(&s.waiters, w.index)
			w.state = stateCanceled
			s.mu.Unlock()
			return nil, eris.Wrap(ctx.Err(), "ratelimit: acquire")
		}
		s.mu.Unlock()
		// Grant already in flight; take it and hand the slot straight back.
		select {
		case <-w.grant:
			s.releaseOnce()()
			return nil, eris.Wrap(ctx.Err(), "ratelimit: acquire")
		case <-w.rejected:
			return nil, ErrSchedulerDrained
		}
	}
}

// Drain rejects every pending waiter and refuses new admissions. In-flight
// work is unaffected; its release calls remain safe.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	pending := make([]*waiter, 0, s.waiters.Len())
	for s.waiters.Len() > 0 {
		w := heap.Pop(&s.waiters).(*waiter)
		w.state = stateRejected
		pending = append(pending, w)
	}
	s.mu.Unlock()

	close(s.done)
	for _, w := range pending {
		close(w.rejected)
	}
}

// Pending reports how many acquisitions are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// InFlight reports how many granted slots have not been released.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.draining || s.waiters.Len() == 0 || s.inflight >= s.maxConc {
				s.mu.Unlock()
				break
			}
			w := heap.Pop(&s.waiters).(*waiter)
			w.state = stateGranting
			s.inflight++
			s.mu.Unlock()

			// Pace the start. Reservation order is pop order, so priority
			// order carries through the pacing.
			if d := s.limiter.Reserve().Delay(); d > 0 {
				time.Sleep(d)
			}

			s.mu.Lock()
			if s.draining {
				s.inflight--
				w.state = stateRejected
				s.mu.Unlock()
				close(w.rejected)
				continue
			}
			w.state = stateGranted
			s.mu.Unlock()
			close(w.grant)
		}
	}
}

func (s *Scheduler) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inflight--
			s.mu.Unlock()
			s.wakeUp()
		})
	}
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// waiterHeap orders by priority descending, then arrival order.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
