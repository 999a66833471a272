// Package scheduler orders concurrent requests by priority tier and caps how
// many of them run downstream work at once.
//
// Waiting requests sit in a heap ordered by effective tier, then arrival.
// A request's effective tier improves by one for every PromoteAfter it has
// spent waiting, so a low tier request under sustained high tier load is
// eventually served.
package scheduler

import (
	"container/heap"
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/metrics"
	"convert-gateway/internal/model"
)

// Config bounds the scheduler.
type Config struct {
	// Slots is the number of requests allowed past admission at once.
	Slots int
	// MaxWait is how long a request may wait for a slot.
	MaxWait time.Duration
	// PromoteAfter is the wait after which a request moves up one tier.
	// Zero disables promotion.
	PromoteAfter time.Duration
	// MaxQueue caps waiting requests. Zero means unbounded.
	MaxQueue int
	// TickInterval drives periodic promotion and gauge refresh in Run.
	TickInterval time.Duration
}

type waiter struct {
	origin   model.Tier
	tier     model.Tier
	seq      uint64
	enqueued time.Time
	ready    chan struct{}
	granted  bool

	index int
	elem  *list.Element
}

type waitHeap []*waiter

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if h[i].tier == h[j].tier {
		return h[i].seq < h[j].seq
	}
	return h[i].tier < h[j].tier
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Scheduler hands out a bounded number of execution slots.
type Scheduler struct {
	cfg    Config
	clock  quartz.Clock
	logger *zap.Logger

	mu       sync.Mutex
	queue    waitHeap
	arrivals [model.NumTiers]*list.List // waiters by origin tier, oldest first
	inFlight int
	seq      uint64
}

// New returns a Scheduler. A nil clock uses the real clock.
func New(cfg Config, clock quartz.Clock, logger *zap.Logger) *Scheduler {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	s := &Scheduler{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
	for i := range s.arrivals {
		s.arrivals[i] = list.New()
	}
	heap.Init(&s.queue)
	return s
}

// Acquire blocks until the caller may run downstream work. The returned
// release func must be called exactly once when the work is done; extra calls
// are ignored.
//
// It fails with ErrAdmissionTimeout when MaxWait elapses or the queue is full,
// and with the context error when ctx ends first. A request that leaves the
// queue without a slot has no other effect.
func (s *Scheduler) Acquire(ctx context.Context, tier model.Tier) (func(), error) {
	if !tier.Valid() {
		tier = model.TierNormal
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.inFlight < s.cfg.Slots && len(s.queue) == 0 {
		s.inFlight++
		metrics.InFlight.Set(float64(s.inFlight))
		s.mu.Unlock()
		metrics.QueueWait.WithLabelValues(tier.String()).Observe(0)
		return s.releaser(), nil
	}
	if s.cfg.MaxQueue > 0 && len(s.queue) >= s.cfg.MaxQueue {
		s.mu.Unlock()
		metrics.SchedulerRejections.WithLabelValues("queue_full").Inc()
		return nil, fmt.Errorf("admission queue full: %w", apperrors.ErrAdmissionTimeout)
	}

	s.seq++
	w := &waiter{
		origin:   tier,
		tier:     tier,
		seq:      s.seq,
		enqueued: s.clock.Now("scheduler", "enqueue"),
		ready:    make(chan struct{}),
	}
	heap.Push(&s.queue, w)
	w.elem = s.arrivals[tier.Index()].PushBack(w)
	s.updateDepthLocked()
	s.mu.Unlock()

	var timeout <-chan time.Time
	if s.cfg.MaxWait > 0 {
		timer := s.clock.NewTimer(s.cfg.MaxWait, "scheduler", "wait")
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
		s.observeWait(w)
		return s.releaser(), nil

	case <-ctx.Done():
		if !s.abandon(w) {
			// Granted while we were leaving; hand the slot back.
			s.release()
		}
		metrics.SchedulerRejections.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()

	case <-timeout:
		if !s.abandon(w) {
			s.observeWait(w)
			return s.releaser(), nil
		}
		metrics.SchedulerRejections.WithLabelValues("timeout").Inc()
		s.logger.Warn("Admission timed out",
			zap.String("tier", tier.String()),
			zap.Duration("max_wait", s.cfg.MaxWait))
		return nil, fmt.Errorf("waited %s for a slot: %w", s.cfg.MaxWait, apperrors.ErrAdmissionTimeout)
	}
}

// Run promotes aged waiters and refreshes gauges until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	w := s.clock.TickerFunc(ctx, interval, func() error {
		s.mu.Lock()
		s.dispatchLocked()
		s.mu.Unlock()
		return nil
	}, "scheduler", "tick")
	if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	InFlight int                `json:"in_flight"`
	Slots    int                `json:"slots"`
	Queued   map[model.Tier]int `json:"queued"`
}

// Stats reports queue depth per effective tier and slots in use.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		InFlight: s.inFlight,
		Slots:    s.cfg.Slots,
		Queued:   make(map[model.Tier]int, model.NumTiers),
	}
	for _, w := range s.queue {
		st.Queued[w.tier]++
	}
	return st
}

// QueueLen returns the number of waiting requests.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(s.release)
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.dispatchLocked()
}

// abandon removes w from the queue. It reports false when w was already granted.
func (s *Scheduler) abandon(w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.granted {
		return false
	}
	heap.Remove(&s.queue, w.index)
	s.arrivals[w.origin.Index()].Remove(w.elem)
	s.updateDepthLocked()
	return true
}

func (s *Scheduler) dispatchLocked() {
	s.promoteLocked(s.clock.Now("scheduler", "dispatch"))
	for s.inFlight < s.cfg.Slots && len(s.queue) > 0 {
		w := heap.Pop(&s.queue).(*waiter)
		s.arrivals[w.origin.Index()].Remove(w.elem)
		w.granted = true
		s.inFlight++
		close(w.ready)
	}
	s.updateDepthLocked()
}

// promoteLocked recomputes effective tiers. Arrival lists are oldest first,
// so the scan of a list stops at the first waiter that has not aged a full
// PromoteAfter.
func (s *Scheduler) promoteLocked(now time.Time) {
	if s.cfg.PromoteAfter <= 0 {
		return
	}
	for _, origin := range model.Tiers {
		if origin == model.TierHigh {
			continue
		}
		for e := s.arrivals[origin.Index()].Front(); e != nil; e = e.Next() {
			w := e.Value.(*waiter)
			steps := int(now.Sub(w.enqueued) / s.cfg.PromoteAfter)
			if steps == 0 {
				break
			}
			eff := origin - model.Tier(steps)
			if eff < model.TierHigh {
				eff = model.TierHigh
			}
			if eff == w.tier {
				continue
			}
			metrics.Promotions.WithLabelValues(w.tier.String()).Inc()
			w.tier = eff
			heap.Fix(&s.queue, w.index)
		}
	}
}

func (s *Scheduler) updateDepthLocked() {
	var depth [model.NumTiers]int
	for _, w := range s.queue {
		depth[w.tier.Index()]++
	}
	for _, t := range model.Tiers {
		metrics.QueueDepth.WithLabelValues(t.String()).Set(float64(depth[t.Index()]))
	}
	metrics.InFlight.Set(float64(s.inFlight))
}

func (s *Scheduler) observeWait(w *waiter) {
	metrics.QueueWait.WithLabelValues(w.origin.String()).Observe(s.clock.Since(w.enqueued).Seconds())
}
