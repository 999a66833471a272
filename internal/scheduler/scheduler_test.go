package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	return New(cfg, clock, zap.NewNop()), clock
}

// enqueue starts a goroutine that acquires a slot at tier, reports name on
// order and releases straight away. It returns once the request is queued.
func enqueue(t *testing.T, ctx context.Context, s *Scheduler, tier model.Tier, name string, order chan<- string) {
	t.Helper()
	before := s.QueueLen()
	go func() {
		release, err := s.Acquire(ctx, tier)
		if err != nil {
			order <- "error:" + name
			return
		}
		order <- name
		release()
	}()
	require.Eventually(t, func() bool { return s.QueueLen() == before+1 }, time.Second, time.Millisecond)
}

func collect(t *testing.T, order <-chan string, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		select {
		case name := <-order:
			out = append(out, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %v", out)
		}
	}
	return out
}

func TestAcquireImmediateWhenSlotsFree(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestScheduler(t, Config{Slots: 2})

	r1, err := s.Acquire(ctx, model.TierLow)
	require.NoError(t, err)
	r2, err := s.Acquire(ctx, model.TierHigh)
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 2, st.Slots)

	r1()
	r2()
	assert.Equal(t, 0, s.Stats().InFlight)
}

func TestFIFOWithinTier(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestScheduler(t, Config{Slots: 1})

	hold, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)

	order := make(chan string, 5)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		enqueue(t, ctx, s, model.TierNormal, name, order)
	}
	hold()

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, collect(t, order, 5))
}

func TestHigherTierDrainsFirst(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestScheduler(t, Config{Slots: 1})

	hold, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)

	order := make(chan string, 4)
	enqueue(t, ctx, s, model.TierLow, "low", order)
	enqueue(t, ctx, s, model.TierNormal, "normal", order)
	enqueue(t, ctx, s, model.TierHigh, "high-1", order)
	enqueue(t, ctx, s, model.TierHigh, "high-2", order)

	queued := s.Stats().Queued
	assert.Equal(t, 2, queued[model.TierHigh])
	assert.Equal(t, 1, queued[model.TierNormal])
	assert.Equal(t, 1, queued[model.TierLow])

	hold()
	assert.Equal(t, []string{"high-1", "high-2", "normal", "low"}, collect(t, order, 4))
}

func TestLowTierPromotedUnderSustainedHighLoad(t *testing.T) {
	ctx := testContext(t)
	s, clock := newTestScheduler(t, Config{Slots: 1, PromoteAfter: time.Second})

	hold, err := s.Acquire(ctx, model.TierHigh)
	require.NoError(t, err)

	order := make(chan string, 4)
	enqueue(t, ctx, s, model.TierLow, "low", order)
	enqueue(t, ctx, s, model.TierHigh, "high-early", order)

	// Two promotion steps take the low request all the way to high, where
	// its earlier arrival puts it ahead of later high tier requests.
	clock.Advance(2 * time.Second).MustWait(ctx)
	enqueue(t, ctx, s, model.TierHigh, "high-late-1", order)
	enqueue(t, ctx, s, model.TierHigh, "high-late-2", order)

	hold()
	assert.Equal(t, []string{"low", "high-early", "high-late-1", "high-late-2"}, collect(t, order, 4))
}

func TestPartialPromotion(t *testing.T) {
	ctx := testContext(t)
	s, clock := newTestScheduler(t, Config{Slots: 1, PromoteAfter: time.Second})

	hold, err := s.Acquire(ctx, model.TierHigh)
	require.NoError(t, err)

	order := make(chan string, 3)
	enqueue(t, ctx, s, model.TierLow, "low", order)
	clock.Advance(time.Second).MustWait(ctx)
	enqueue(t, ctx, s, model.TierNormal, "normal", order)
	enqueue(t, ctx, s, model.TierHigh, "high", order)

	// One step: low now competes as normal and wins on arrival, but high
	// still goes first.
	hold()
	assert.Equal(t, []string{"high", "low", "normal"}, collect(t, order, 3))
}

func TestPromotionDisabled(t *testing.T) {
	ctx := testContext(t)
	s, clock := newTestScheduler(t, Config{Slots: 1})

	hold, err := s.Acquire(ctx, model.TierHigh)
	require.NoError(t, err)

	order := make(chan string, 2)
	enqueue(t, ctx, s, model.TierLow, "low", order)
	clock.Advance(time.Hour).MustWait(ctx)
	enqueue(t, ctx, s, model.TierHigh, "high", order)

	hold()
	assert.Equal(t, []string{"high", "low"}, collect(t, order, 2))
}

func TestAcquireTimesOut(t *testing.T) {
	ctx := testContext(t)
	s, clock := newTestScheduler(t, Config{Slots: 1, MaxWait: 5 * time.Second})

	hold, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)
	defer hold()

	trap := clock.Trap().NewTimer("scheduler", "wait")
	defer trap.Close()

	errc := make(chan error, 1)
	go func() {
		release, err := s.Acquire(ctx, model.TierNormal)
		if release != nil {
			release()
		}
		errc <- err
	}()
	trap.MustWait(ctx).MustRelease(ctx)

	clock.Advance(5 * time.Second).MustWait(ctx)
	err = <-errc
	assert.ErrorIs(t, err, apperrors.ErrAdmissionTimeout)
	assert.Equal(t, 0, s.QueueLen())
}

func TestCancelWhileQueuedLeavesNoTrace(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestScheduler(t, Config{Slots: 1})

	hold, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := s.Acquire(waitCtx, model.TierLow)
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.QueueLen() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, s.QueueLen())

	// The slot count is untouched: after the holder leaves, a newcomer gets
	// in straight away.
	hold()
	release, err := s.Acquire(ctx, model.TierLow)
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, s.Stats().InFlight)
}

func TestAcquireWithCancelledContext(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Slots: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Acquire(ctx, model.TierHigh)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Stats().InFlight)
}

func TestQueueFullRejects(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestScheduler(t, Config{Slots: 1, MaxQueue: 1})

	hold, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)

	order := make(chan string, 1)
	enqueue(t, ctx, s, model.TierNormal, "queued", order)

	_, err = s.Acquire(ctx, model.TierHigh)
	assert.ErrorIs(t, err, apperrors.ErrAdmissionTimeout)

	hold()
	assert.Equal(t, []string{"queued"}, collect(t, order, 1))
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestScheduler(t, Config{Slots: 1})

	r1, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)
	r1()
	r1()

	r2, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().InFlight)

	order := make(chan string, 1)
	enqueue(t, ctx, s, model.TierNormal, "waiter", order)
	assert.Equal(t, 1, s.QueueLen())
	r2()
	assert.Equal(t, []string{"waiter"}, collect(t, order, 1))
}

func TestInvalidTierQueuesAsNormal(t *testing.T) {
	ctx := testContext(t)
	s, _ := newTestScheduler(t, Config{Slots: 1})

	hold, err := s.Acquire(ctx, model.TierNormal)
	require.NoError(t, err)

	order := make(chan string, 3)
	enqueue(t, ctx, s, model.Tier(42), "odd", order)
	enqueue(t, ctx, s, model.TierHigh, "high", order)
	enqueue(t, ctx, s, model.TierUnset, "unset", order)
	assert.Equal(t, 2, s.Stats().Queued[model.TierNormal])

	hold()
	assert.Equal(t, []string{"high", "odd", "unset"}, collect(t, order, 3))
}

func TestRunStopsWithContext(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Slots: 1, TickInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
