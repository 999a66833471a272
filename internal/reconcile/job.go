// Package reconcile resets daily quota counters across all tenants.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/messaging"
	"convert-gateway/internal/metrics"
	"convert-gateway/internal/model"
	"convert-gateway/internal/storage"
)

// Config tunes a reconciliation run.
type Config struct {
	// Categories are the tracked counters that get zeroed.
	Categories []string
	// BatchSize is the number of tenants per atomic batch, capped at
	// storage.MaxBatchSize.
	BatchSize int
	// Parallelism bounds concurrently committing batches. 1 is sequential.
	Parallelism int
}

// Result summarises a run.
type Result struct {
	ResetCount   int `json:"resetCount"`
	Total        int `json:"total"`
	FailedChunks int `json:"failedChunks"`
}

// Job zeroes every tracked counter of every tenant that has used anything
// since the last reset. Running it twice in a row is harmless: the second run
// finds nothing to do.
type Job struct {
	store     storage.Store
	cfg       Config
	clock     quartz.Clock
	publisher messaging.Publisher
	logger    *zap.Logger
}

// NewJob returns a Job. A nil clock uses the real clock and a nil publisher
// drops events.
func NewJob(store storage.Store, cfg Config, clock quartz.Clock, publisher messaging.Publisher, logger *zap.Logger) *Job {
	if cfg.BatchSize <= 0 || cfg.BatchSize > storage.MaxBatchSize {
		cfg.BatchSize = storage.MaxBatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	cats := append([]string(nil), cfg.Categories...)
	sort.Strings(cats)
	cfg.Categories = cats

	return &Job{
		store:     store,
		cfg:       cfg,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
	}
}

// Run performs one reconciliation pass. A failing query aborts the run
// before anything is written. A failing batch does not roll back batches that
// already committed; the run then returns its Result together with an error
// wrapping ErrPartialReset.
func (j *Job) Run(ctx context.Context) (Result, error) {
	ids, err := j.collect(ctx)
	if err != nil {
		metrics.ResetRuns.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	res := Result{Total: len(ids)}
	if len(ids) == 0 {
		metrics.ResetRuns.WithLabelValues("noop").Inc()
		j.logger.Info("Reconciliation found no tenants to reset")
		return res, nil
	}

	now := j.clock.Now("reconcile", "stamp").UTC()
	chunks := chunk(ids, j.cfg.BatchSize)

	var (
		mu     sync.Mutex
		failed []error
	)
	var g errgroup.Group
	g.SetLimit(j.cfg.Parallelism)
	for i, batch := range chunks {
		g.Go(func() error {
			// Batches keep going after a sibling fails; only the caller's
			// context stops new ones.
			if err := ctx.Err(); err != nil {
				mu.Lock()
				failed = append(failed, err)
				res.FailedChunks++
				mu.Unlock()
				return nil
			}
			err := j.store.BatchUpdate(ctx, j.updates(batch, now))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.StoreErrors.WithLabelValues("batch_update").Inc()
				j.logger.Error("Reset batch failed",
					zap.Int("batch", i),
					zap.Int("size", len(batch)),
					zap.Error(err))
				failed = append(failed, err)
				res.FailedChunks++
				return nil
			}
			res.ResetCount += len(batch)
			return nil
		})
	}
	_ = g.Wait()

	metrics.TenantsReset.Add(float64(res.ResetCount))
	j.logger.Info("Reconciliation finished",
		zap.Int("reset_count", res.ResetCount),
		zap.Int("total", res.Total),
		zap.Int("failed_chunks", res.FailedChunks))

	if res.ResetCount > 0 {
		ev := model.NewEvent(model.EventQuotaReset, now)
		ev.ResetCount = res.ResetCount
		ev.Total = res.Total
		if err := j.publisher.Publish(ctx, ev); err != nil {
			j.logger.Warn("Failed to publish reset event", zap.Error(err))
		}
	}

	if len(failed) > 0 {
		metrics.ResetRuns.WithLabelValues("partial").Inc()
		return res, fmt.Errorf("%d of %d batches failed, first: %v: %w",
			len(failed), len(chunks), failed[0], apperrors.ErrPartialReset)
	}
	metrics.ResetRuns.WithLabelValues("ok").Inc()
	return res, nil
}

// collect returns the sorted, de-duplicated IDs of tenants with any non-zero
// tracked counter.
func (j *Job) collect(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, c := range j.cfg.Categories {
		recs, err := j.store.Query(ctx, c, storage.OpGreater, 0)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("query").Inc()
			j.logger.Error("Reset query failed", zap.String("category", c), zap.Error(err))
			return nil, fmt.Errorf("query %s: %w: %v", c, apperrors.ErrStoreUnavailable, err)
		}
		for _, r := range recs {
			seen[r.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (j *Job) updates(ids []string, now time.Time) []storage.Update {
	out := make([]storage.Update, 0, len(ids))
	for _, id := range ids {
		counters := make(map[string]int64, len(j.cfg.Categories))
		for _, c := range j.cfg.Categories {
			counters[c] = 0
		}
		out = append(out, storage.Update{
			TenantID:  id,
			Counters:  counters,
			LastReset: now,
		})
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
