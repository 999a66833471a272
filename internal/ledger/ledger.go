// Package ledger decides whether a tenant may consume one unit of a quota
// category. Every mutation goes through the store's conditional increment;
// the ledger never reads a counter and writes it back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/metrics"
	"convert-gateway/internal/model"
	"convert-gateway/internal/storage"
)

// Ledger enforces per-tenant daily limits.
type Ledger struct {
	store    storage.Store
	defaults map[string]int64
	logger   *zap.Logger
}

// New returns a Ledger. defaults holds the configured per-category limits that
// apply when a tenant record carries no limit of its own.
func New(store storage.Store, defaults map[string]int64, logger *zap.Logger) *Ledger {
	d := make(map[string]int64, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Ledger{
		store:    store,
		defaults: d,
		logger:   logger,
	}
}

// Categories returns the tracked categories in stable order.
func (l *Ledger) Categories() []string {
	out := make([]string, 0, len(l.defaults))
	for c := range l.defaults {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Limit resolves the effective limit of category for rec. Only configured
// categories are tracked; a tenant's own limit overrides the default but
// cannot introduce a category the nightly reset does not know about.
func (l *Ledger) Limit(rec *model.TenantRecord, category string) (int64, error) {
	def, ok := l.defaults[category]
	if !ok {
		return 0, fmt.Errorf("%w: %q", apperrors.ErrUnknownCategory, category)
	}
	if rec != nil {
		if v, ok := rec.Limits[category]; ok {
			return v, nil
		}
	}
	return def, nil
}

// CheckAndConsume admits one unit of category for tenantID. A nil error means
// admitted. Otherwise the error wraps ErrQuotaExceeded, ErrTenantUnknown,
// ErrUnknownCategory or ErrStoreUnavailable.
func (l *Ledger) CheckAndConsume(ctx context.Context, tenantID, category string) error {
	rec, err := l.load(ctx, tenantID)
	if err != nil {
		return err
	}
	limit, err := l.Limit(rec, category)
	if err != nil {
		return err
	}

	applied, err := l.store.ConditionalIncrement(ctx, tenantID, category, limit)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrTenantUnknown)
	case err != nil:
		metrics.StoreErrors.WithLabelValues("conditional_increment").Inc()
		l.logger.Error("Conditional increment failed",
			zap.String("tenant_id", tenantID),
			zap.String("category", category),
			zap.Error(err))
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	case !applied:
		metrics.Admissions.WithLabelValues(category, "quota_exceeded").Inc()
		l.logger.Debug("Quota exceeded",
			zap.String("tenant_id", tenantID),
			zap.String("category", category),
			zap.Int64("limit", limit))
		return fmt.Errorf("tenant %s category %s: %w", tenantID, category, apperrors.ErrQuotaExceeded)
	}

	metrics.Admissions.WithLabelValues(category, "admitted").Inc()
	return nil
}

// GetRemaining returns how many units of category the tenant has left. The
// value is read without locking and may be stale; it must not gate admission.
func (l *Ledger) GetRemaining(ctx context.Context, tenantID, category string) (int64, error) {
	rec, err := l.load(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return l.Remaining(rec, category)
}

// Remaining computes the remaining units of category from an already loaded record.
func (l *Ledger) Remaining(rec *model.TenantRecord, category string) (int64, error) {
	limit, err := l.Limit(rec, category)
	if err != nil {
		return 0, err
	}
	remaining := limit - rec.Counter(category)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Usage reports limit, used and remaining for every tracked category.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (map[string]model.CategoryUsage, error) {
	rec, err := l.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.CategoryUsage, len(l.defaults))
	for _, c := range l.Categories() {
		limit, err := l.Limit(rec, c)
		if err != nil {
			continue
		}
		remaining, _ := l.Remaining(rec, c)
		out[c] = model.CategoryUsage{
			Limit:     limit,
			Used:      rec.Counter(c),
			Remaining: remaining,
		}
	}
	return out, nil
}

func (l *Ledger) load(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	rec, err := l.store.Get(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrTenantUnknown)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return rec, nil
}
