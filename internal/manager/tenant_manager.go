// internal/manager/tenant_manager.go
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/model"
	"convert-gateway/internal/storage"
)

// TenantManager provisions tenant records.
type TenantManager struct {
	store       storage.Store
	defaultTier model.Tier
	categories  map[string]struct{}
	logger      *zap.Logger
	now         func() time.Time
}

// NewTenantManager returns a TenantManager. categories is the set of tracked
// quota categories; tenants may only carry limits and counters for those.
func NewTenantManager(store storage.Store, defaultTier model.Tier, categories []string, logger *zap.Logger) *TenantManager {
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	return &TenantManager{
		store:       store,
		defaultTier: defaultTier.Or(model.TierNormal),
		categories:  set,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnsureTenant returns the tenant record, creating it with the default tier
// and no per-tenant limit overrides when it does not exist yet. Concurrent
// first requests for the same tenant all end up with the same record.
func (tm *TenantManager) EnsureTenant(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	rec, err := tm.store.Get(ctx, tenantID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rec = &model.TenantRecord{
		ID:           tenantID,
		Counters:     map[string]int64{},
		Limits:       map[string]int64{},
		PriorityTier: tm.defaultTier,
		CreatedAt:    tm.now(),
	}
	if err := tm.store.Create(ctx, rec); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to provision tenant %s: %w", tenantID, err)
	}

	tm.logger.Info("Tenant provisioned",
		zap.String("tenant_id", tenantID),
		zap.String("tier", tm.defaultTier.String()))
	return tm.store.Get(ctx, tenantID)
}

// AddTenant provisions a fully specified tenant. Existing tenants are left
// untouched and reported as skipped.
func (tm *TenantManager) AddTenant(ctx context.Context, rec *model.TenantRecord) (created bool, err error) {
	if rec.ID == "" {
		return false, errors.New("tenant id is required")
	}
	rec.PriorityTier = rec.PriorityTier.Or(tm.defaultTier)
	for c, l := range rec.Limits {
		if err := tm.checkCategory(c); err != nil {
			return false, fmt.Errorf("tenant %s: limit: %w", rec.ID, err)
		}
		if l < 0 {
			return false, fmt.Errorf("tenant %s: negative limit for %s", rec.ID, c)
		}
	}
	for c := range rec.Counters {
		if err := tm.checkCategory(c); err != nil {
			return false, fmt.Errorf("tenant %s: counter: %w", rec.ID, err)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = tm.now()
	}

	if err := tm.store.Create(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			tm.logger.Info("Tenant already exists, skipping", zap.String("tenant_id", rec.ID))
			return false, nil
		}
		return false, fmt.Errorf("failed to save tenant: %w", err)
	}

	tm.logger.Info("Tenant added",
		zap.String("tenant_id", rec.ID),
		zap.String("tier", rec.PriorityTier.String()),
		zap.Any("limits", rec.Limits))
	return true, nil
}

func (tm *TenantManager) checkCategory(category string) error {
	if _, ok := tm.categories[category]; !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownCategory, category)
	}
	return nil
}
