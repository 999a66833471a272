// Package admission ties credential verification, priority scheduling and
// quota accounting into the single per-request admission decision.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"convert-gateway/internal/apperrors"
	"convert-gateway/internal/auth"
	"convert-gateway/internal/ledger"
	"convert-gateway/internal/manager"
	"convert-gateway/internal/messaging"
	"convert-gateway/internal/model"
	"convert-gateway/internal/scheduler"
	"convert-gateway/internal/storage"
)

// Request is one inbound unit of work to admit.
type Request struct {
	Credential   string
	Category     string
	PriorityHint *model.Tier
}

// Ticket is an admitted request. Done must be called once the downstream
// work finishes, successful or not.
type Ticket struct {
	TenantID string
	Category string
	Tier     model.Tier
	// Remaining is a best-effort estimate of the quota left after this request.
	Remaining int64

	once    sync.Once
	release func()
}

// Done releases the execution slot. Extra calls are ignored.
func (t *Ticket) Done() {
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Options configure a Service.
type Options struct {
	// AutoProvision creates a record with default limits for a verified
	// tenant that has none.
	AutoProvision bool
	Classifier    scheduler.Classifier
}

type Service struct {
	verifier   auth.Verifier
	store      storage.Store
	tenants    *manager.TenantManager
	ledger     *ledger.Ledger
	scheduler  *scheduler.Scheduler
	classifier scheduler.Classifier
	publisher  messaging.Publisher
	opts       Options
	logger     *zap.Logger
}

func NewService(
	verifier auth.Verifier,
	store storage.Store,
	tenants *manager.TenantManager,
	l *ledger.Ledger,
	s *scheduler.Scheduler,
	publisher messaging.Publisher,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.Classifier == nil {
		opts.Classifier = scheduler.PlanClassifier
	}
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	return &Service{
		verifier:   verifier,
		store:      store,
		tenants:    tenants,
		ledger:     l,
		scheduler:  s,
		classifier: opts.Classifier,
		publisher:  publisher,
		opts:       opts,
		logger:     logger,
	}
}

// Admit runs verification, waits for an execution slot at the tenant's tier
// and consumes one unit of quota. Quota is only touched once a slot is held,
// so a request that times out or is cancelled while queued costs nothing.
func (s *Service) Admit(ctx context.Context, req Request) (*Ticket, error) {
	tenantID, err := s.verifier.Verify(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	rec, err := s.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limit, err := s.ledger.Limit(rec, req.Category)
	if err != nil {
		return nil, err
	}
	remaining, err := s.ledger.Remaining(rec, req.Category)
	if err != nil {
		return nil, err
	}
	tier := s.classifier(rec, remaining, limit, req.PriorityHint)

	release, err := s.scheduler.Acquire(ctx, tier)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.CheckAndConsume(ctx, tenantID, req.Category); err != nil {
		release()
		if errors.Is(err, apperrors.ErrQuotaExceeded) {
			s.publishExceeded(ctx, tenantID, req.Category)
		}
		return nil, err
	}

	left := remaining - 1
	if left < 0 {
		left = 0
	}
	return &Ticket{
		TenantID:  tenantID,
		Category:  req.Category,
		Tier:      tier,
		Remaining: left,
		release:   release,
	}, nil
}

func (s *Service) loadTenant(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	if s.opts.AutoProvision && s.tenants != nil {
		rec, err := s.tenants.EnsureTenant(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
		}
		return rec, nil
	}

	rec, err := s.store.Get(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrTenantUnknown)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (s *Service) publishExceeded(ctx context.Context, tenantID, category string) {
	ev := model.NewEvent(model.EventQuotaExceeded, time.Now().UTC())
	ev.TenantID = tenantID
	ev.Category = category
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish quota event",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}
