// internal/storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convert-gateway/internal/model"
)

// MaxBatchSize is the largest number of tenant updates a single BatchUpdate
// call may carry. It mirrors the atomic write-batch limit of document stores.
const MaxBatchSize = 500

var (
	// ErrNotFound is returned when a tenant record does not exist.
	ErrNotFound = errors.New("tenant not found")

	// ErrAlreadyExists is returned by Create for a duplicate tenant.
	ErrAlreadyExists = errors.New("tenant already exists")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d updates", MaxBatchSize)
)

// Operator is a comparison used by Query.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
)

// Valid reports whether op is supported.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpEqual, OpLess, OpLessEqual:
		return true
	}
	return false
}

// Match applies op to a counter value.
func (op Operator) Match(counter, value int64) bool {
	switch op {
	case OpGreater:
		return counter > value
	case OpGreaterEqual:
		return counter >= value
	case OpEqual:
		return counter == value
	case OpLess:
		return counter < value
	case OpLessEqual:
		return counter <= value
	}
	return false
}

// Update is one tenant's field updates inside a batch.
type Update struct {
	TenantID string
	// Counters sets each listed category counter to the given value.
	Counters map[string]int64
	// LastReset, when non-zero, advances the tenant's last reset stamp.
	// Stores never move it backwards.
	LastReset time.Time
}

// Store is the tenant store consumed by the ledger and the reconciliation job.
type Store interface {
	// Get returns a copy of the tenant record or ErrNotFound.
	Get(ctx context.Context, tenantID string) (*model.TenantRecord, error)

	// ConditionalIncrement atomically increments the category counter by one
	// if and only if it is below limit. It reports whether the increment was
	// applied. Returns ErrNotFound when the tenant does not exist.
	ConditionalIncrement(ctx context.Context, tenantID, category string, limit int64) (bool, error)

	// Query returns tenants whose counter for category satisfies op value.
	Query(ctx context.Context, category string, op Operator, value int64) ([]*model.TenantRecord, error)

	// BatchUpdate applies all updates atomically. At most MaxBatchSize updates.
	BatchUpdate(ctx context.Context, updates []Update) error

	// Create provisions a new tenant record.
	Create(ctx context.Context, rec *model.TenantRecord) error

	Ping(ctx context.Context) error
	Close() error
}

func checkBatch(updates []Update) error {
	if len(updates) > MaxBatchSize {
		return fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(updates))
	}
	return nil
}
