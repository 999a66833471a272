// internal/model/tenant.go
package model

import (
	"time"
)

// Well-known quota categories. Categories are free-form names; these are the
// ones the service ships limits for.
const (
	CategoryRequests       = "requests"
	CategoryProfileChanges = "profileChanges"
	CategoryMails          = "mails"
)

// TenantRecord is the per-tenant quota state held by the tenant store.
type TenantRecord struct {
	ID           string           `json:"id" db:"id" yaml:"id"`
	Counters     map[string]int64 `json:"counters" yaml:"counters,omitempty"`
	Limits       map[string]int64 `json:"limits" yaml:"limits"`
	LastReset    time.Time        `json:"last_reset" db:"last_reset" yaml:"-"`
	PriorityTier Tier             `json:"priority_tier" db:"priority_tier" yaml:"tier"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at" yaml:"-"`
}

// Counter returns the current count for category, zero when untracked.
func (t *TenantRecord) Counter(category string) int64 {
	return t.Counters[category]
}

// HasUsage reports whether any of the given categories has a non-zero counter.
func (t *TenantRecord) HasUsage(categories []string) bool {
	for _, c := range categories {
		if t.Counters[c] > 0 {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can't mutate store-owned maps.
func (t *TenantRecord) Clone() *TenantRecord {
	out := *t
	out.Counters = make(map[string]int64, len(t.Counters))
	for k, v := range t.Counters {
		out.Counters[k] = v
	}
	out.Limits = make(map[string]int64, len(t.Limits))
	for k, v := range t.Limits {
		out.Limits[k] = v
	}
	return &out
}

// CategoryUsage is the quota view for one category of one tenant.
type CategoryUsage struct {
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}
