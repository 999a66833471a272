// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Event types published on the quota events queue.
const (
	EventQuotaExceeded = "quota.exceeded"
	EventQuotaReset    = "quota.reset"
)

// Event is a quota lifecycle notification.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	ResetCount int       `json:"reset_count,omitempty"`
	Total      int       `json:"total,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewEvent stamps a new event with an ID and creation time.
func NewEvent(eventType string, at time.Time) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		CreatedAt: at,
	}
}
