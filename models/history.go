package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrHistoryImmutable is returned when something tries to rewrite the audit trail
var ErrHistoryImmutable = errors.New("history entries are append-only")

// DripHistory is an immutable audit record of a campaign or occurrence transition
type DripHistory struct {
	ID             uint                   `gorm:"primaryKey" json:"id"`
	CampaignID     uint                   `gorm:"not null;index" json:"campaign_id"`
	PostID         *uint                  `gorm:"index" json:"post_id"`
	Action         string                 `gorm:"not null" json:"action"`
	PreviousStatus string                 `json:"previous_status"`
	NewStatus      string                 `json:"new_status"`
	ActorID        *uint                  `json:"actor_id"` // nil for system transitions
	Details        map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"details,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `gorm:"not null" json:"created_at"`
}

func (h *DripHistory) BeforeUpdate(tx *gorm.DB) error {
	return ErrHistoryImmutable
}

func (h *DripHistory) BeforeDelete(tx *gorm.DB) error {
	return ErrHistoryImmutable
}
