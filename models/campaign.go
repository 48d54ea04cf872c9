package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCancelled = "cancelled"
	CampaignStatusCompleted = "completed"
	CampaignStatusError     = "error"
)

// Recurrence types
const (
	RecurrenceDaily  = "daily"
	RecurrenceWeekly = "weekly"
	RecurrenceCustom = "custom"
)

// Schedule is the recurrence definition of a drip campaign.
// StartDate and EndDate only carry a calendar date; the time part is ignored.
type Schedule struct {
	RecurrenceType string    `gorm:"not null" json:"recurrence_type"` // daily, weekly, custom
	TimeOfDay      string    `gorm:"not null" json:"time_of_day"`     // HH:MM
	Timezone       string    `gorm:"not null;default:'UTC'" json:"timezone"`
	DaysOfWeek     []int     `gorm:"type:jsonb;serializer:json" json:"days_of_week"` // 0 = Sunday
	IntervalDays   int       `gorm:"default:0" json:"interval_days"`
	StartDate      time.Time `gorm:"not null" json:"start_date"`
	EndDate        time.Time `gorm:"not null" json:"end_date"`
}

// Targeting describes where and how content is produced
type Targeting struct {
	ChannelIDs []uint `gorm:"type:jsonb;serializer:json" json:"channel_ids"`
	Niche      string `gorm:"not null" json:"niche"`
	Tone       string `json:"tone"`
	Language   string `gorm:"default:'en'" json:"language"`
	Guidance   string `json:"guidance"`
}

// DripCampaign is a recurring publication schedule and its runtime counters.
// Counters are only mutated by the scheduler's lifecycle manager.
type DripCampaign struct {
	gorm.Model
	WorkspaceID uint   `gorm:"not null;index" json:"workspace_id"`
	CreatedBy   uint   `gorm:"index" json:"created_by"`
	Name        string `gorm:"not null" json:"name"`

	Schedule  Schedule  `gorm:"embedded" json:"schedule"`
	Targeting Targeting `gorm:"embedded" json:"targeting"`

	// Generation policy
	AutoApprove             bool   `gorm:"default:false" json:"auto_approve"`
	GenerationLeadMinutes   int    `gorm:"default:60" json:"generation_lead_minutes"`
	NotificationLeadMinutes int    `gorm:"default:30" json:"notification_lead_minutes"`
	NotifyEmail             string `json:"notify_email"`

	// Counters
	TotalOccurrences     int `gorm:"default:0" json:"total_occurrences"`
	CompletedOccurrences int `gorm:"default:0" json:"completed_occurrences"`
	FailedOccurrences    int `gorm:"default:0" json:"failed_occurrences"`
	ConsecutiveErrors    int `gorm:"default:0" json:"consecutive_errors"`
	MaxConsecutiveErrors int `gorm:"default:3" json:"max_consecutive_errors"`

	Status          string     `gorm:"default:'draft';index" json:"status"` // draft, active, paused, cancelled, completed, error
	ActivationCount int        `gorm:"default:0" json:"activation_count"`
	MaterializedAt  *time.Time `json:"materialized_at"`
	ActivatedAt     *time.Time `json:"activated_at"`
	PausedAt        *time.Time `json:"paused_at"`
	CancelledAt     *time.Time `json:"cancelled_at"`
	LastError       string     `json:"last_error"`

	// Relations
	Posts []DripPost `gorm:"foreignKey:CampaignID" json:"posts,omitempty"`
}

// IsTerminalCampaignStatus reports whether the engine stops driving a campaign in this
// status. error is terminal until someone reactivates the campaign.
func IsTerminalCampaignStatus(status string) bool {
	switch status {
	case CampaignStatusCancelled, CampaignStatusCompleted, CampaignStatusError:
		return true
	}
	return false
}
