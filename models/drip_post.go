package models

import (
	"time"

	"gorm.io/gorm"
)

// Occurrence statuses
const (
	PostStatusPending       = "pending"
	PostStatusGenerating    = "generating"
	PostStatusPendingReview = "pending_review"
	PostStatusApproved      = "approved"
	PostStatusPublishing    = "publishing"
	PostStatusPublished     = "published"
	PostStatusFailed        = "failed"
	PostStatusSkipped       = "skipped"
	PostStatusCancelled     = "cancelled"
)

// DefaultVariant is the content key used when a platform has no dedicated text
const DefaultVariant = "default"

// DripPost is one scheduled occurrence of a drip campaign
type DripPost struct {
	gorm.Model
	CampaignID       uint `gorm:"not null;uniqueIndex:idx_drip_post_occurrence,priority:1" json:"campaign_id"`
	WorkspaceID      uint `gorm:"not null;index" json:"workspace_id"`
	OccurrenceNumber int  `gorm:"not null;uniqueIndex:idx_drip_post_occurrence,priority:2" json:"occurrence_number"`

	Status              string    `gorm:"default:'pending';index" json:"status"`
	ScheduledAt         time.Time `gorm:"not null" json:"scheduled_at"`
	AIGenerationAt      time.Time `gorm:"not null" json:"ai_generation_at"`
	EmailNotificationAt time.Time `gorm:"not null" json:"email_notification_at"`

	// Generated content, keyed by platform
	Content       map[string]string `gorm:"type:jsonb;serializer:json" json:"content"`
	SearchContext string            `json:"search_context"`

	// Review metadata
	OriginalContent map[string]string `gorm:"type:jsonb;serializer:json" json:"original_content,omitempty"`
	ReviewedBy      *uint             `json:"reviewed_by"`
	ReviewedAt      *time.Time        `json:"reviewed_at"`
	EditedAt        *time.Time        `json:"edited_at"`

	// Queue references, one per stage
	GenerationJobID   *string `gorm:"index" json:"generation_job_id"`
	NotificationJobID *string `gorm:"index" json:"notification_job_id"`
	PublishJobID      *string `gorm:"index" json:"publish_job_id"`

	GeneratedAt *time.Time `json:"generated_at"`
	NotifiedAt  *time.Time `json:"notified_at"`
	PublishedAt *time.Time `json:"published_at"`
	PostRef     string     `json:"post_ref"` // publisher reference

	RetryCount  int        `gorm:"default:0" json:"retry_count"`
	LastError   string     `json:"last_error"`
	LastErrorAt *time.Time `json:"last_error_at"`

	// FailureCounted is set while the campaign's failed counter includes this occurrence
	FailureCounted bool `gorm:"default:false" json:"failure_counted"`
}

// HasPendingJobs reports whether any stage still references a queue job
func (p *DripPost) HasPendingJobs() bool {
	return p.GenerationJobID != nil || p.NotificationJobID != nil || p.PublishJobID != nil
}

// TextFor returns the content variant for a platform
func (p *DripPost) TextFor(platform string) string {
	if text, ok := p.Content[platform]; ok && text != "" {
		return text
	}
	return p.Content[DefaultVariant]
}
