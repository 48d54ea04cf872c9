package scheduler

import (
	"context"
	"time"

	"gorm.io/gorm"

	"dripflow/models"
)

// History actions
const (
	ActionCampaignCreated    = "campaign_created"
	ActionMaterialized       = "occurrences_materialized"
	ActionActivated          = "campaign_activated"
	ActionResumed            = "campaign_resumed"
	ActionActivationFailed   = "campaign_activation_failed"
	ActionPaused             = "campaign_paused"
	ActionAutoPaused         = "campaign_auto_paused"
	ActionCancelled          = "campaign_cancelled"
	ActionGenerationStarted  = "generation_started"
	ActionGenerated          = "content_generated"
	ActionGenerationFailed   = "generation_failed"
	ActionNotified           = "review_notified"
	ActionNotificationFailed = "review_notification_failed"
	ActionAutoApproved       = "auto_approved"
	ActionPublishing         = "publishing_started"
	ActionPublished          = "published"
	ActionPublishFailed      = "publish_failed"
	ActionEdited             = "content_edited"
	ActionApproved           = "approved"
	ActionSkipped            = "skipped"
	ActionPostCancelled      = "occurrence_cancelled"
	ActionRetried            = "retry_requested"
)

// HistoryRecorder appends audit entries. Writes take the caller's transaction so an
// entry is committed together with the transition it describes.
type HistoryRecorder struct {
	db  *gorm.DB
	now func() time.Time
}

func NewHistoryRecorder(db *gorm.DB) *HistoryRecorder {
	return &HistoryRecorder{db: db, now: time.Now}
}

func (h *HistoryRecorder) Record(tx *gorm.DB, entry models.DripHistory) error {
	if tx == nil {
		tx = h.db
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = h.now().UTC()
	}
	return tx.Create(&entry).Error
}

func (h *HistoryRecorder) RecordBatch(tx *gorm.DB, entries []models.DripHistory) error {
	if len(entries) == 0 {
		return nil
	}
	if tx == nil {
		tx = h.db
	}
	now := h.now().UTC()
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}
	return tx.CreateInBatches(entries, 100).Error
}

// List returns entries of a campaign, or of one occurrence when postID is set, oldest first
func (h *HistoryRecorder) List(ctx context.Context, campaignID uint, postID *uint, limit, offset int) ([]models.DripHistory, int64, error) {
	query := h.db.WithContext(ctx).Model(&models.DripHistory{}).Where("campaign_id = ?", campaignID)
	if postID != nil {
		query = query.Where("post_id = ?", *postID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.DripHistory
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	if err := query.Order("id ASC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func postEntry(post *models.DripPost, action, from, to string, actor *uint, details map[string]interface{}) models.DripHistory {
	id := post.ID
	return models.DripHistory{
		CampaignID:     post.CampaignID,
		PostID:         &id,
		Action:         action,
		PreviousStatus: from,
		NewStatus:      to,
		ActorID:        actor,
		Details:        details,
	}
}

func campaignEntry(campaign *models.DripCampaign, action, from, to string, actor *uint, details map[string]interface{}) models.DripHistory {
	return models.DripHistory{
		CampaignID:     campaign.ID,
		Action:         action,
		PreviousStatus: from,
		NewStatus:      to,
		ActorID:        actor,
		Details:        details,
	}
}
