package scheduler

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/utils"
)

// Materializer turns a campaign schedule into persisted occurrences
type Materializer struct {
	history *HistoryRecorder
	now     func() time.Time
}

func NewMaterializer(history *HistoryRecorder) *Materializer {
	return &Materializer{history: history, now: time.Now}
}

// Plan computes the occurrences of a campaign without touching the database
func (m *Materializer) Plan(campaign *models.DripCampaign) ([]models.DripPost, error) {
	loc, err := time.LoadLocation(campaign.Schedule.Timezone)
	if err != nil {
		return nil, invalid("unknown timezone %q", campaign.Schedule.Timezone)
	}

	dates := utils.CalculateOccurrences(campaign.Schedule)
	if err := utils.CheckOccurrenceCount(len(dates)); err != nil {
		return nil, invalid("%s", err.Error())
	}

	generationLead := time.Duration(campaign.GenerationLeadMinutes) * time.Minute
	notificationLead := time.Duration(campaign.NotificationLeadMinutes) * time.Minute

	posts := make([]models.DripPost, 0, len(dates))
	for i, date := range dates {
		scheduledAt, err := utils.ScheduledInstant(date, campaign.Schedule.TimeOfDay, loc)
		if err != nil {
			return nil, invalid("%s", err.Error())
		}
		posts = append(posts, models.DripPost{
			CampaignID:          campaign.ID,
			WorkspaceID:         campaign.WorkspaceID,
			OccurrenceNumber:    i + 1,
			Status:              models.PostStatusPending,
			ScheduledAt:         scheduledAt,
			AIGenerationAt:      scheduledAt.Add(-generationLead),
			EmailNotificationAt: scheduledAt.Add(-notificationLead),
		})
	}
	return posts, nil
}

// Materialize persists every occurrence in one batch and freezes TotalOccurrences.
// It is a no-op for a campaign that was materialized before, so resuming reuses the
// existing rows.
func (m *Materializer) Materialize(tx *gorm.DB, campaign *models.DripCampaign, actor *uint) (int, error) {
	if campaign.MaterializedAt != nil {
		return 0, nil
	}

	posts, err := m.Plan(campaign)
	if err != nil {
		return 0, err
	}

	if err := tx.CreateInBatches(posts, 100).Error; err != nil {
		return 0, fmt.Errorf("failed to create occurrences: %w", err)
	}

	now := m.now().UTC()
	res := tx.Model(&models.DripCampaign{}).
		Where("id = ? AND materialized_at IS NULL", campaign.ID).
		Updates(map[string]interface{}{
			"total_occurrences": len(posts),
			"materialized_at":   now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to freeze occurrence count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, &StateConflictError{Entity: "campaign", ID: campaign.ID, Status: campaign.Status, Action: "materialize", Reason: "already materialized"}
	}

	campaign.TotalOccurrences = len(posts)
	campaign.MaterializedAt = &now

	first, last := posts[0].ScheduledAt, posts[len(posts)-1].ScheduledAt
	err = m.history.Record(tx, campaignEntry(campaign, ActionMaterialized, campaign.Status, campaign.Status, actor, map[string]interface{}{
		"occurrences": len(posts),
		"first_at":    first.Format(time.RFC3339),
		"last_at":     last.Format(time.RFC3339),
	}))
	if err != nil {
		return 0, err
	}
	return len(posts), nil
}
