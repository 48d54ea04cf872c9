package scheduler

import (
	"context"
	"time"

	"dripflow/models"
	"dripflow/queue"
)

// Page selects a window of a list; zero values fall back to the first 20 rows
type Page struct {
	Page  int `query:"page"`
	Limit int `query:"limit"`
}

// Normalize applies the defaults and the 100 row cap
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.Limit
}

func (s *Service) GetCampaign(ctx context.Context, workspaceID, campaignID uint) (*models.DripCampaign, error) {
	return s.campaign(ctx, workspaceID, campaignID)
}

// ListCampaigns returns the campaigns of a workspace, newest first
func (s *Service) ListCampaigns(ctx context.Context, workspaceID uint, status string, page Page) ([]models.DripCampaign, int64, error) {
	page = page.Normalize()
	query := s.db.WithContext(ctx).Model(&models.DripCampaign{}).Where("workspace_id = ?", workspaceID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var campaigns []models.DripCampaign
	err := query.Order("id DESC").Limit(page.Limit).Offset(page.offset()).Find(&campaigns).Error
	return campaigns, total, err
}

func (s *Service) GetPost(ctx context.Context, workspaceID, postID uint) (*models.DripPost, error) {
	return s.post(ctx, workspaceID, postID)
}

// ListPosts returns the occurrences of a campaign in schedule order
func (s *Service) ListPosts(ctx context.Context, workspaceID, campaignID uint, status string, page Page) ([]models.DripPost, int64, error) {
	if _, err := s.campaign(ctx, workspaceID, campaignID); err != nil {
		return nil, 0, err
	}

	page = page.Normalize()
	query := s.db.WithContext(ctx).Model(&models.DripPost{}).Where("campaign_id = ?", campaignID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var posts []models.DripPost
	err := query.Order("occurrence_number ASC").Limit(page.Limit).Offset(page.offset()).Find(&posts).Error
	return posts, total, err
}

// ListHistory returns the audit trail of a campaign, or of one of its occurrences
func (s *Service) ListHistory(ctx context.Context, workspaceID, campaignID uint, postID *uint, page Page) ([]models.DripHistory, int64, error) {
	if _, err := s.campaign(ctx, workspaceID, campaignID); err != nil {
		return nil, 0, err
	}
	page = page.Normalize()
	return s.history.List(ctx, campaignID, postID, page.Limit, page.offset())
}

// CampaignStats summarizes the progress of a campaign
type CampaignStats struct {
	CampaignID           uint             `json:"campaign_id"`
	Status               string           `json:"status"`
	TotalOccurrences     int              `json:"total_occurrences"`
	CompletedOccurrences int              `json:"completed_occurrences"`
	FailedOccurrences    int              `json:"failed_occurrences"`
	ConsecutiveErrors    int              `json:"consecutive_errors"`
	MaxConsecutiveErrors int              `json:"max_consecutive_errors"`
	ByStatus             map[string]int64 `json:"by_status"`
	NextScheduledAt      *time.Time       `json:"next_scheduled_at,omitempty"`
	Queue                *queue.Stats     `json:"queue,omitempty"`
}

func (s *Service) GetStats(ctx context.Context, workspaceID, campaignID uint) (*CampaignStats, error) {
	campaign, err := s.campaign(ctx, workspaceID, campaignID)
	if err != nil {
		return nil, err
	}

	stats := &CampaignStats{
		CampaignID:           campaign.ID,
		Status:               campaign.Status,
		TotalOccurrences:     campaign.TotalOccurrences,
		CompletedOccurrences: campaign.CompletedOccurrences,
		FailedOccurrences:    campaign.FailedOccurrences,
		ConsecutiveErrors:    campaign.ConsecutiveErrors,
		MaxConsecutiveErrors: campaign.MaxConsecutiveErrors,
		ByStatus:             make(map[string]int64),
	}

	var counts []struct {
		Status string
		Count  int64
	}
	err = s.db.WithContext(ctx).Model(&models.DripPost{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
	}

	var upcoming []models.DripPost
	err = s.db.WithContext(ctx).
		Select("id", "scheduled_at").
		Where("campaign_id = ? AND status IN ?", campaign.ID, schedulableStatuses).
		Order("occurrence_number ASC").
		Find(&upcoming).Error
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, p := range upcoming {
		if p.ScheduledAt.After(now) {
			at := p.ScheduledAt
			stats.NextScheduledAt = &at
			break
		}
	}

	if s.queueStats != nil {
		if qs, err := s.queueStats.Stats(ctx); err == nil {
			stats.Queue = &qs
		} else {
			s.logger.WithError(err).Warn("Failed to read queue stats")
		}
	}
	return stats, nil
}
