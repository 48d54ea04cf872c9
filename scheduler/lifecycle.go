package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/utils"
)

// CampaignEvent drives the campaign state machine
type CampaignEvent string

const (
	EventActivate  CampaignEvent = "activate"
	EventPause     CampaignEvent = "pause"
	EventAutoPause CampaignEvent = "auto_pause"
	EventCancel    CampaignEvent = "cancel"
)

// campaignTransitions maps event -> current status -> next status.
// completed is reached outside of this engine and has no outgoing edge.
var campaignTransitions = map[CampaignEvent]map[string]string{
	EventActivate: {
		models.CampaignStatusDraft:  models.CampaignStatusActive,
		models.CampaignStatusPaused: models.CampaignStatusActive,
		models.CampaignStatusError:  models.CampaignStatusActive,
	},
	EventPause: {
		models.CampaignStatusActive: models.CampaignStatusPaused,
	},
	EventAutoPause: {
		models.CampaignStatusActive: models.CampaignStatusError,
	},
	EventCancel: {
		models.CampaignStatusDraft:  models.CampaignStatusCancelled,
		models.CampaignStatusActive: models.CampaignStatusCancelled,
		models.CampaignStatusPaused: models.CampaignStatusCancelled,
		models.CampaignStatusError:  models.CampaignStatusCancelled,
	},
}

func nextCampaignStatus(current string, event CampaignEvent) (string, bool) {
	next, ok := campaignTransitions[event][current]
	return next, ok
}

// Lifecycle owns campaign status transitions and the occurrence counters. Nothing else
// writes those columns.
type Lifecycle struct {
	history      *HistoryRecorder
	orchestrator *Orchestrator
	logger       *logrus.Entry
	now          func() time.Time
}

func NewLifecycle(history *HistoryRecorder, orchestrator *Orchestrator, logger *logrus.Entry) *Lifecycle {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Lifecycle{
		history:      history,
		orchestrator: orchestrator,
		logger:       logger.WithField("component", "lifecycle"),
		now:          time.Now,
	}
}

// Transition applies event to campaign. The write is conditional on the status the
// caller read, so a concurrent transition surfaces as a state conflict.
func (l *Lifecycle) Transition(tx *gorm.DB, campaign *models.DripCampaign, event CampaignEvent, actor *uint, fields, details map[string]interface{}) error {
	previous := campaign.Status
	next, ok := nextCampaignStatus(previous, event)
	if !ok {
		return &StateConflictError{Entity: "campaign", ID: campaign.ID, Status: previous, Action: string(event)}
	}

	now := l.now().UTC()
	updates := map[string]interface{}{
		"status":     next,
		"updated_at": now,
	}
	action := ActionCancelled
	switch event {
	case EventActivate:
		updates["activation_count"] = gorm.Expr("activation_count + ?", 1)
		updates["activated_at"] = now
		updates["paused_at"] = nil
		action = ActionActivated
		if previous != models.CampaignStatusDraft {
			action = ActionResumed
		}
	case EventPause:
		updates["paused_at"] = now
		action = ActionPaused
	case EventAutoPause:
		updates["paused_at"] = now
		action = ActionAutoPaused
	case EventCancel:
		updates["cancelled_at"] = now
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := tx.Model(&models.DripCampaign{}).
		Where("id = ? AND status = ?", campaign.ID, previous).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to %s campaign %d: %w", event, campaign.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &StateConflictError{Entity: "campaign", ID: campaign.ID, Status: previous, Action: string(event), Reason: "campaign changed concurrently"}
	}

	campaign.Status = next
	return l.history.Record(tx, campaignEntry(campaign, action, previous, next, actor, details))
}

// RecordPublishSuccess counts a published occurrence and breaks the error streak
func (l *Lifecycle) RecordPublishSuccess(tx *gorm.DB, campaignID uint) error {
	return tx.Model(&models.DripCampaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"completed_occurrences": gorm.Expr("completed_occurrences + ?", 1),
			"consecutive_errors":    0,
			"updated_at":            l.now().UTC(),
		}).Error
}

// RecordPublishFailure counts a failed occurrence and applies the failure threshold.
// It reports whether the campaign was moved to error; the caller must then Halt it once
// the transaction has committed.
func (l *Lifecycle) RecordPublishFailure(tx *gorm.DB, campaignID uint, cause string) (bool, error) {
	err := tx.Model(&models.DripCampaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"failed_occurrences": gorm.Expr("failed_occurrences + ?", 1),
			"consecutive_errors": gorm.Expr("consecutive_errors + ?", 1),
			"last_error":         cause,
			"updated_at":         l.now().UTC(),
		}).Error
	if err != nil {
		return false, fmt.Errorf("failed to count publish failure: %w", err)
	}

	var campaign models.DripCampaign
	if err := tx.First(&campaign, campaignID).Error; err != nil {
		return false, err
	}

	threshold := campaign.MaxConsecutiveErrors
	if threshold < 1 {
		threshold = 1
	}
	if campaign.Status != models.CampaignStatusActive || campaign.ConsecutiveErrors < threshold {
		return false, nil
	}

	err = l.Transition(tx, &campaign, EventAutoPause, nil, nil, map[string]interface{}{
		"consecutive_errors":     campaign.ConsecutiveErrors,
		"max_consecutive_errors": campaign.MaxConsecutiveErrors,
		"last_error":             cause,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordRetry takes a failed occurrence back out of the failure count
func (l *Lifecycle) RecordRetry(tx *gorm.DB, campaignID uint) error {
	return tx.Model(&models.DripCampaign{}).
		Where("id = ? AND failed_occurrences > 0", campaignID).
		Updates(map[string]interface{}{
			"failed_occurrences": gorm.Expr("failed_occurrences - ?", 1),
			"updated_at":         l.now().UTC(),
		}).Error
}

// Halt cancels the outstanding jobs of a campaign that left the active state
func (l *Lifecycle) Halt(ctx context.Context, campaignID uint, reason string) {
	removed, err := l.orchestrator.CancelCampaignJobs(ctx, campaignID)
	if err != nil {
		utils.LogError("campaign_halt_failed", err, map[string]interface{}{
			"campaign_id": campaignID,
			"reason":      reason,
		})
		return
	}
	utils.LogEvent("campaign_halted", map[string]interface{}{
		"campaign_id":  campaignID,
		"reason":       reason,
		"jobs_removed": removed,
	})
}
