package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/utils"
)

const dateLayout = "2006-01-02"

// Deps wires the engine to its storage, queue and collaborators
type Deps struct {
	DB         *gorm.DB
	Queue      JobQueue
	QueueStats QueueStats // optional
	Generator  ContentGenerator
	Notifier   ReviewNotifier
	Publisher  Publisher
	Channels   ChannelDirectory
	AppURL     string
	Logger     *logrus.Entry

	DefaultMaxConsecutiveErrors int
}

// Service is the entry point the transport layer calls into
type Service struct {
	db           *gorm.DB
	history      *HistoryRecorder
	materializer *Materializer
	orchestrator *Orchestrator
	lifecycle    *Lifecycle
	processor    *Processor
	channels     ChannelDirectory
	queueStats   QueueStats
	logger       *logrus.Entry
	now          func() time.Time

	defaultMaxErrors int
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	history := NewHistoryRecorder(d.DB)
	orchestrator := NewOrchestrator(d.DB, d.Queue, logger)
	lifecycle := NewLifecycle(history, orchestrator, logger)

	maxErrors := d.DefaultMaxConsecutiveErrors
	if maxErrors < 1 {
		maxErrors = 3
	}

	return &Service{
		db:           d.DB,
		history:      history,
		materializer: NewMaterializer(history),
		orchestrator: orchestrator,
		lifecycle:    lifecycle,
		processor: NewProcessor(ProcessorDeps{
			DB:        d.DB,
			History:   history,
			Lifecycle: lifecycle,
			Generator: d.Generator,
			Notifier:  d.Notifier,
			Publisher: d.Publisher,
			Channels:  d.Channels,
			AppURL:    d.AppURL,
			Logger:    logger,
		}),
		channels:         d.Channels,
		queueStats:       d.QueueStats,
		logger:           logger.WithField("component", "scheduler"),
		now:              time.Now,
		defaultMaxErrors: maxErrors,
	}
}

// Processor returns the stage processor the queue workers run
func (s *Service) Processor() *Processor {
	return s.processor
}

func (s *Service) setClock(now func() time.Time) {
	s.now = now
	s.history.now = now
	s.materializer.now = now
	s.orchestrator.now = now
	s.lifecycle.now = now
	s.processor.now = now
}

// CreateCampaignInput is the payload of a new drip campaign
type CreateCampaignInput struct {
	Name string `json:"name" validate:"required,max=200"`

	RecurrenceType string `json:"recurrence_type" validate:"required,oneof=daily weekly custom"`
	TimeOfDay      string `json:"time_of_day" validate:"required,hhmm"`
	Timezone       string `json:"timezone" validate:"required,timezone"`
	DaysOfWeek     []int  `json:"days_of_week" validate:"required_if=RecurrenceType weekly,dive,min=0,max=6"`
	IntervalDays   int    `json:"interval_days" validate:"required_if=RecurrenceType custom,omitempty,min=1,max=365"`
	StartDate      string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate        string `json:"end_date" validate:"required,datetime=2006-01-02"`

	ChannelIDs []uint `json:"channel_ids" validate:"required,min=1"`
	Niche      string `json:"niche" validate:"required,max=200"`
	Tone       string `json:"tone" validate:"max=50"`
	Language   string `json:"language" validate:"omitempty,min=2,max=10"`
	Guidance   string `json:"guidance" validate:"max=2000"`

	AutoApprove             bool   `json:"auto_approve"`
	GenerationLeadMinutes   *int   `json:"generation_lead_minutes" validate:"omitempty,min=0,max=10080"`
	NotificationLeadMinutes *int   `json:"notification_lead_minutes" validate:"omitempty,min=0,max=10080"`
	NotifyEmail             string `json:"notify_email" validate:"required_if=AutoApprove false,omitempty,email"`
	MaxConsecutiveErrors    int    `json:"max_consecutive_errors" validate:"omitempty,min=1,max=100"`
}

// CreateCampaign validates the schedule and stores the campaign as a draft
func (s *Service) CreateCampaign(ctx context.Context, workspaceID, actorID uint, in CreateCampaignInput) (*models.DripCampaign, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if in.NotifyEmail != "" {
		if err := checkmail.ValidateFormat(in.NotifyEmail); err != nil {
			return nil, invalid("notify_email is not a valid address")
		}
	}

	start, _ := time.Parse(dateLayout, in.StartDate)
	end, _ := time.Parse(dateLayout, in.EndDate)
	if end.Before(start) {
		return nil, invalid("end_date must not be before start_date")
	}

	generationLead, notificationLead := 60, 30
	if in.GenerationLeadMinutes != nil {
		generationLead = *in.GenerationLeadMinutes
	}
	if in.NotificationLeadMinutes != nil {
		notificationLead = *in.NotificationLeadMinutes
	}
	if !in.AutoApprove && notificationLead >= generationLead {
		return nil, invalid("notification_lead_minutes must be smaller than generation_lead_minutes")
	}

	maxErrors := in.MaxConsecutiveErrors
	if maxErrors == 0 {
		maxErrors = s.defaultMaxErrors
	}
	language := in.Language
	if language == "" {
		language = "en"
	}

	campaign := &models.DripCampaign{
		WorkspaceID: workspaceID,
		CreatedBy:   actorID,
		Name:        in.Name,
		Schedule: models.Schedule{
			RecurrenceType: in.RecurrenceType,
			TimeOfDay:      in.TimeOfDay,
			Timezone:       in.Timezone,
			DaysOfWeek:     in.DaysOfWeek,
			IntervalDays:   in.IntervalDays,
			StartDate:      start,
			EndDate:        end,
		},
		Targeting: models.Targeting{
			ChannelIDs: in.ChannelIDs,
			Niche:      in.Niche,
			Tone:       in.Tone,
			Language:   language,
			Guidance:   in.Guidance,
		},
		AutoApprove:             in.AutoApprove,
		GenerationLeadMinutes:   generationLead,
		NotificationLeadMinutes: notificationLead,
		NotifyEmail:             in.NotifyEmail,
		MaxConsecutiveErrors:    maxErrors,
		Status:                  models.CampaignStatusDraft,
	}

	// Reject schedules that can never be activated
	planned, err := s.materializer.Plan(campaign)
	if err != nil {
		return nil, err
	}
	if err := s.checkChannels(ctx, workspaceID, in.ChannelIDs); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(campaign).Error; err != nil {
			return err
		}
		return s.history.Record(tx, campaignEntry(campaign, ActionCampaignCreated, "", models.CampaignStatusDraft, actor(actorID), map[string]interface{}{
			"recurrence_type": in.RecurrenceType,
			"occurrences":     len(planned),
		}))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	utils.LogEvent("campaign_created", map[string]interface{}{
		"campaign_id":  campaign.ID,
		"workspace_id": workspaceID,
		"occurrences":  len(planned),
	})
	return campaign, nil
}

// ActivateOptions qualify an activation
type ActivateOptions struct {
	// AcknowledgeErrors is required to reactivate a campaign in error and resets its
	// consecutive error count.
	AcknowledgeErrors bool `json:"acknowledge_errors"`
}

// ActivateCampaign starts a draft campaign or resumes a paused or failed one. The first
// activation materializes the occurrences; later ones reuse them.
func (s *Service) ActivateCampaign(ctx context.Context, workspaceID, campaignID, actorID uint, opts ActivateOptions) (*models.DripCampaign, error) {
	campaign, err := s.campaign(ctx, workspaceID, campaignID)
	if err != nil {
		return nil, err
	}

	previous := campaign.Status
	if _, ok := nextCampaignStatus(previous, EventActivate); !ok {
		return nil, &StateConflictError{Entity: "campaign", ID: campaign.ID, Status: previous, Action: string(EventActivate)}
	}
	if previous == models.CampaignStatusError && !opts.AcknowledgeErrors {
		return nil, &StateConflictError{
			Entity: "campaign", ID: campaign.ID, Status: previous, Action: string(EventActivate),
			Reason: "consecutive publish errors must be acknowledged",
		}
	}
	if campaign.MaterializedAt == nil {
		if err := s.checkChannels(ctx, workspaceID, campaign.Targeting.ChannelIDs); err != nil {
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.materializer.Materialize(tx, campaign, actor(actorID)); err != nil {
			return err
		}
		fields := map[string]interface{}{"last_error": ""}
		if previous == models.CampaignStatusError {
			fields["consecutive_errors"] = 0
		}
		return s.lifecycle.Transition(tx, campaign, EventActivate, actor(actorID), fields, map[string]interface{}{
			"acknowledged_errors": opts.AcknowledgeErrors,
		})
	})
	if err != nil {
		return nil, err
	}

	campaign, err = s.campaign(ctx, workspaceID, campaignID)
	if err != nil {
		return nil, err
	}

	jobs, err := s.orchestrator.ScheduleCampaign(ctx, campaign)
	if err != nil {
		s.rollbackActivation(ctx, campaign, previous, err)
		return nil, fmt.Errorf("failed to schedule campaign %d: %w", campaign.ID, err)
	}

	utils.LogEvent("campaign_activated", map[string]interface{}{
		"campaign_id": campaign.ID,
		"activation":  campaign.ActivationCount,
		"jobs":        jobs,
	})
	return campaign, nil
}

// rollbackActivation withdraws the jobs of a half-scheduled activation and restores the
// previous status.
func (s *Service) rollbackActivation(ctx context.Context, campaign *models.DripCampaign, previous string, cause error) {
	if _, err := s.orchestrator.CancelCampaignJobs(ctx, campaign.ID); err != nil {
		s.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("Failed to withdraw jobs of failed activation")
	}

	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DripCampaign{}).
			Where("id = ? AND status = ? AND activation_count = ?", campaign.ID, models.CampaignStatusActive, campaign.ActivationCount).
			Updates(map[string]interface{}{
				"status":     previous,
				"last_error": cause.Error(),
				"updated_at": now,
			})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		entry := campaignEntry(campaign, ActionActivationFailed, models.CampaignStatusActive, previous, nil, nil)
		entry.Error = cause.Error()
		return s.history.Record(tx, entry)
	})
	if err != nil {
		s.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("Failed to roll back activation")
	}
	utils.LogError("campaign_activation_failed", cause, map[string]interface{}{"campaign_id": campaign.ID})
}

// PauseCampaign stops an active campaign. Occurrences are kept as they are; their
// pending jobs are withdrawn without waiting for jobs already running.
func (s *Service) PauseCampaign(ctx context.Context, workspaceID, campaignID, actorID uint) (*models.DripCampaign, error) {
	campaign, err := s.campaign(ctx, workspaceID, campaignID)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.lifecycle.Transition(tx, campaign, EventPause, actor(actorID), nil, nil)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.orchestrator.CancelCampaignJobs(ctx, campaign.ID); err != nil {
		s.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("Failed to cancel jobs of paused campaign")
	}
	return s.campaign(ctx, workspaceID, campaignID)
}

// CancelCampaign ends a campaign for good and cancels every occurrence that has not run
func (s *Service) CancelCampaign(ctx context.Context, workspaceID, campaignID, actorID uint) (*models.DripCampaign, error) {
	campaign, err := s.campaign(ctx, workspaceID, campaignID)
	if err != nil {
		return nil, err
	}

	cancelled := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lifecycle.Transition(tx, campaign, EventCancel, actor(actorID), nil, nil); err != nil {
			return err
		}

		var posts []models.DripPost
		if err := tx.Where("campaign_id = ? AND status IN ?", campaign.ID, schedulableStatuses).Find(&posts).Error; err != nil {
			return err
		}
		if len(posts) == 0 {
			return nil
		}

		ids := make([]uint, len(posts))
		entries := make([]models.DripHistory, len(posts))
		for i := range posts {
			ids[i] = posts[i].ID
			entries[i] = postEntry(&posts[i], ActionPostCancelled, posts[i].Status, models.PostStatusCancelled, actor(actorID), nil)
		}

		err := tx.Model(&models.DripPost{}).
			Where("id IN ? AND status IN ?", ids, schedulableStatuses).
			Updates(map[string]interface{}{
				"status":     models.PostStatusCancelled,
				"updated_at": s.now().UTC(),
			}).Error
		if err != nil {
			return err
		}
		cancelled = len(posts)
		return s.history.RecordBatch(tx, entries)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.orchestrator.CancelCampaignJobs(ctx, campaign.ID); err != nil {
		s.logger.WithError(err).WithField("campaign_id", campaign.ID).Error("Failed to cancel jobs of cancelled campaign")
	}

	utils.LogEvent("campaign_cancelled", map[string]interface{}{
		"campaign_id":           campaign.ID,
		"occurrences_cancelled": cancelled,
	})
	return s.campaign(ctx, workspaceID, campaignID)
}

// checkChannels rejects channel references that are unknown or inactive in the workspace
func (s *Service) checkChannels(ctx context.Context, workspaceID uint, ids []uint) error {
	resolved, err := s.channels.Resolve(ctx, workspaceID, ids)
	if err != nil {
		return fmt.Errorf("failed to resolve channels: %w", err)
	}
	for _, id := range ids {
		if _, ok := resolved[id]; !ok {
			return invalid("channel %d is unknown or inactive", id)
		}
	}
	return nil
}

func (s *Service) campaign(ctx context.Context, workspaceID, campaignID uint) (*models.DripCampaign, error) {
	var campaign models.DripCampaign
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", campaignID, workspaceID).
		First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "campaign", ID: campaignID}
		}
		return nil, err
	}
	return &campaign, nil
}

func actor(id uint) *uint {
	if id == 0 {
		return nil
	}
	return &id
}
