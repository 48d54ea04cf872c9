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

// Occurrence statuses that still have work ahead of them
var schedulableStatuses = []string{
	models.PostStatusPending,
	models.PostStatusGenerating,
	models.PostStatusPendingReview,
	models.PostStatusApproved,
}

// Orchestrator submits and cancels the delayed stage jobs of occurrences and keeps the
// job references on the occurrence rows.
type Orchestrator struct {
	db     *gorm.DB
	queue  JobQueue
	logger *logrus.Entry
	now    func() time.Time
}

func NewOrchestrator(db *gorm.DB, q JobQueue, logger *logrus.Entry) *Orchestrator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		db:     db,
		queue:  q,
		logger: logger.WithField("component", "orchestrator"),
		now:    time.Now,
	}
}

// stagesFor returns the stages an occurrence still needs. Completed stages are never
// submitted again.
func stagesFor(campaign *models.DripCampaign, post *models.DripPost) []StageKind {
	var kinds []StageKind
	switch post.Status {
	case models.PostStatusPending, models.PostStatusGenerating, models.PostStatusPendingReview, models.PostStatusApproved:
	default:
		return nil
	}

	if post.Status == models.PostStatusPending && post.GeneratedAt == nil {
		kinds = append(kinds, StageGeneration)
	}
	if !campaign.AutoApprove && post.NotifiedAt == nil && post.Status != models.PostStatusApproved {
		kinds = append(kinds, StageNotification)
	}
	kinds = append(kinds, StagePublish)
	return kinds
}

// ScheduleCampaign submits the outstanding stage jobs of every live occurrence and
// returns how many jobs were submitted.
func (o *Orchestrator) ScheduleCampaign(ctx context.Context, campaign *models.DripCampaign) (int, error) {
	var posts []models.DripPost
	err := o.db.WithContext(ctx).
		Where("campaign_id = ? AND status IN ?", campaign.ID, schedulableStatuses).
		Order("occurrence_number ASC").
		Find(&posts).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load occurrences: %w", err)
	}

	submitted := 0
	for i := range posts {
		n, err := o.SchedulePost(ctx, campaign, &posts[i])
		submitted += n
		if err != nil {
			return submitted, err
		}
	}

	o.logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"occurrences": len(posts),
		"jobs":        submitted,
	}).Info("Campaign jobs scheduled")
	return submitted, nil
}

// SchedulePost submits the outstanding stage jobs of one occurrence
func (o *Orchestrator) SchedulePost(ctx context.Context, campaign *models.DripCampaign, post *models.DripPost) (int, error) {
	submitted := 0
	for _, kind := range stagesFor(campaign, post) {
		ok, err := o.submitStage(ctx, campaign, post, kind)
		if err != nil {
			return submitted, err
		}
		if ok {
			submitted++
		}
	}
	return submitted, nil
}

// submitStage claims the stage slot on the row before submitting, so the reference is
// in place by the time the job can fire. A slot that is already taken is left alone.
func (o *Orchestrator) submitStage(ctx context.Context, campaign *models.DripCampaign, post *models.DripPost, kind StageKind) (bool, error) {
	slot := stageSlots[kind]
	jobID := JobID(campaign.ID, post.ID, kind, campaign.ActivationCount, post.RetryCount)

	res := o.db.WithContext(ctx).Model(&models.DripPost{}).
		Where("id = ? AND "+slot.column+" IS NULL", post.ID).
		Update(slot.column, jobID)
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve %s slot of occurrence %d: %w", kind, post.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	delay := slot.fireAt(post).Sub(o.now())
	if delay < 0 {
		delay = 0
	}

	payload := StagePayload{PostID: post.ID, CampaignID: campaign.ID, Stage: kind}
	if _, err := o.queue.Submit(ctx, kind.String(), payload, delay, jobID); err != nil {
		o.releaseSlot(post.ID, kind, jobID)
		return false, fmt.Errorf("failed to submit %s job of occurrence %d: %w", kind, post.ID, err)
	}

	id := jobID
	switch kind {
	case StageGeneration:
		post.GenerationJobID = &id
	case StageNotification:
		post.NotificationJobID = &id
	case StagePublish:
		post.PublishJobID = &id
	}
	return true, nil
}

// releaseSlot clears a job reference only if it still holds jobID
func (o *Orchestrator) releaseSlot(postID uint, kind StageKind, jobID string) {
	slot := stageSlots[kind]
	err := o.db.Model(&models.DripPost{}).
		Where("id = ? AND "+slot.column+" = ?", postID, jobID).
		Update(slot.column, nil).Error
	if err != nil {
		o.logger.WithError(err).WithField("post_id", postID).Warn("Failed to release job slot")
	}
}

// CancelPostJobs removes every stored job of an occurrence from the queue and clears
// the references. Queue failures are reported and swallowed; a job that still fires is
// rejected by the stage guards.
func (o *Orchestrator) CancelPostJobs(ctx context.Context, post *models.DripPost) int {
	removed := 0
	for _, kind := range Stages {
		ref := stageSlots[kind].jobID(post)
		if ref == nil {
			continue
		}
		jobID := *ref

		ok, err := o.queue.Cancel(ctx, jobID)
		if err != nil {
			utils.LogError("job_cancel_failed", err, map[string]interface{}{
				"job_id":      jobID,
				"post_id":     post.ID,
				"campaign_id": post.CampaignID,
			})
		} else if ok {
			removed++
		}
		o.releaseSlot(post.ID, kind, jobID)
	}
	post.GenerationJobID, post.NotificationJobID, post.PublishJobID = nil, nil, nil
	return removed
}

// CancelCampaignJobs cancels the jobs of every occurrence of a campaign
func (o *Orchestrator) CancelCampaignJobs(ctx context.Context, campaignID uint) (int, error) {
	var posts []models.DripPost
	err := o.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Where("generation_job_id IS NOT NULL OR notification_job_id IS NOT NULL OR publish_job_id IS NOT NULL").
		Find(&posts).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load occurrences with jobs: %w", err)
	}

	removed := 0
	for i := range posts {
		removed += o.CancelPostJobs(ctx, &posts[i])
	}

	o.logger.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"occurrences": len(posts),
		"removed":     removed,
	}).Info("Campaign jobs cancelled")
	return removed, nil
}
