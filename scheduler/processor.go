package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/queue"
	"dripflow/utils"
)

type stageHandler func(ctx context.Context, job *queue.Job, payload StagePayload) (StageResult, error)

// Processor runs the stage jobs of occurrences.
//
// Every handler re-reads the occurrence and its campaign before doing anything and
// returns ResultSkipped when the guard no longer holds. Queue cancellation is best
// effort, so these guards are what keeps a stale or cancelled job from acting. A job
// whose id differs from the reference stored on the occurrence is stale by definition.
type Processor struct {
	db        *gorm.DB
	history   *HistoryRecorder
	lifecycle *Lifecycle
	generator ContentGenerator
	notifier  ReviewNotifier
	publisher Publisher
	channels  ChannelDirectory
	appURL    string
	logger    *logrus.Entry
	now       func() time.Time

	handlers map[StageKind]stageHandler
}

type ProcessorDeps struct {
	DB        *gorm.DB
	History   *HistoryRecorder
	Lifecycle *Lifecycle
	Generator ContentGenerator
	Notifier  ReviewNotifier
	Publisher Publisher
	Channels  ChannelDirectory
	AppURL    string
	Logger    *logrus.Entry
}

func NewProcessor(d ProcessorDeps) *Processor {
	logger := d.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Processor{
		db:        d.DB,
		history:   d.History,
		lifecycle: d.Lifecycle,
		generator: d.Generator,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		channels:  d.Channels,
		appURL:    d.AppURL,
		logger:    logger.WithField("component", "processor"),
		now:       time.Now,
	}
	p.handlers = map[StageKind]stageHandler{
		StageGeneration:   p.generate,
		StageNotification: p.notify,
		StagePublish:      p.publish,
	}
	return p
}

// Handlers returns one queue handler per stage, keyed by job kind
func (p *Processor) Handlers() map[string]queue.HandlerFunc {
	out := make(map[string]queue.HandlerFunc, len(p.handlers))
	for kind := range p.handlers {
		out[kind.String()] = func(ctx context.Context, job *queue.Job) error {
			_, err := p.Process(ctx, job)
			return err
		}
	}
	return out
}

// Process dispatches a job to the handler of its stage
func (p *Processor) Process(ctx context.Context, job *queue.Job) (StageResult, error) {
	var payload StagePayload
	if err := job.Decode(&payload); err != nil {
		p.logger.WithError(err).WithField("job_id", job.ID).Error("Dropping job with malformed payload")
		return ResultSkipped, nil
	}

	kind, ok := ParseStageKind(job.Kind)
	if !ok {
		return 0, fmt.Errorf("%w: %s", queue.ErrUnknownKind, job.Kind)
	}
	payload.Stage = kind

	handler := p.handlers[kind]
	result, err := handler(ctx, job, payload)

	log := p.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"stage":       kind.String(),
		"post_id":     payload.PostID,
		"campaign_id": payload.CampaignID,
		"attempt":     job.Attempt,
	})
	if err != nil {
		log.WithError(err).Warn("Stage failed")
	} else {
		log.WithField("result", result.String()).Info("Stage processed")
	}
	return result, err
}

func (p *Processor) load(ctx context.Context, payload StagePayload) (*models.DripPost, *models.DripCampaign, error) {
	var post models.DripPost
	if err := p.db.WithContext(ctx).First(&post, payload.PostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var campaign models.DripCampaign
	if err := p.db.WithContext(ctx).First(&campaign, post.CampaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return &post, &campaign, nil
}

func ownsJob(post *models.DripPost, kind StageKind, jobID string) bool {
	ref := stageSlots[kind].jobID(post)
	return ref != nil && *ref == jobID
}

// skip drops a job whose guard failed. The stage reference is released when this job
// still owns it.
func (p *Processor) skip(ctx context.Context, post *models.DripPost, kind StageKind, job *queue.Job, reason string) (StageResult, error) {
	log := p.logger.WithFields(logrus.Fields{"job_id": job.ID, "stage": kind.String(), "reason": reason})
	if post != nil {
		log = log.WithFields(logrus.Fields{"post_id": post.ID, "status": post.Status})
		slot := stageSlots[kind]
		err := p.db.WithContext(ctx).Model(&models.DripPost{}).
			Where("id = ? AND "+slot.column+" = ?", post.ID, job.ID).
			Update(slot.column, nil).Error
		if err != nil {
			log.WithError(err).Warn("Failed to release stage reference")
		}
	}
	log.Debug("Stage skipped")
	return ResultSkipped, nil
}

// advancePost moves an occurrence to status `to` if it is still in one of `from`,
// writing the given columns of values along with it.
func advancePost(tx *gorm.DB, postID uint, from []string, to string, values models.DripPost, columns ...string) (bool, error) {
	values.Status = to
	values.UpdatedAt = time.Now().UTC()
	cols := append([]string{"status", "updated_at"}, columns...)

	res := tx.Model(&models.DripPost{}).
		Where("id = ? AND status IN ?", postID, from).
		Select(cols).
		Updates(&values)
	return res.RowsAffected > 0, res.Error
}

// postChange is a guarded occurrence transition together with its audit entry
type postChange struct {
	from    []string
	to      string
	values  models.DripPost
	columns []string
	action  string
	details map[string]interface{}
	cause   error
	after   func(tx *gorm.DB) error
}

// apply commits a postChange atomically and reports whether the guard matched
func (p *Processor) apply(ctx context.Context, post *models.DripPost, ch postChange) (bool, error) {
	applied := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := advancePost(tx, post.ID, ch.from, ch.to, ch.values, ch.columns...)
		if err != nil || !ok {
			return err
		}

		entry := postEntry(post, ch.action, post.Status, ch.to, nil, ch.details)
		if ch.cause != nil {
			entry.Error = ch.cause.Error()
		}
		if err := p.history.Record(tx, entry); err != nil {
			return err
		}
		if ch.after != nil {
			if err := ch.after(tx); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		post.Status = ch.to
	}
	return applied, nil
}

// platforms resolves the campaign channels to a de-duplicated platform list
func (p *Processor) platforms(ctx context.Context, campaign *models.DripCampaign) (map[uint]string, []string, error) {
	resolved, err := p.channels.Resolve(ctx, campaign.WorkspaceID, campaign.Targeting.ChannelIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve channels: %w", err)
	}

	seen := make(map[string]bool)
	var list []string
	for _, id := range campaign.Targeting.ChannelIDs {
		platform, ok := resolved[id]
		if !ok || seen[platform] {
			continue
		}
		seen[platform] = true
		list = append(list, platform)
	}
	if len(list) == 0 {
		return nil, nil, ErrNoTargets
	}
	return resolved, list, nil
}

func (p *Processor) generate(ctx context.Context, job *queue.Job, payload StagePayload) (StageResult, error) {
	post, campaign, err := p.load(ctx, payload)
	if err != nil {
		return 0, err
	}
	if post == nil {
		return p.skip(ctx, nil, StageGeneration, job, "occurrence not found")
	}
	if !ownsJob(post, StageGeneration, job.ID) {
		return p.skip(ctx, nil, StageGeneration, job, "stale job")
	}
	if post.Status != models.PostStatusPending || campaign.Status != models.CampaignStatusActive {
		return p.skip(ctx, post, StageGeneration, job, "campaign "+campaign.Status)
	}

	started, err := p.apply(ctx, post, postChange{
		from:    []string{models.PostStatusPending},
		to:      models.PostStatusGenerating,
		action:  ActionGenerationStarted,
		details: map[string]interface{}{"job_id": job.ID, "attempt": job.Attempt},
	})
	if err != nil {
		return 0, err
	}
	if !started {
		return ResultSkipped, nil
	}

	_, platforms, err := p.platforms(ctx, campaign)
	var content *GeneratedContent
	if err == nil {
		content, err = p.generator.Generate(ctx, GenerationRequest{
			CampaignID: campaign.ID,
			PostID:     post.ID,
			Niche:      campaign.Targeting.Niche,
			Platforms:  platforms,
			Tone:       campaign.Targeting.Tone,
			Language:   campaign.Targeting.Language,
			Guidance:   campaign.Targeting.Guidance,
			AsOf:       post.ScheduledAt,
		})
		if err == nil && content.IsEmpty() {
			err = ErrEmptyContent
		}
	}
	if err != nil {
		return p.failGeneration(ctx, job, post, err)
	}

	next := models.PostStatusPendingReview
	if campaign.AutoApprove {
		next = models.PostStatusApproved
	}
	now := p.now().UTC()
	applied, err := p.apply(ctx, post, postChange{
		from: []string{models.PostStatusGenerating},
		to:   next,
		values: models.DripPost{
			Content:       content.Texts,
			SearchContext: content.SearchContext,
			GeneratedAt:   &now,
		},
		columns: []string{"content", "search_context", "generated_at", "generation_job_id", "last_error", "last_error_at"},
		action:  ActionGenerated,
		details: map[string]interface{}{
			"platforms":     platforms,
			"auto_approved": campaign.AutoApprove,
			"attempt":       job.Attempt,
		},
	})
	if err != nil {
		return 0, err
	}
	if !applied {
		return ResultSkipped, nil
	}
	return ResultDone, nil
}

// failGeneration puts the occurrence back to pending while the queue has attempts left
// and fails it on the last one, or at once when the generator rejected the request for
// good. The error is always returned so the queue can back off.
func (p *Processor) failGeneration(ctx context.Context, job *queue.Job, post *models.DripPost, cause error) (StageResult, error) {
	permanent := isPermanent(cause)
	retry := !job.IsFinalAttempt() && !permanent
	next := models.PostStatusPending
	columns := []string{"retry_count", "last_error", "last_error_at"}
	if !retry {
		next = models.PostStatusFailed
		columns = append(columns, "generation_job_id")
	}

	now := p.now().UTC()
	_, err := p.apply(ctx, post, postChange{
		from: []string{models.PostStatusGenerating},
		to:   next,
		values: models.DripPost{
			RetryCount:  post.RetryCount + 1,
			LastError:   cause.Error(),
			LastErrorAt: &now,
		},
		columns: columns,
		action:  ActionGenerationFailed,
		cause:   cause,
		details: map[string]interface{}{
			"attempt":      job.Attempt,
			"max_attempts": job.MaxAttempts,
			"will_retry":   retry,
		},
	})
	if err != nil {
		p.logger.WithError(err).WithField("post_id", post.ID).Error("Failed to record generation failure")
	}

	if !retry {
		utils.LogError("generation_failed", cause, map[string]interface{}{
			"post_id":     post.ID,
			"campaign_id": post.CampaignID,
			"attempts":    job.Attempt,
		})
	}
	err = fmt.Errorf("generation of occurrence %d failed: %w", post.ID, cause)
	if permanent {
		err = queue.Permanent(err)
	}
	return 0, err
}

func (p *Processor) notify(ctx context.Context, job *queue.Job, payload StagePayload) (StageResult, error) {
	post, campaign, err := p.load(ctx, payload)
	if err != nil {
		return 0, err
	}
	if post == nil {
		return p.skip(ctx, nil, StageNotification, job, "occurrence not found")
	}
	if !ownsJob(post, StageNotification, job.ID) {
		return p.skip(ctx, nil, StageNotification, job, "stale job")
	}
	if post.Status != models.PostStatusPendingReview {
		return p.skip(ctx, post, StageNotification, job, "not awaiting review")
	}

	link := fmt.Sprintf("%s/campaigns/%d/posts/%d/review", p.appURL, campaign.ID, post.ID)
	var sendErr error
	switch {
	case p.notifier == nil:
		sendErr = errors.New("no review notifier configured")
	case campaign.NotifyEmail == "":
		sendErr = errors.New("campaign has no review recipient")
	default:
		sendErr = p.notifier.SendReviewNotice(ctx, ReviewNotice{
			Recipient:    campaign.NotifyEmail,
			CampaignName: campaign.Name,
			Content:      post.Content,
			ReviewLink:   link,
			PublishAt:    post.ScheduledAt,
			Timezone:     campaign.Schedule.Timezone,
		})
	}

	now := p.now().UTC()
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.DripPost{}).
			Where("id = ? AND notification_job_id = ?", post.ID, job.ID).
			Updates(map[string]interface{}{
				"notified_at":         now,
				"notification_job_id": nil,
				"updated_at":          now,
			}).Error
		if err != nil {
			return err
		}

		entry := postEntry(post, ActionNotified, post.Status, post.Status, nil, map[string]interface{}{
			"recipient":   campaign.NotifyEmail,
			"review_link": link,
		})
		if sendErr != nil {
			entry.Action = ActionNotificationFailed
			entry.Error = sendErr.Error()
		}
		return p.history.Record(tx, entry)
	})
	if err != nil {
		return 0, err
	}

	if sendErr != nil {
		p.logger.WithError(sendErr).WithField("post_id", post.ID).Warn("Review notification failed")
	}
	return ResultDone, nil
}

func (p *Processor) publish(ctx context.Context, job *queue.Job, payload StagePayload) (StageResult, error) {
	post, campaign, err := p.load(ctx, payload)
	if err != nil {
		return 0, err
	}
	if post == nil {
		return p.skip(ctx, nil, StagePublish, job, "occurrence not found")
	}
	if !ownsJob(post, StagePublish, job.ID) {
		return p.skip(ctx, nil, StagePublish, job, "stale job")
	}
	if campaign.Status != models.CampaignStatusActive {
		return p.skip(ctx, post, StagePublish, job, "campaign "+campaign.Status)
	}

	switch post.Status {
	case models.PostStatusPending, models.PostStatusGenerating:
		if !job.IsFinalAttempt() {
			return 0, ErrStillGenerating
		}
		return p.failPublish(ctx, job, post, []string{models.PostStatusPending, models.PostStatusGenerating}, ErrStillGenerating, true)
	case models.PostStatusPendingReview:
		approved, err := p.apply(ctx, post, postChange{
			from:    []string{models.PostStatusPendingReview},
			to:      models.PostStatusApproved,
			action:  ActionAutoApproved,
			details: map[string]interface{}{"reason": "publish time reached without review"},
		})
		if err != nil {
			return 0, err
		}
		if !approved {
			return ResultSkipped, nil
		}
	case models.PostStatusApproved:
	default:
		return p.skip(ctx, post, StagePublish, job, "occurrence "+post.Status)
	}

	started, err := p.apply(ctx, post, postChange{
		from:    []string{models.PostStatusApproved},
		to:      models.PostStatusPublishing,
		action:  ActionPublishing,
		details: map[string]interface{}{"job_id": job.ID, "attempt": job.Attempt},
	})
	if err != nil {
		return 0, err
	}
	if !started {
		return ResultSkipped, nil
	}

	draft, err := p.draft(ctx, job, campaign, post)
	var result *PublishResult
	if err == nil {
		result, err = p.publisher.Publish(ctx, draft)
	}

	from := []string{models.PostStatusPublishing}
	switch {
	case err == nil && result.FullySucceeded():
		return p.completePublish(ctx, post, result)
	case err == nil && result.AnySucceeded():
		// never retried, a retry would post twice to the channels that worked
		return p.failPublish(ctx, job, post, from, fmt.Errorf("partially published: %s", result.FailureSummary()), true)
	case err == nil:
		return p.failPublish(ctx, job, post, from, fmt.Errorf("publish rejected: %s", result.FailureSummary()), job.IsFinalAttempt())
	default:
		return p.failPublish(ctx, job, post, from, err, job.IsFinalAttempt() || isPermanent(err))
	}
}

func (p *Processor) draft(ctx context.Context, job *queue.Job, campaign *models.DripCampaign, post *models.DripPost) (PostDraft, error) {
	resolved, _, err := p.platforms(ctx, campaign)
	if err != nil {
		return PostDraft{}, err
	}

	draft := PostDraft{
		IdempotencyKey: job.ID,
		WorkspaceID:    campaign.WorkspaceID,
		CampaignID:     campaign.ID,
		PostID:         post.ID,
		ScheduledAt:    post.ScheduledAt,
	}
	for _, id := range campaign.Targeting.ChannelIDs {
		platform, ok := resolved[id]
		if !ok {
			continue
		}
		text := post.TextFor(platform)
		if text == "" {
			continue
		}
		draft.Targets = append(draft.Targets, PostTarget{ChannelID: id, Platform: platform, Text: text})
	}
	if len(draft.Targets) == 0 {
		return PostDraft{}, ErrNoTargets
	}
	return draft, nil
}

func (p *Processor) completePublish(ctx context.Context, post *models.DripPost, result *PublishResult) (StageResult, error) {
	now := p.now().UTC()
	applied, err := p.apply(ctx, post, postChange{
		from: []string{models.PostStatusPublishing},
		to:   models.PostStatusPublished,
		values: models.DripPost{
			PublishedAt: &now,
			PostRef:     result.PostRef,
		},
		columns: []string{"published_at", "post_ref", "publish_job_id", "last_error", "last_error_at"},
		action:  ActionPublished,
		details: map[string]interface{}{
			"post_ref": result.PostRef,
			"targets":  len(result.Targets),
		},
		after: func(tx *gorm.DB) error {
			return p.lifecycle.RecordPublishSuccess(tx, post.CampaignID)
		},
	})
	if err != nil {
		return 0, err
	}
	if !applied {
		return ResultSkipped, nil
	}
	return ResultDone, nil
}

// failPublish sends the occurrence back to approved for another queue attempt, or fails
// it for good and lets the lifecycle apply the failure threshold.
func (p *Processor) failPublish(ctx context.Context, job *queue.Job, post *models.DripPost, from []string, cause error, terminal bool) (StageResult, error) {
	now := p.now().UTC()
	values := models.DripPost{
		RetryCount:  post.RetryCount + 1,
		LastError:   cause.Error(),
		LastErrorAt: &now,
	}
	details := map[string]interface{}{
		"attempt":      job.Attempt,
		"max_attempts": job.MaxAttempts,
		"will_retry":   !terminal,
	}

	if !terminal {
		_, err := p.apply(ctx, post, postChange{
			from:    from,
			to:      models.PostStatusApproved,
			values:  values,
			columns: []string{"retry_count", "last_error", "last_error_at"},
			action:  ActionPublishFailed,
			cause:   cause,
			details: details,
		})
		if err != nil {
			p.logger.WithError(err).WithField("post_id", post.ID).Error("Failed to record publish failure")
		}
		return 0, fmt.Errorf("publish of occurrence %d failed: %w", post.ID, cause)
	}

	halted := false
	values.FailureCounted = true
	applied, err := p.apply(ctx, post, postChange{
		from:    from,
		to:      models.PostStatusFailed,
		values:  values,
		columns: []string{"retry_count", "last_error", "last_error_at", "publish_job_id", "failure_counted"},
		action:  ActionPublishFailed,
		cause:   cause,
		details: details,
		after: func(tx *gorm.DB) error {
			var err error
			halted, err = p.lifecycle.RecordPublishFailure(tx, post.CampaignID, cause.Error())
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	if !applied {
		return ResultSkipped, nil
	}

	utils.LogError("publish_failed", cause, map[string]interface{}{
		"post_id":     post.ID,
		"campaign_id": post.CampaignID,
		"attempt":     job.Attempt,
	})
	if halted {
		p.lifecycle.Halt(ctx, post.CampaignID, "consecutive publish failures")
	}
	return ResultDone, nil
}
