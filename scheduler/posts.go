package scheduler

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/utils"
)

var skippableStatuses = []string{
	models.PostStatusPending,
	models.PostStatusGenerating,
	models.PostStatusPendingReview,
	models.PostStatusApproved,
	models.PostStatusFailed,
}

// EditPostInput replaces the generated content of an occurrence under review
type EditPostInput struct {
	Content map[string]string `json:"content" validate:"required,min=1,dive,keys,required,endkeys,required"`
}

// EditPost stores reviewer changes and approves the occurrence. The first generated
// content is kept as OriginalContent across edits.
func (s *Service) EditPost(ctx context.Context, workspaceID, postID, actorID uint, in EditPostInput) (*models.DripPost, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	post, err := s.post(ctx, workspaceID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusPendingReview {
		return nil, &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "edit"}
	}

	original := post.OriginalContent
	if original == nil {
		original = post.Content
	}
	now := s.now().UTC()
	reviewer := actorID

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := advancePost(tx, post.ID, []string{models.PostStatusPendingReview}, models.PostStatusApproved, models.DripPost{
			Content:         in.Content,
			OriginalContent: original,
			ReviewedBy:      &reviewer,
			ReviewedAt:      &now,
			EditedAt:        &now,
		}, "content", "original_content", "reviewed_by", "reviewed_at", "edited_at")
		if err != nil {
			return err
		}
		if !ok {
			return &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "edit", Reason: "occurrence changed concurrently"}
		}
		return s.history.Record(tx, postEntry(post, ActionEdited, post.Status, models.PostStatusApproved, actor(actorID), map[string]interface{}{
			"before": post.Content,
			"after":  in.Content,
		}))
	})
	if err != nil {
		return nil, err
	}
	return s.post(ctx, workspaceID, postID)
}

// ApprovePost accepts generated content as is
func (s *Service) ApprovePost(ctx context.Context, workspaceID, postID, actorID uint) (*models.DripPost, error) {
	post, err := s.post(ctx, workspaceID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusPendingReview {
		return nil, &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "approve"}
	}

	now := s.now().UTC()
	reviewer := actorID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := advancePost(tx, post.ID, []string{models.PostStatusPendingReview}, models.PostStatusApproved, models.DripPost{
			ReviewedBy: &reviewer,
			ReviewedAt: &now,
		}, "reviewed_by", "reviewed_at")
		if err != nil {
			return err
		}
		if !ok {
			return &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "approve", Reason: "occurrence changed concurrently"}
		}
		return s.history.Record(tx, postEntry(post, ActionApproved, post.Status, models.PostStatusApproved, actor(actorID), nil))
	})
	if err != nil {
		return nil, err
	}
	return s.post(ctx, workspaceID, postID)
}

// SkipPost withdraws a single occurrence and cancels its jobs
func (s *Service) SkipPost(ctx context.Context, workspaceID, postID, actorID uint) (*models.DripPost, error) {
	post, err := s.post(ctx, workspaceID, postID)
	if err != nil {
		return nil, err
	}
	if !contains(skippableStatuses, post.Status) {
		return nil, &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "skip"}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := advancePost(tx, post.ID, skippableStatuses, models.PostStatusSkipped, models.DripPost{})
		if err != nil {
			return err
		}
		if !ok {
			return &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "skip", Reason: "occurrence changed concurrently"}
		}
		return s.history.Record(tx, postEntry(post, ActionSkipped, post.Status, models.PostStatusSkipped, actor(actorID), nil))
	})
	if err != nil {
		return nil, err
	}

	removed := s.orchestrator.CancelPostJobs(ctx, post)
	s.logger.WithField("post_id", post.ID).WithField("jobs_removed", removed).Info("Occurrence skipped")
	return s.post(ctx, workspaceID, postID)
}

// RetryPost puts a failed occurrence back into the pipeline. Content that was already
// generated is published again; otherwise the occurrence starts over from generation.
func (s *Service) RetryPost(ctx context.Context, workspaceID, postID, actorID uint) (*models.DripPost, error) {
	post, err := s.post(ctx, workspaceID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusFailed {
		return nil, &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "retry"}
	}

	campaign, err := s.campaign(ctx, workspaceID, post.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != models.CampaignStatusActive {
		return nil, &StateConflictError{
			Entity: "campaign", ID: campaign.ID, Status: campaign.Status, Action: "retry occurrence of",
			Reason: "campaign must be active",
		}
	}

	next := models.PostStatusPending
	if post.GeneratedAt != nil && len(post.Content) > 0 {
		next = models.PostStatusApproved
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := advancePost(tx, post.ID, []string{models.PostStatusFailed}, next, models.DripPost{}, "failure_counted")
		if err != nil {
			return err
		}
		if !ok {
			return &StateConflictError{Entity: "occurrence", ID: post.ID, Status: post.Status, Action: "retry", Reason: "occurrence changed concurrently"}
		}
		// only a terminal publish failure was added to the campaign's failed counter
		if post.FailureCounted {
			if err := s.lifecycle.RecordRetry(tx, campaign.ID); err != nil {
				return err
			}
		}
		return s.history.Record(tx, postEntry(post, ActionRetried, post.Status, next, actor(actorID), map[string]interface{}{
			"previous_error":  post.LastError,
			"retry_count":     post.RetryCount,
			"failure_counted": post.FailureCounted,
		}))
	})
	if err != nil {
		return nil, err
	}

	post, err = s.post(ctx, workspaceID, postID)
	if err != nil {
		return nil, err
	}
	// jobs left over from the failed round would carry the old retry id
	s.orchestrator.CancelPostJobs(ctx, post)
	if _, err := s.orchestrator.SchedulePost(ctx, campaign, post); err != nil {
		return nil, fmt.Errorf("failed to schedule retry of occurrence %d: %w", post.ID, err)
	}
	return s.post(ctx, workspaceID, postID)
}

func (s *Service) post(ctx context.Context, workspaceID, postID uint) (*models.DripPost, error) {
	var post models.DripPost
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", postID, workspaceID).
		First(&post).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "occurrence", ID: postID}
		}
		return nil, err
	}
	return &post, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
