package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/models"
)

func TestEditPost_ApprovesAndRecordsDiff(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	post := h.posts(campaign.ID)[0]
	_, err := h.run(post.ID, StageGeneration, 1)
	require.NoError(t, err)
	ctx := context.Background()

	edited := map[string]string{"default": "Hand-picked beans, roasted today"}
	got, err := h.svc.EditPost(ctx, testWorkspace, post.ID, 7, EditPostInput{Content: edited})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApproved, got.Status)
	assert.Equal(t, edited, got.Content)
	assert.Equal(t, "Fresh beans today", got.OriginalContent["default"])
	require.NotNil(t, got.ReviewedBy)
	assert.EqualValues(t, 7, *got.ReviewedBy)
	assert.NotNil(t, got.EditedAt)

	entries := h.history(campaign.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, ActionEdited, last.Action)
	assert.Equal(t, models.PostStatusPendingReview, last.PreviousStatus)
	assert.Equal(t, models.PostStatusApproved, last.NewStatus)
	assert.Equal(t, map[string]interface{}{
		"default":  "Fresh beans today",
		"linkedin": "A longer take on fresh beans",
	}, last.Details["before"])
	assert.Equal(t, map[string]interface{}{"default": "Hand-picked beans, roasted today"}, last.Details["after"])

	_, err = h.svc.EditPost(ctx, testWorkspace, post.ID, 7, EditPostInput{Content: edited})
	var conflict *StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, models.PostStatusApproved, conflict.Status)
	assert.Equal(t, "edit", conflict.Action)
}

func TestEditPost_RejectsEmptyContent(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	post := h.posts(campaign.ID)[0]

	_, err := h.svc.EditPost(context.Background(), testWorkspace, post.ID, 7, EditPostInput{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.EditPost(context.Background(), testWorkspace, post.ID, 7, EditPostInput{Content: map[string]string{"x": ""}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEditPost_RequiresPendingReview(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	post := h.posts(campaign.ID)[0]

	_, err := h.svc.EditPost(context.Background(), testWorkspace, post.ID, 7, EditPostInput{Content: map[string]string{"default": "early"}})
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Equal(t, models.PostStatusPending, h.post(post.ID).Status)
}

func TestApprovePost(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	post := h.posts(campaign.ID)[0]
	_, err := h.run(post.ID, StageGeneration, 1)
	require.NoError(t, err)

	got, err := h.svc.ApprovePost(context.Background(), testWorkspace, post.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApproved, got.Status)
	assert.NotNil(t, got.ReviewedAt)
	assert.Nil(t, got.EditedAt)

	_, err = h.svc.ApprovePost(context.Background(), testWorkspace, post.ID, 7)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestSkipPost_CancelsJobsOnce(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	post := h.posts(campaign.ID)[1]
	ctx := context.Background()

	refs := []string{*post.GenerationJobID, *post.NotificationJobID, *post.PublishJobID}

	got, err := h.svc.SkipPost(ctx, testWorkspace, post.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusSkipped, got.Status)
	assert.False(t, got.HasPendingJobs())
	assert.ElementsMatch(t, refs, h.queue.cancelled)
	assert.Equal(t, 12, h.queue.size())

	_, err = h.svc.SkipPost(ctx, testWorkspace, post.ID, 7)
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Len(t, h.queue.cancelled, 3)

	// a job that fired anyway does nothing
	job := h.job(refs[0], *got, StageGeneration, 1)
	result, err := h.svc.Processor().Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, result)
	assert.Equal(t, models.PostStatusSkipped, h.post(post.ID).Status)
}

func TestRetryPost_AfterPublishFailure(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate(autoApprove)
	post := h.posts(campaign.ID)[0]
	ctx := context.Background()

	_, err := h.run(post.ID, StageGeneration, 1)
	require.NoError(t, err)
	h.publisher.err = errors.New("rejected")
	_, err = h.run(post.ID, StagePublish, 3)
	require.NoError(t, err)
	require.Equal(t, 1, h.campaign(campaign.ID).FailedOccurrences)

	h.publisher.err = nil
	got, err := h.svc.RetryPost(ctx, testWorkspace, post.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApproved, got.Status)
	require.NotNil(t, got.PublishJobID)
	assert.Equal(t, JobID(campaign.ID, post.ID, StagePublish, 1, 1), *got.PublishJobID)
	assert.Nil(t, got.GenerationJobID)
	assert.Zero(t, h.campaign(campaign.ID).FailedOccurrences)

	_, err = h.run(post.ID, StagePublish, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, h.post(post.ID).Status)

	stored := h.campaign(campaign.ID)
	assert.Equal(t, 1, stored.CompletedOccurrences)
	assert.Zero(t, stored.FailedOccurrences)
	assert.LessOrEqual(t, stored.CompletedOccurrences+stored.FailedOccurrences, stored.TotalOccurrences)
}

func TestRetryPost_AfterGenerationFailure(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	post := h.posts(campaign.ID)[0]
	ctx := context.Background()

	h.generator.err = errors.New("provider down")
	_, err := h.run(post.ID, StageGeneration, 3)
	require.Error(t, err)
	require.Equal(t, models.PostStatusFailed, h.post(post.ID).Status)

	h.generator.err = nil
	got, err := h.svc.RetryPost(ctx, testWorkspace, post.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPending, got.Status)
	require.NotNil(t, got.GenerationJobID)
	assert.Equal(t, JobID(campaign.ID, post.ID, StageGeneration, 1, 1), *got.GenerationJobID)

	result, err := h.run(post.ID, StageGeneration, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultDone, result)
	assert.Equal(t, models.PostStatusPendingReview, h.post(post.ID).Status)
}

func TestRetryPost_AfterPublishGaveUpWaitingForContent(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate(func(in *CreateCampaignInput) { in.EndDate = in.StartDate })
	require.Equal(t, 1, campaign.TotalOccurrences)
	post := h.posts(campaign.ID)[0]
	ctx := context.Background()

	// publish time passed while the occurrence never got content
	_, err := h.run(post.ID, StagePublish, 3)
	require.NoError(t, err)
	failed := h.post(post.ID)
	require.Equal(t, models.PostStatusFailed, failed.Status)
	assert.True(t, failed.FailureCounted)
	assert.Nil(t, failed.GeneratedAt)
	require.Equal(t, 1, h.campaign(campaign.ID).FailedOccurrences)

	got, err := h.svc.RetryPost(ctx, testWorkspace, post.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPending, got.Status)
	assert.False(t, got.FailureCounted)
	require.NotNil(t, got.GenerationJobID)
	assert.Equal(t, JobID(campaign.ID, post.ID, StageGeneration, 1, 1), *got.GenerationJobID)
	assert.Zero(t, h.campaign(campaign.ID).FailedOccurrences)

	_, err = h.run(post.ID, StageGeneration, 1)
	require.NoError(t, err)
	_, err = h.svc.ApprovePost(ctx, testWorkspace, post.ID, 7)
	require.NoError(t, err)
	_, err = h.run(post.ID, StagePublish, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, h.post(post.ID).Status)

	stored := h.campaign(campaign.ID)
	assert.Equal(t, 1, stored.CompletedOccurrences)
	assert.Zero(t, stored.FailedOccurrences)
	assert.LessOrEqual(t, stored.CompletedOccurrences+stored.FailedOccurrences, stored.TotalOccurrences)
}

func TestRetryPost_GenerationFailureLeavesCounterAlone(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	posts := h.posts(campaign.ID)
	ctx := context.Background()

	_, err := h.run(posts[1].ID, StagePublish, 3)
	require.NoError(t, err)
	require.Equal(t, 1, h.campaign(campaign.ID).FailedOccurrences)

	h.generator.err = errors.New("provider down")
	_, err = h.run(posts[0].ID, StageGeneration, 3)
	require.Error(t, err)
	assert.False(t, h.post(posts[0].ID).FailureCounted)

	_, err = h.svc.RetryPost(ctx, testWorkspace, posts[0].ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, h.campaign(campaign.ID).FailedOccurrences)
}

func TestRetryPost_Conflicts(t *testing.T) {
	h := newHarness(t)
	campaign := h.activate()
	post := h.posts(campaign.ID)[0]
	ctx := context.Background()

	_, err := h.svc.RetryPost(ctx, testWorkspace, post.ID, 7)
	assert.ErrorIs(t, err, ErrStateConflict)

	require.NoError(t, h.db.Model(&models.DripPost{}).Where("id = ?", post.ID).
		Update("status", models.PostStatusFailed).Error)
	_, err = h.svc.PauseCampaign(ctx, testWorkspace, campaign.ID, 42)
	require.NoError(t, err)

	_, err = h.svc.RetryPost(ctx, testWorkspace, post.ID, 7)
	var conflict *StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "campaign", conflict.Entity)
}
