package clients

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dripflow/scheduler"
)

// PublisherClient hands finished posts to the social publishing API
type PublisherClient struct {
	http   *jsonClient
	logger *logrus.Entry
}

var _ scheduler.Publisher = (*PublisherClient)(nil)

func NewPublisherClient(cfg HTTPConfig, logger *logrus.Entry) *PublisherClient {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PublisherClient{
		http:   newJSONClient(cfg, "dripflow-publisher"),
		logger: logger.WithField("component", "publisher_client"),
	}
}

// Publish submits the draft. The idempotency key travels as a header as well so the
// publisher can drop a redelivered draft.
func (c *PublisherClient) Publish(ctx context.Context, draft scheduler.PostDraft) (*scheduler.PublishResult, error) {
	headers := map[string]string{"Idempotency-Key": draft.IdempotencyKey}

	var result scheduler.PublishResult
	if err := c.http.post(ctx, "/v1/posts", headers, draft, &result); err != nil {
		return nil, fmt.Errorf("publish failed: %w", err)
	}

	// A target the publisher did not report on did not go out
	reported := make(map[uint]bool, len(result.Targets))
	for _, t := range result.Targets {
		reported[t.ChannelID] = true
	}
	for _, t := range draft.Targets {
		if !reported[t.ChannelID] {
			result.Targets = append(result.Targets, scheduler.TargetStatus{
				ChannelID: t.ChannelID,
				Error:     "not reported by publisher",
			})
		}
	}

	entry := c.logger.WithFields(logrus.Fields{
		"campaign_id": draft.CampaignID,
		"post_id":     draft.PostID,
		"post_ref":    result.PostRef,
	})
	if !result.FullySucceeded() {
		entry.WithField("failures", result.FailureSummary()).Warn("Publish finished with failed targets")
	} else {
		entry.Debug("Post published")
	}
	return &result, nil
}
