package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/scheduler"
)

// ContentClient calls the content generation API
type ContentClient struct {
	http   *jsonClient
	logger *logrus.Entry
}

var _ scheduler.ContentGenerator = (*ContentClient)(nil)

func NewContentClient(cfg HTTPConfig, logger *logrus.Entry) *ContentClient {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ContentClient{
		http:   newJSONClient(cfg, "dripflow-content"),
		logger: logger.WithField("component", "content_client"),
	}
}

type generateResponse struct {
	Texts         map[string]string `json:"texts"`
	SearchContext string            `json:"search_context"`
}

func (c *ContentClient) Generate(ctx context.Context, req scheduler.GenerationRequest) (*scheduler.GeneratedContent, error) {
	start := time.Now()

	var resp generateResponse
	if err := c.http.post(ctx, "/v1/generate", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("content generation failed: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"campaign_id": req.CampaignID,
		"post_id":     req.PostID,
		"variants":    len(resp.Texts),
		"took":        time.Since(start).String(),
	}).Debug("Content generated")

	return &scheduler.GeneratedContent{
		Texts:         resp.Texts,
		SearchContext: resp.SearchContext,
	}, nil
}
