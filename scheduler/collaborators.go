package scheduler

import (
	"context"
	"strings"
	"time"

	"dripflow/queue"
)

// JobQueue is the delayed job queue the orchestrator submits stage jobs to
type JobQueue interface {
	Submit(ctx context.Context, kind string, payload interface{}, delay time.Duration, jobID string) (string, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// QueueStats exposes queue depth for campaign stats
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

var (
	_ JobQueue   = (*queue.RedisQueue)(nil)
	_ QueueStats = (*queue.RedisQueue)(nil)
)

// GenerationRequest carries everything the content generator needs for one occurrence
type GenerationRequest struct {
	CampaignID uint      `json:"campaign_id"`
	PostID     uint      `json:"post_id"`
	Niche      string    `json:"niche"`
	Platforms  []string  `json:"platforms"`
	Tone       string    `json:"tone"`
	Language   string    `json:"language"`
	Guidance   string    `json:"guidance"`
	AsOf       time.Time `json:"as_of"`
}

// GeneratedContent holds per-platform text variants
type GeneratedContent struct {
	Texts         map[string]string `json:"texts"`
	SearchContext string            `json:"search_context"`
}

// IsEmpty reports whether no usable text was produced
func (g *GeneratedContent) IsEmpty() bool {
	if g == nil {
		return true
	}
	for _, text := range g.Texts {
		if strings.TrimSpace(text) != "" {
			return false
		}
	}
	return true
}

type ContentGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GeneratedContent, error)
}

// ReviewNotice asks a human to review generated content before it goes out
type ReviewNotice struct {
	Recipient    string
	CampaignName string
	Content      map[string]string
	ReviewLink   string
	PublishAt    time.Time
	Timezone     string
}

type ReviewNotifier interface {
	SendReviewNotice(ctx context.Context, notice ReviewNotice) error
}

// PostTarget is one channel a post goes out to
type PostTarget struct {
	ChannelID uint   `json:"channel_id"`
	Platform  string `json:"platform"`
	Text      string `json:"text"`
}

// PostDraft is the publisher-facing shape of an occurrence
type PostDraft struct {
	IdempotencyKey string       `json:"idempotency_key"`
	WorkspaceID    uint         `json:"workspace_id"`
	CampaignID     uint         `json:"campaign_id"`
	PostID         uint         `json:"post_id"`
	ScheduledAt    time.Time    `json:"scheduled_at"`
	Targets        []PostTarget `json:"targets"`
}

// TargetStatus is the publish outcome for a single channel
type TargetStatus struct {
	ChannelID  uint   `json:"channel_id"`
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type PublishResult struct {
	PostRef string         `json:"post_ref"`
	Targets []TargetStatus `json:"targets"`
}

// FullySucceeded requires every target to have gone out
func (r *PublishResult) FullySucceeded() bool {
	if r == nil || len(r.Targets) == 0 {
		return false
	}
	for _, t := range r.Targets {
		if !t.Success {
			return false
		}
	}
	return true
}

// AnySucceeded reports whether at least one target was published
func (r *PublishResult) AnySucceeded() bool {
	if r == nil {
		return false
	}
	for _, t := range r.Targets {
		if t.Success {
			return true
		}
	}
	return false
}

// FailureSummary joins the errors of the failed targets
func (r *PublishResult) FailureSummary() string {
	if r == nil {
		return "no publish result"
	}
	var parts []string
	for _, t := range r.Targets {
		if !t.Success {
			msg := t.Error
			if msg == "" {
				msg = "failed"
			}
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "; ")
}

type Publisher interface {
	Publish(ctx context.Context, draft PostDraft) (*PublishResult, error)
}

// ChannelDirectory maps channel references to platform identifiers. Channels that are
// unknown, inactive or owned by another workspace are absent from the result.
type ChannelDirectory interface {
	Resolve(ctx context.Context, workspaceID uint, channelIDs []uint) (map[uint]string, error)
}
