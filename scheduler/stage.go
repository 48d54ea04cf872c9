package scheduler

import (
	"fmt"
	"time"

	"dripflow/models"
)

// StageKind identifies one of the three time-offset jobs of an occurrence
type StageKind int

const (
	StageGeneration StageKind = iota + 1
	StageNotification
	StagePublish
)

// Stages lists every stage in execution order
var Stages = []StageKind{StageGeneration, StageNotification, StagePublish}

var stageNames = map[StageKind]string{
	StageGeneration:   "generation",
	StageNotification: "notification",
	StagePublish:      "publish",
}

func (k StageKind) String() string {
	if name, ok := stageNames[k]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(k))
}

// ParseStageKind maps a job kind back to its stage
func ParseStageKind(name string) (StageKind, bool) {
	for kind, n := range stageNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}

// stageSlot describes where a stage keeps its job reference and when it fires
type stageSlot struct {
	column string
	jobID  func(p *models.DripPost) *string
	fireAt func(p *models.DripPost) time.Time
}

var stageSlots = map[StageKind]stageSlot{
	StageGeneration: {
		column: "generation_job_id",
		jobID:  func(p *models.DripPost) *string { return p.GenerationJobID },
		fireAt: func(p *models.DripPost) time.Time { return p.AIGenerationAt },
	},
	StageNotification: {
		column: "notification_job_id",
		jobID:  func(p *models.DripPost) *string { return p.NotificationJobID },
		fireAt: func(p *models.DripPost) time.Time { return p.EmailNotificationAt },
	},
	StagePublish: {
		column: "publish_job_id",
		jobID:  func(p *models.DripPost) *string { return p.PublishJobID },
		fireAt: func(p *models.DripPost) time.Time { return p.ScheduledAt },
	},
}

// StagePayload is the body of every stage job
type StagePayload struct {
	PostID     uint      `json:"post_id"`
	CampaignID uint      `json:"campaign_id"`
	Stage      StageKind `json:"stage"`
}

// StageResult is the outcome of a handler that did not error
type StageResult int

const (
	ResultDone StageResult = iota + 1
	// ResultSkipped means the guard rejected the job and nothing changed
	ResultSkipped
)

func (r StageResult) String() string {
	switch r {
	case ResultDone:
		return "done"
	case ResultSkipped:
		return "skipped"
	default:
		return "none"
	}
}

// JobID builds the idempotency key of a stage job. The activation and retry rounds make
// a job from an earlier activation distinguishable from the current one.
func JobID(campaignID, postID uint, stage StageKind, activation, retry int) string {
	return fmt.Sprintf("drip:%d:%d:%s:v%dr%d", campaignID, postID, stage, activation, retry)
}
