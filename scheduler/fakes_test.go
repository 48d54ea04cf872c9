package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dripflow/models"
	"dripflow/queue"
)

type fakeJob struct {
	kind    string
	payload []byte
	delay   time.Duration
}

// fakeQueue records submissions and cancellations in memory
type fakeQueue struct {
	mu        sync.Mutex
	jobs      map[string]fakeJob
	submits   int
	failOn    int // fail the n-th Submit call when > 0
	cancelErr error
	cancelled []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]fakeJob)}
}

func (q *fakeQueue) Submit(ctx context.Context, kind string, payload interface{}, delay time.Duration, jobID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.submits++
	if q.failOn > 0 && q.submits == q.failOn {
		return "", errors.New("redis unavailable")
	}
	if _, ok := q.jobs[jobID]; ok {
		return jobID, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	q.jobs[jobID] = fakeJob{kind: kind, payload: body, delay: delay}
	return jobID, nil
}

func (q *fakeQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelErr != nil {
		return false, q.cancelErr
	}
	q.cancelled = append(q.cancelled, jobID)
	if _, ok := q.jobs[jobID]; !ok {
		return false, nil
	}
	delete(q.jobs, jobID)
	return true, nil
}

func (q *fakeQueue) Stats(ctx context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Delayed: int64(len(q.jobs))}, nil
}

func (q *fakeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *fakeQueue) ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (q *fakeQueue) get(id string) (fakeJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	return job, ok
}

// take removes a job as a worker claiming it would
func (q *fakeQueue) take(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
}

// statusError mimics a collaborator answering with an HTTP error status
type statusError struct {
	temporary bool
}

func (e statusError) Error() string {
	if e.temporary {
		return "unexpected status 503"
	}
	return "unexpected status 400"
}

func (e statusError) Temporary() bool { return e.temporary }

type fakeChannel struct {
	workspaceID uint
	platform    string
	active      bool
}

type fakeChannels struct {
	channels map[uint]fakeChannel
	err      error
}

func (f *fakeChannels) Resolve(ctx context.Context, workspaceID uint, ids []uint) (map[uint]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[uint]string)
	for _, id := range ids {
		ch, ok := f.channels[id]
		if ok && ch.active && ch.workspaceID == workspaceID {
			out[id] = ch.platform
		}
	}
	return out, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   []GenerationRequest
	content *GeneratedContent
	err     error
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (*GeneratedContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []ReviewNotice
	err     error
}

func (f *fakeNotifier) SendReviewNotice(ctx context.Context, notice ReviewNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice)
	return f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	drafts []PostDraft
	result *PublishResult
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, draft PostDraft) (*PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draft)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	res := &PublishResult{PostRef: "post-ref"}
	for _, target := range draft.Targets {
		res.Targets = append(res.Targets, TargetStatus{ChannelID: target.ChannelID, Success: true})
	}
	return res, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.DripCampaign{},
		&models.DripPost{},
		&models.DripHistory{},
		&models.Channel{},
	))
	return db
}

const testWorkspace uint = 1

type harness struct {
	t         *testing.T
	db        *gorm.DB
	svc       *Service
	queue     *fakeQueue
	channels  *fakeChannels
	generator *fakeGenerator
	notifier  *fakeNotifier
	publisher *fakePublisher
	clock     time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		db:    newTestDB(t),
		queue: newFakeQueue(),
		channels: &fakeChannels{channels: map[uint]fakeChannel{
			1: {workspaceID: testWorkspace, platform: "linkedin", active: true},
			2: {workspaceID: testWorkspace, platform: "x", active: true},
			3: {workspaceID: testWorkspace, platform: "facebook", active: false},
			4: {workspaceID: 2, platform: "instagram", active: true},
		}},
		generator: &fakeGenerator{content: &GeneratedContent{
			Texts:         map[string]string{"default": "Fresh beans today", "linkedin": "A longer take on fresh beans"},
			SearchContext: "coffee news",
		}},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		clock:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.svc = New(Deps{
		DB:         h.db,
		Queue:      h.queue,
		QueueStats: h.queue,
		Generator:  h.generator,
		Notifier:   h.notifier,
		Publisher:  h.publisher,
		Channels:   h.channels,
		AppURL:     "https://app.example.com",
	})
	h.svc.setClock(func() time.Time { return h.clock })
	return h
}

// input describes five daily occurrences from 2025-01-10 at 09:00 UTC
func input(mutate ...func(*CreateCampaignInput)) CreateCampaignInput {
	in := CreateCampaignInput{
		Name:           "Coffee drip",
		RecurrenceType: models.RecurrenceDaily,
		TimeOfDay:      "09:00",
		Timezone:       "UTC",
		StartDate:      "2025-01-10",
		EndDate:        "2025-01-14",
		ChannelIDs:     []uint{1, 2},
		Niche:          "specialty coffee",
		Tone:           "friendly",
		NotifyEmail:    "reviewer@example.com",
	}
	for _, m := range mutate {
		m(&in)
	}
	return in
}

func autoApprove(in *CreateCampaignInput) {
	in.AutoApprove = true
	in.NotifyEmail = ""
}

func (h *harness) create(mutate ...func(*CreateCampaignInput)) *models.DripCampaign {
	h.t.Helper()
	campaign, err := h.svc.CreateCampaign(context.Background(), testWorkspace, 42, input(mutate...))
	require.NoError(h.t, err)
	return campaign
}

func (h *harness) activate(mutate ...func(*CreateCampaignInput)) *models.DripCampaign {
	h.t.Helper()
	campaign := h.create(mutate...)
	campaign, err := h.svc.ActivateCampaign(context.Background(), testWorkspace, campaign.ID, 42, ActivateOptions{})
	require.NoError(h.t, err)
	return campaign
}

func (h *harness) campaign(id uint) models.DripCampaign {
	h.t.Helper()
	var c models.DripCampaign
	require.NoError(h.t, h.db.First(&c, id).Error)
	return c
}

func (h *harness) posts(campaignID uint) []models.DripPost {
	h.t.Helper()
	var posts []models.DripPost
	require.NoError(h.t, h.db.Where("campaign_id = ?", campaignID).Order("occurrence_number ASC").Find(&posts).Error)
	return posts
}

func (h *harness) post(id uint) models.DripPost {
	h.t.Helper()
	var p models.DripPost
	require.NoError(h.t, h.db.First(&p, id).Error)
	return p
}

func (h *harness) history(campaignID uint) []models.DripHistory {
	h.t.Helper()
	var entries []models.DripHistory
	require.NoError(h.t, h.db.Where("campaign_id = ?", campaignID).Order("id ASC").Find(&entries).Error)
	return entries
}

func (h *harness) actions(campaignID uint, postID *uint) []string {
	var out []string
	for _, e := range h.history(campaignID) {
		if postID != nil && (e.PostID == nil || *e.PostID != *postID) {
			continue
		}
		out = append(out, e.Action)
	}
	return out
}

// jobFor builds the job a worker would receive for the stage reference stored on post
func (h *harness) jobFor(postID uint, kind StageKind, attempt int) *queue.Job {
	h.t.Helper()
	post := h.post(postID)
	ref := stageSlots[kind].jobID(&post)
	require.NotNil(h.t, ref, "no %s job stored on occurrence %d", kind, postID)
	return h.job(*ref, post, kind, attempt)
}

func (h *harness) job(id string, post models.DripPost, kind StageKind, attempt int) *queue.Job {
	body, err := json.Marshal(StagePayload{PostID: post.ID, CampaignID: post.CampaignID, Stage: kind})
	require.NoError(h.t, err)
	return &queue.Job{ID: id, Kind: kind.String(), Payload: body, Attempt: attempt, MaxAttempts: 3}
}

// run executes the stage job stored on the occurrence
func (h *harness) run(postID uint, kind StageKind, attempt int) (StageResult, error) {
	h.t.Helper()
	job := h.jobFor(postID, kind, attempt)
	h.queue.take(job.ID)
	return h.svc.Processor().Process(context.Background(), job)
}
