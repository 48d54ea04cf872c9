package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	wsclient "github.com/fasthttp/websocket"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dripflow/clients"
	"dripflow/config"
	"dripflow/middleware"
	"dripflow/models"
	"dripflow/queue"
	"dripflow/scheduler"
	"dripflow/utils"
)

const secret = "routes-secret"

type apiTest struct {
	t     *testing.T
	app   *fiber.App
	queue *queue.RedisQueue
	token string
}

func newAPITest(t *testing.T, mutate ...func(*Deps)) *apiTest {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, config.Migrate(db))

	require.NoError(t, db.Create(&[]models.Channel{
		{WorkspaceID: 1, Platform: "linkedin"},
		{WorkspaceID: 1, Platform: "x"},
	}).Error)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := prometheus.NewRegistry()
	q := queue.NewRedisQueue(client, queue.Options{Prefix: "test"}, queue.NewMetrics(reg), nil)

	svc := scheduler.New(scheduler.Deps{
		DB:         db,
		Queue:      q,
		QueueStats: q,
		Channels:   clients.NewChannelDirectory(db, 0, 60),
		AppURL:     "https://app.example.com",
	})

	token, err := utils.GenerateJWTToken(42, 1, secret, time.Hour)
	require.NoError(t, err)

	deps := Deps{
		Service:     svc,
		JWTSecret:   secret,
		RateLimit:   100,
		RateStorage: middleware.NewRedisStorage(client),
		Gatherer:    reg,
	}
	for _, m := range mutate {
		m(&deps)
	}

	return &apiTest{
		t:     t,
		app:   NewApp(deps),
		queue: q,
		token: token,
	}
}

// serve runs the app on a loopback listener for clients that need a real connection
func (a *apiTest) serve() string {
	a.t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(a.t, err)
	go func() { _ = a.app.Listener(ln) }()
	a.t.Cleanup(func() { _ = a.app.ShutdownWithTimeout(time.Second) })
	return ln.Addr().String()
}

func (a *apiTest) subscribe(addr string, campaignID uint) *wsclient.Conn {
	a.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token)
	conn, _, err := wsclient.DefaultDialer.Dial("ws://"+addr+"/api/v1/campaigns/progress", header)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { _ = conn.Close() })
	require.NoError(a.t, conn.WriteJSON(map[string]uint{"campaign_id": campaignID}))
	require.NoError(a.t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func (a *apiTest) createCampaign() models.DripCampaign {
	a.t.Helper()
	status, env := a.call("POST", "/api/v1/campaigns", campaignBody())
	require.Equal(a.t, fiber.StatusCreated, status, env.Details)
	var campaign models.DripCampaign
	require.NoError(a.t, json.Unmarshal(env.Data, &campaign))
	return campaign
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Details string          `json:"details"`
	Data    json.RawMessage `json:"data"`
	Total   int64           `json:"total"`
}

func (a *apiTest) do(method, path string, body interface{}, token string) (int, envelope) {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(a.t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env
}

func (a *apiTest) call(method, path string, body interface{}) (int, envelope) {
	return a.do(method, path, body, a.token)
}

func campaignBody() map[string]interface{} {
	start := time.Now().UTC().AddDate(0, 0, 10)
	return map[string]interface{}{
		"name":            "Coffee drip",
		"recurrence_type": "daily",
		"time_of_day":     "09:00",
		"timezone":        "Europe/Berlin",
		"start_date":      start.Format("2006-01-02"),
		"end_date":        start.AddDate(0, 0, 4).Format("2006-01-02"),
		"channel_ids":     []uint{1, 2},
		"niche":           "specialty coffee",
		"notify_email":    "reviewer@example.com",
	}
}

func TestAPI_CampaignLifecycle(t *testing.T) {
	a := newAPITest(t)

	status, env := a.call("POST", "/api/v1/campaigns", campaignBody())
	require.Equal(t, fiber.StatusCreated, status, env.Details)
	var campaign models.DripCampaign
	require.NoError(t, json.Unmarshal(env.Data, &campaign))
	assert.Equal(t, models.CampaignStatusDraft, campaign.Status)
	base := fmt.Sprintf("/api/v1/campaigns/%d", campaign.ID)

	status, env = a.call("POST", base+"/activate", nil)
	require.Equal(t, fiber.StatusOK, status, env.Details)
	require.NoError(t, json.Unmarshal(env.Data, &campaign))
	assert.Equal(t, models.CampaignStatusActive, campaign.Status)
	assert.Equal(t, 5, campaign.TotalOccurrences)

	stats, err := a.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 15, stats.Delayed)

	status, env = a.call("POST", base+"/activate", nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Contains(t, env.Details, "in status active")

	status, env = a.call("GET", base+"/posts?limit=2", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 5, env.Total)
	var posts []models.DripPost
	require.NoError(t, json.Unmarshal(env.Data, &posts))
	require.Len(t, posts, 2)
	assert.Equal(t, 1, posts[0].OccurrenceNumber)

	status, env = a.call("GET", fmt.Sprintf("/api/v1/posts/%d", posts[1].ID), nil)
	require.Equal(t, fiber.StatusOK, status)

	status, env = a.call("POST", fmt.Sprintf("/api/v1/posts/%d/approve", posts[0].ID), nil)
	assert.Equal(t, fiber.StatusConflict, status)

	status, env = a.call("POST", fmt.Sprintf("/api/v1/posts/%d/skip", posts[0].ID), nil)
	require.Equal(t, fiber.StatusOK, status, env.Details)

	status, env = a.call("GET", base+"/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	var s scheduler.CampaignStats
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.EqualValues(t, 4, s.ByStatus[models.PostStatusPending])
	assert.EqualValues(t, 1, s.ByStatus[models.PostStatusSkipped])
	require.NotNil(t, s.Queue)
	assert.EqualValues(t, 12, s.Queue.Delayed)

	status, env = a.call("POST", base+"/pause", nil)
	require.Equal(t, fiber.StatusOK, status)
	stats, err = a.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Delayed)

	status, env = a.call("GET", base+"/history", nil)
	require.Equal(t, fiber.StatusOK, status)
	var history []models.DripHistory
	require.NoError(t, json.Unmarshal(env.Data, &history))
	actions := make([]string, len(history))
	for i, h := range history {
		actions[i] = h.Action
	}
	assert.Equal(t, []string{
		scheduler.ActionCampaignCreated,
		scheduler.ActionMaterialized,
		scheduler.ActionActivated,
		scheduler.ActionSkipped,
		scheduler.ActionPaused,
	}, actions)

	status, env = a.call("GET", fmt.Sprintf("%s/history?post_id=%d", base, posts[0].ID), nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, env.Total)

	status, _ = a.call("POST", base+"/cancel", nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, env = a.call("GET", "/api/v1/campaigns?status=cancelled", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, env.Total)
}

func TestAPI_Errors(t *testing.T) {
	a := newAPITest(t)

	status, _ := a.do("GET", "/api/v1/campaigns", nil, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	body := campaignBody()
	delete(body, "name")
	status, env := a.call("POST", "/api/v1/campaigns", body)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.False(t, env.Success)
	assert.Contains(t, env.Details, "name is required")

	body = campaignBody()
	body["channel_ids"] = []uint{1, 9}
	status, env = a.call("POST", "/api/v1/campaigns", body)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, env.Details, "channel 9")

	status, env = a.call("GET", "/api/v1/campaigns/999", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Contains(t, env.Details, "campaign 999 not found")

	status, env = a.call("GET", "/api/v1/campaigns/abc", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "Invalid id", env.Error)

	status, _ = a.call("GET", "/api/v1/campaigns/progress", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, status)

	status, _ = a.call("GET", "/nowhere", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestAPI_WorkspaceIsolation(t *testing.T) {
	a := newAPITest(t)

	status, env := a.call("POST", "/api/v1/campaigns", campaignBody())
	require.Equal(t, fiber.StatusCreated, status)
	var campaign models.DripCampaign
	require.NoError(t, json.Unmarshal(env.Data, &campaign))

	other, err := utils.GenerateJWTToken(43, 2, secret, time.Hour)
	require.NoError(t, err)
	status, _ = a.do("GET", fmt.Sprintf("/api/v1/campaigns/%d", campaign.ID), nil, other)
	assert.Equal(t, fiber.StatusNotFound, status)
	status, _ = a.do("POST", fmt.Sprintf("/api/v1/campaigns/%d/activate", campaign.ID), nil, other)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	a := newAPITest(t)

	status, _ := a.do("GET", "/health", nil, "")
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = a.call("POST", "/api/v1/campaigns", campaignBody())
	require.Equal(t, fiber.StatusCreated, status)
	status, _ = a.call("POST", "/api/v1/campaigns/1/activate", nil)
	require.Equal(t, fiber.StatusOK, status)

	resp, err := a.app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "dripflow_queue_jobs_submitted_total")
}

func TestAPI_ProgressStreamEndsWithCampaign(t *testing.T) {
	a := newAPITest(t, func(d *Deps) { d.ProgressInterval = 20 * time.Millisecond })
	campaign := a.createCampaign()
	status, _ := a.call("POST", fmt.Sprintf("/api/v1/campaigns/%d/activate", campaign.ID), nil)
	require.Equal(t, fiber.StatusOK, status)

	conn := a.subscribe(a.serve(), campaign.ID)

	var stats scheduler.CampaignStats
	require.NoError(t, conn.ReadJSON(&stats))
	assert.Equal(t, models.CampaignStatusActive, stats.Status)
	assert.EqualValues(t, 5, stats.TotalOccurrences)

	status, _ = a.call("POST", fmt.Sprintf("/api/v1/campaigns/%d/cancel", campaign.ID), nil)
	require.Equal(t, fiber.StatusOK, status)

	for stats.Status != models.CampaignStatusCancelled {
		require.NoError(t, conn.ReadJSON(&stats))
	}
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server keeps streaming after the campaign was cancelled")
}

func TestAPI_ProgressStreamStopsWhenClientLeaves(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	a := newAPITest(t, func(d *Deps) {
		d.ProgressInterval = time.Hour
		d.Logger = logrus.NewEntry(logger)
	})
	campaign := a.createCampaign()

	conn := a.subscribe(a.serve(), campaign.ID)
	var stats scheduler.CampaignStats
	require.NoError(t, conn.ReadJSON(&stats))
	assert.Equal(t, models.CampaignStatusDraft, stats.Status)
	require.NoError(t, conn.Close())

	// the handler returns without waiting for the next tick
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Progress subscriber went away" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
