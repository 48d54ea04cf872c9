package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	controller "dripflow/controllers"
	"dripflow/middleware"
	"dripflow/scheduler"
)

// Deps carries what the HTTP layer needs
type Deps struct {
	Service        *scheduler.Service
	JWTSecret      string
	AllowedOrigins []string

	// RateLimit caps campaign mutations per minute; RateStorage nil keeps counters in memory
	RateLimit   int
	RateStorage fiber.Storage

	Gatherer         prometheus.Gatherer // optional, serves /metrics
	ProgressInterval time.Duration
	Logger           *logrus.Entry
	RequestLogging   bool
}

// NewApp builds the Fiber app with middleware and every route mounted
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "dripflow",
		ErrorHandler: controller.ErrorHandler,
	})

	cors := middleware.DefaultCORSConfig()
	if len(d.AllowedOrigins) > 0 {
		cors.AllowedOrigins = d.AllowedOrigins
	}
	app.Use(middleware.CORS(cors))

	SetupRoutes(app, d)
	return app
}

func SetupAPIRoutes(app *fiber.App, d Deps) {
	campaignController := controller.NewCampaignController(d.Service, d.Logger)
	limit := middleware.CampaignActionLimiter(d.RateLimit, d.RateStorage)

	handlers := []fiber.Handler{middleware.Protected(d.JWTSecret)}
	if d.RequestLogging {
		handlers = append(handlers, logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	api := app.Group("/api/v1", handlers...)

	// WebSocket route for campaign progress, ahead of /campaigns/:id
	api.Get("/campaigns/progress", controller.UpgradeOnly,
		websocket.New(campaignController.HandleCampaignProgressWS(d.ProgressInterval)))

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/", limit, campaignController.CreateCampaign)
	campaign.Get("/", campaignController.GetCampaigns)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Post("/:id/activate", limit, campaignController.ActivateCampaign)
	campaign.Post("/:id/pause", limit, campaignController.PauseCampaign)
	campaign.Post("/:id/cancel", limit, campaignController.CancelCampaign)
	campaign.Get("/:id/posts", campaignController.GetPosts)
	campaign.Get("/:id/history", campaignController.GetHistory)
	campaign.Get("/:id/stats", campaignController.GetCampaignStats)

	// Occurrence routes
	post := api.Group("/posts")
	post.Get("/:postId", campaignController.GetPost)
	post.Put("/:postId/content", limit, campaignController.EditPost)
	post.Post("/:postId/approve", limit, campaignController.ApprovePost)
	post.Post("/:postId/skip", limit, campaignController.SkipPost)
	post.Post("/:postId/retry", limit, campaignController.RetryPost)
}

func SetupRoutes(app *fiber.App, d Deps) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	SetupAPIRoutes(app, d)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
