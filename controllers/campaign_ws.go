package controller

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"dripflow/models"
)

// UpgradeOnly rejects plain HTTP requests on websocket routes
func UpgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleCampaignProgressWS pushes campaign stats every interval. The client opens with
// {"campaign_id": N}; the stream ends when the campaign reaches a terminal status or the
// client disconnects.
func (cc *CampaignController) HandleCampaignProgressWS(interval time.Duration) func(*websocket.Conn) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return func(c *websocket.Conn) {
		defer c.Close()
		workspaceID, _ := c.Locals("workspaceID").(uint)

		var input struct {
			CampaignID uint `json:"campaign_id"`
		}
		if err := c.ReadJSON(&input); err != nil {
			cc.Logger.WithError(err).Debug("Error reading progress subscription")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Reading is the only way to notice a close frame or a dropped connection
		go func() {
			defer cancel()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			stats, err := cc.Service.GetStats(ctx, workspaceID, input.CampaignID)
			if err != nil {
				if ctx.Err() == nil {
					_ = c.WriteJSON(fiber.Map{"error": err.Error()})
				}
				cc.Logger.WithError(err).Debug("Progress stream ended")
				return
			}
			if err := c.WriteJSON(stats); err != nil {
				cc.Logger.WithError(err).Debug("Progress subscriber went away")
				return
			}
			if models.IsTerminalCampaignStatus(stats.Status) {
				return
			}

			select {
			case <-ctx.Done():
				cc.Logger.WithField("campaign_id", input.CampaignID).Debug("Progress subscriber went away")
				return
			case <-ticker.C:
			}
		}
	}
}
