package controller

import (
	"github.com/gofiber/fiber/v2"

	"dripflow/utils"
)

// GetCampaignStats returns counters, occurrence counts by status and queue depth
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	workspaceID, _ := identity(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	stats, err := cc.Service.GetStats(c.UserContext(), workspaceID, id)
	if err != nil {
		return cc.respondError(c, "get campaign stats", err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}
