package controller

import (
	"github.com/gofiber/fiber/v2"

	"dripflow/scheduler"
	"dripflow/utils"
)

// CreateCampaign stores a new drip campaign as a draft
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)

	var input scheduler.CreateCampaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	campaign, err := cc.Service.CreateCampaign(c.UserContext(), workspaceID, userID, input)
	if err != nil {
		return cc.respondError(c, "create campaign", err)
	}

	cc.Logger.WithField("campaign_id", campaign.ID).Info("Campaign created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}
