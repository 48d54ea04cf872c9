package controller

import (
	"github.com/gofiber/fiber/v2"

	"dripflow/scheduler"
	"dripflow/utils"
)

// ActivateCampaign starts a draft campaign or resumes a paused one. Campaigns stopped by
// publish errors need {"acknowledge_errors": true}.
func (cc *CampaignController) ActivateCampaign(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var opts scheduler.ActivateOptions
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&opts); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	campaign, err := cc.Service.ActivateCampaign(c.UserContext(), workspaceID, id, userID, opts)
	if err != nil {
		return cc.respondError(c, "activate campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	campaign, err := cc.Service.PauseCampaign(c.UserContext(), workspaceID, id, userID)
	if err != nil {
		return cc.respondError(c, "pause campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

func (cc *CampaignController) CancelCampaign(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	campaign, err := cc.Service.CancelCampaign(c.UserContext(), workspaceID, id, userID)
	if err != nil {
		return cc.respondError(c, "cancel campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}
