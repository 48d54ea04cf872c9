package controller

import (
	"github.com/gofiber/fiber/v2"

	"dripflow/scheduler"
	"dripflow/utils"
)

// EditPost replaces the generated content of an occurrence awaiting review and approves it
func (cc *CampaignController) EditPost(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)
	id, err := paramID(c, "postId")
	if err != nil {
		return err
	}

	var input scheduler.EditPostInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	post, err := cc.Service.EditPost(c.UserContext(), workspaceID, id, userID, input)
	if err != nil {
		return cc.respondError(c, "edit post", err)
	}
	return c.JSON(utils.SuccessResponse(post))
}

func (cc *CampaignController) ApprovePost(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)
	id, err := paramID(c, "postId")
	if err != nil {
		return err
	}

	post, err := cc.Service.ApprovePost(c.UserContext(), workspaceID, id, userID)
	if err != nil {
		return cc.respondError(c, "approve post", err)
	}
	return c.JSON(utils.SuccessResponse(post))
}

func (cc *CampaignController) SkipPost(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)
	id, err := paramID(c, "postId")
	if err != nil {
		return err
	}

	post, err := cc.Service.SkipPost(c.UserContext(), workspaceID, id, userID)
	if err != nil {
		return cc.respondError(c, "skip post", err)
	}
	return c.JSON(utils.SuccessResponse(post))
}

// RetryPost reschedules a failed occurrence
func (cc *CampaignController) RetryPost(c *fiber.Ctx) error {
	workspaceID, userID := identity(c)
	id, err := paramID(c, "postId")
	if err != nil {
		return err
	}

	post, err := cc.Service.RetryPost(c.UserContext(), workspaceID, id, userID)
	if err != nil {
		return cc.respondError(c, "retry post", err)
	}
	return c.JSON(utils.SuccessResponse(post))
}
