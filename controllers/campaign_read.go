package controller

import (
	"github.com/gofiber/fiber/v2"

	"dripflow/scheduler"
	"dripflow/utils"
)

func pageOf(c *fiber.Ctx) (scheduler.Page, error) {
	var page scheduler.Page
	if err := c.QueryParser(&page); err != nil {
		return page, fiber.NewError(fiber.StatusBadRequest, "Invalid pagination")
	}
	return page.Normalize(), nil
}

// GetCampaigns lists the campaigns of the caller's workspace
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	workspaceID, _ := identity(c)
	page, err := pageOf(c)
	if err != nil {
		return err
	}

	campaigns, total, err := cc.Service.ListCampaigns(c.UserContext(), workspaceID, c.Query("status"), page)
	if err != nil {
		return cc.respondError(c, "list campaigns", err)
	}
	return c.JSON(utils.PaginatedResponse{Data: campaigns, Total: total, Page: page.Page, Limit: page.Limit})
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	workspaceID, _ := identity(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	campaign, err := cc.Service.GetCampaign(c.UserContext(), workspaceID, id)
	if err != nil {
		return cc.respondError(c, "get campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// GetPosts lists the occurrences of a campaign in schedule order
func (cc *CampaignController) GetPosts(c *fiber.Ctx) error {
	workspaceID, _ := identity(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	page, err := pageOf(c)
	if err != nil {
		return err
	}

	posts, total, err := cc.Service.ListPosts(c.UserContext(), workspaceID, id, c.Query("status"), page)
	if err != nil {
		return cc.respondError(c, "list posts", err)
	}
	return c.JSON(utils.PaginatedResponse{Data: posts, Total: total, Page: page.Page, Limit: page.Limit})
}

func (cc *CampaignController) GetPost(c *fiber.Ctx) error {
	workspaceID, _ := identity(c)
	id, err := paramID(c, "postId")
	if err != nil {
		return err
	}

	post, err := cc.Service.GetPost(c.UserContext(), workspaceID, id)
	if err != nil {
		return cc.respondError(c, "get post", err)
	}
	return c.JSON(utils.SuccessResponse(post))
}

// GetHistory returns the audit trail of a campaign, optionally narrowed with ?post_id=
func (cc *CampaignController) GetHistory(c *fiber.Ctx) error {
	workspaceID, _ := identity(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	page, err := pageOf(c)
	if err != nil {
		return err
	}

	var postID *uint
	if raw := c.QueryInt("post_id", 0); raw > 0 {
		postID = utils.Pointer(uint(raw))
	}

	entries, total, err := cc.Service.ListHistory(c.UserContext(), workspaceID, id, postID, page)
	if err != nil {
		return cc.respondError(c, "list history", err)
	}
	return c.JSON(utils.PaginatedResponse{Data: entries, Total: total, Page: page.Page, Limit: page.Limit})
}
