package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripflow/scheduler"
	"dripflow/utils"
)

// CampaignController exposes the drip campaign engine over HTTP
type CampaignController struct {
	Service *scheduler.Service
	Logger  *logrus.Entry
}

func NewCampaignController(service *scheduler.Service, logger *logrus.Entry) *CampaignController {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CampaignController{
		Service: service,
		Logger:  logger.WithField("component", "campaign_controller"),
	}
}

// identity returns the workspace and user the JWT middleware stored on the request
func identity(c *fiber.Ctx) (workspaceID, userID uint) {
	workspaceID, _ = c.Locals("workspaceID").(uint)
	userID, _ = c.Locals("userID").(uint)
	return workspaceID, userID
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid "+name)
	}
	return uint(id), nil
}

// ErrorHandler renders errors that escape a handler in the standard envelope
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "Internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		message = fe.Message
	} else {
		utils.LogError("unhandled_request_error", err, map[string]interface{}{"path": c.Path()})
	}
	return utils.ErrorResponse(c, status, message, nil)
}

// respondError maps engine errors onto HTTP statuses
func (cc *CampaignController) respondError(c *fiber.Ctx, action string, err error) error {
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, scheduler.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", err)
	case errors.Is(err, scheduler.ErrStateConflict):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Invalid state for "+action, err)
	}

	workspaceID, userID := identity(c)
	utils.LogError(action+"_failed", err, map[string]interface{}{
		"workspace_id": workspaceID,
		"user_id":      userID,
		"path":         c.Path(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to "+action, nil)
}
