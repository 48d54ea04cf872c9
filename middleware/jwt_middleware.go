package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"dripflow/utils"
)

// Protected validates the access token and stores the caller's user and workspace ids
// in the request locals.
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := accessToken(c)
		if err != nil {
			return err
		}

		claims, err := utils.ParseJWTToken(token, secret)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid or expired token")
		}
		c.Locals("userID", claims.UserID)
		c.Locals("workspaceID", claims.WorkspaceID)
		return c.Next()
	}
}

// accessToken reads the bearer header, falling back to the access_token cookie
func accessToken(c *fiber.Ctx) (string, error) {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		if token := c.Cookies("access_token"); token != "" {
			return token, nil
		}
		return "", fiber.NewError(fiber.StatusUnauthorized, "Authorization required")
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "Invalid authorization format")
	}
	return token, nil
}
