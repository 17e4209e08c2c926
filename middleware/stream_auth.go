package middleware

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"idle-arena/services"
)

// TokenValidator checks a user access token with the auth service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken, deviceID string) (*services.ValidateResponse, error)
}

// StreamAuthMiddleware authenticates event streams. Browsers cannot set
// headers on EventSource, so besides the gateway user headers it accepts
// `token` and `device_id` query params validated by the auth service.
//
// Usage:
//
//	app.Get("/leaderboard/stream", middleware.StreamAuthMiddleware(authClient), h.Stream)
func StreamAuthMiddleware(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID := strings.TrimSpace(c.Get("X-User-ID")); userID != "" {
			c.Locals(LocalUserID, userID)
			c.Locals(LocalUserRoles, splitRoles(c.Get("X-User-Roles")))
			c.Locals(LocalUserName, strings.TrimSpace(c.Get("X-User-Name")))
			c.Locals(LocalUserAvatar, strings.TrimSpace(c.Get("X-User-Avatar")))
			return c.Next()
		}

		accessToken := strings.TrimSpace(c.Query("token"))
		deviceID := strings.TrimSpace(c.Query("device_id"))
		if accessToken == "" || deviceID == "" {
			log.Printf("[SSEAuth] ❌ Missing token or device_id for %s", c.Path())
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing token or device_id in query",
			})
		}
		if validator == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := validator.ValidateToken(ctx, accessToken, deviceID)
		if err != nil {
			log.Printf("[SSEAuth] ❌ Validation failed for device %s: %v", deviceID, err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		c.Locals(LocalUserID, resp.UserID)
		c.Locals(LocalDeviceID, resp.DeviceID)
		c.Locals(LocalUserRoles, resp.Roles)
		c.Locals(LocalUserName, resp.DisplayName)
		c.Locals(LocalUserAvatar, resp.AvatarURL)

		log.Printf("[SSEAuth] ✅ Authenticated user %s (device %s)", resp.UserID, resp.DeviceID)
		return c.Next()
	}
}
