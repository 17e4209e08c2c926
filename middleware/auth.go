package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"idle-arena/services"
)

const (
	LocalUserID     = "user_id"
	LocalUserRoles  = "user_roles"
	LocalUserName   = "user_name"
	LocalUserAvatar = "user_avatar"
	LocalDeviceID   = "device_id"
)

// UserContextMiddleware extracts user identity and roles set by Gateway.
// Secured paths (/s/...) are rejected without an X-User-ID.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))

		path := c.Path()
		if strings.HasPrefix(path, "/s/") && userID == "" {
			log.Printf("❌ [USER_CTX] X-User-ID required but missing on secured route: %s", path)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: request must come through gateway with auth context",
			})
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalUserRoles, splitRoles(c.Get("X-User-Roles")))
		c.Locals(LocalUserName, strings.TrimSpace(c.Get("X-User-Name")))
		c.Locals(LocalUserAvatar, strings.TrimSpace(c.Get("X-User-Avatar")))
		return c.Next()
	}
}

func splitRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// RequireRole rejects callers that lack role. It must run after
// UserContextMiddleware or StreamAuthMiddleware.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals(LocalUserRoles).([]string)
		for _, r := range roles {
			if r == role {
				return c.Next()
			}
		}
		log.Printf("🚫 [USER_CTX] %s lacks role %q for %s", UserID(c), role, c.Path())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "insufficient role",
		})
	}
}

func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return id
}

// Identity builds the player identity attached by the auth middleware.
func Identity(c *fiber.Ctx) services.PlayerIdentity {
	name, _ := c.Locals(LocalUserName).(string)
	avatar, _ := c.Locals(LocalUserAvatar).(string)
	return services.PlayerIdentity{UserID: UserID(c), DisplayName: name, AvatarURL: avatar}
}
