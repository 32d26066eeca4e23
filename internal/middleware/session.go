package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/services"
)

// HeaderHWID carries the caller's hardware id on protected client routes
const HeaderHWID = "X-HWID"

// SessionRequired guards client routes with a session token and the HWID it
// was issued to
func SessionRequired(sessions *services.SessionManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := BearerToken(c)
		hwid := c.Get(HeaderHWID)
		if !ok || hwid == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"reason":  services.ReasonTokenInvalid,
				"message": "Session token and X-HWID header are required",
			})
		}

		check := sessions.Check(c.UserContext(), token, hwid, c.IP())
		if !check.Valid {
			status := fiber.StatusUnauthorized
			if check.Reason == services.ReasonServerError {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{
				"success": false,
				"reason":  check.Reason,
				"message": "Session rejected",
			})
		}

		c.Locals("session", check.Session)
		c.Locals("sessionClaims", check.Claims)
		return c.Next()
	}
}

// GetSession returns the validated session of a protected request
func GetSession(c *fiber.Ctx) *models.Session {
	sess, _ := c.Locals("session").(*models.Session)
	return sess
}

// GetSessionClaims returns the token claims of a protected request
func GetSessionClaims(c *fiber.Ctx) *services.SessionClaims {
	claims, _ := c.Locals("sessionClaims").(*services.SessionClaims)
	return claims
}
