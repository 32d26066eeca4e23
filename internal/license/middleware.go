package license

import (
	"github.com/gofiber/fiber/v2"
)

// RequireLicense guards a host application's routes on the client's
// last known license state
func RequireLicense(client *Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if client.IsValid() {
			return c.Next()
		}
		_, reason := client.Status()
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"success": false,
			"message": "Invalid or expired license. Please contact support.",
			"code":    "LICENSE_INVALID",
			"reason":  reason,
		})
	}
}
