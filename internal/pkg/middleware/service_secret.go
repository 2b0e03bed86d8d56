package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/wisdomapp/wisdompay/internal/pkg/gateway"
)

// ServiceSecretHeader authenticates service-to-service calls on internal
// routes.
const ServiceSecretHeader = "X-Service-Secret"

// ServiceSecretAuth guards internal endpoints with a shared service secret.
// Fails closed when the secret is unconfigured.
func ServiceSecretAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !gateway.VerifySharedSecret(c.Get(ServiceSecretHeader), secret) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "Missing or invalid service secret",
			})
		}
		return c.Next()
	}
}
