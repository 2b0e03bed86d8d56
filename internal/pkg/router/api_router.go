package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/wisdomapp/wisdompay/app/controllers"
	"github.com/wisdomapp/wisdompay/internal/pkg/middleware"
)

// ApiRouter installs the payment pipeline's two surfaces: the gateway IPN
// receiver and the internal activation-retry endpoint.
type ApiRouter struct {
	webhook        *controllers.WebhookController
	serviceSecret  string
	limiterStorage fiber.Storage
}

func NewApiRouter(webhook *controllers.WebhookController, serviceSecret string, limiterStorage fiber.Storage) *ApiRouter {
	return &ApiRouter{
		webhook:        webhook,
		serviceSecret:  serviceSecret,
		limiterStorage: limiterStorage,
	}
}

func (r ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    r.limiterStorage,
	}))

	api.Post("/payments/gateway/ipn", r.webhook.HandleGatewayIPN)

	internal := api.Group("/internal", middleware.ServiceSecretAuth(r.serviceSecret))
	internal.Post("/payments/:invoice/retry", r.webhook.HandleActivationRetry)
}
