package controllers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/wisdomapp/wisdompay/internal/pkg/gateway"
	"github.com/wisdomapp/wisdompay/internal/pkg/payment"
)

// GatewaySecretHeader carries the shared secret the gateway presents with
// every IPN delivery.
const GatewaySecretHeader = "X-Gateway-Secret"

const handlerTimeout = 15 * time.Second

// PaymentPipeline is what the HTTP layer needs from the ingestion service.
type PaymentPipeline interface {
	ProcessNotification(ctx context.Context, n *gateway.Notification) payment.Outcome
	RetryActivation(ctx context.Context, invoiceNumber string) (string, error)
}

// WebhookController owns the transport-level acknowledgement decision. The
// pipeline reports outcomes; this is the only place they become HTTP.
type WebhookController struct {
	pipeline      PaymentPipeline
	gatewaySecret string
}

func NewWebhookController(pipeline PaymentPipeline, gatewaySecret string) *WebhookController {
	return &WebhookController{pipeline: pipeline, gatewaySecret: gatewaySecret}
}

// HandleGatewayIPN receives one gateway notification. Everything except a
// failed secret check is acknowledged with HTTP 200 so the gateway stops
// redelivering; an unauthenticated sender is the one caller that is not told
// "received".
func (wc *WebhookController) HandleGatewayIPN(c *fiber.Ctx) error {
	if !gateway.VerifySharedSecret(c.Get(GatewaySecretHeader), wc.gatewaySecret) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "invalid gateway credential",
		})
	}

	raw := append([]byte(nil), c.Body()...)
	n, err := gateway.ParseNotification(raw)
	if err != nil {
		// Payload-shape failures are not retryable; acknowledge to stop the
		// gateway and leave the rest to monitoring.
		log.Printf("ipn: malformed payload acknowledged: %v", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"success": false,
			"message": "malformed payload acknowledged",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	outcome := wc.pipeline.ProcessNotification(ctx, n)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": outcome.OK(),
		"message": outcome.Message,
	})
}

// HandleActivationRetry re-invokes activation for a stuck order. Unlike the
// IPN path this is an internal API with real error semantics: bad requests
// are rejected, they do not get a soft acknowledgement.
func (wc *WebhookController) HandleActivationRetry(c *fiber.Ctx) error {
	invoiceNumber := c.Params("invoice")
	if invoiceNumber == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "invoice number is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	ref, err := wc.pipeline.RetryActivation(ctx, invoiceNumber)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrOrderNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   "order_not_found",
				"message": err.Error(),
			})
		case errors.Is(err, payment.ErrNotCompleted), errors.Is(err, payment.ErrAlreadyActivated):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":   "invalid_retry_state",
				"message": err.Error(),
			})
		default:
			log.Printf("retry: activation for %s failed: %v", invoiceNumber, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "activation_failed",
				"message": err.Error(),
			})
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success":         true,
		"confirmation_id": ref,
	})
}
