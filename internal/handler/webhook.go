package handler

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/quizforge/billing/internal/webhook"
)

// maxWebhookBody bounds how much of a webhook request is read.  Provider
// payloads are a few kilobytes; anything larger is not a real event.
const maxWebhookBody = 1 << 16

// WebhookHandler receives provider webhook deliveries.  The raw body is
// preserved bit for bit for signature verification; exactly one
// signature header must be present.
type WebhookHandler struct {
	Processor *webhook.Processor
	Log       zerolog.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(p *webhook.Processor, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{Processor: p, Log: log}
}

// Handle serves POST /billing/webhooks/stripe.  2xx acknowledges the
// event (including duplicates and ignored types), 4xx tells the provider
// to stop retrying, 5xx requests a retry.
func (h *WebhookHandler) Handle(c echo.Context) error {
	sigs := c.Request().Header.Values("Stripe-Signature")
	if len(sigs) != 1 {
		h.Log.Warn().Int("signature_headers", len(sigs)).Msg("webhook without exactly one signature header")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad signature"})
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	outcome := h.Processor.Process(c.Request().Context(), body, sigs[0])
	switch outcome {
	case webhook.OutcomeOK, webhook.OutcomeDuplicate:
		return c.JSON(http.StatusOK, echo.Map{"status": string(outcome)})
	case webhook.OutcomeBadSignature:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad signature"})
	case webhook.OutcomeRejected:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "rejected"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed"})
	}
}
