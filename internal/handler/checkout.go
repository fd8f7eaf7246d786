package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/quizforge/billing/internal/checkout"
)

// CheckoutHandler opens provider checkout sessions for token packs.
type CheckoutHandler struct {
	Service *checkout.Service
	Log     zerolog.Logger
}

// NewCheckoutHandler constructs a CheckoutHandler.
func NewCheckoutHandler(svc *checkout.Service, log zerolog.Logger) *CheckoutHandler {
	return &CheckoutHandler{Service: svc, Log: log}
}

// Create serves POST /billing/checkout.  The caller supplies the user
// and pack ids; the response carries the provider session id and the
// redirect URL.
func (h *CheckoutHandler) Create(c echo.Context) error {
	var body struct {
		UserID string `json:"user_id"`
		PackID string `json:"pack_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == "" || body.PackID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and pack_id are required"})
	}
	sess, err := h.Service.CreateSession(c.Request().Context(), body.UserID, body.PackID)
	if err != nil {
		h.Log.Warn().Err(err).Str("user_id", body.UserID).Str("pack_id", body.PackID).
			Msg("checkout session creation failed")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "checkout unavailable"})
	}
	return c.JSON(http.StatusCreated, echo.Map{"session_id": sess.SessionID, "url": sess.URL})
}
