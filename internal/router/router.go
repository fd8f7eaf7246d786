package router // Router package

import (
	"github.com/labstack/echo/v4"                             // Echo framework
	"github.com/prometheus/client_golang/prometheus"          // Metrics registry
	"github.com/prometheus/client_golang/prometheus/promhttp" // Metrics HTTP exposition

	"github.com/quizforge/billing/internal/handler" // Import handlers
)

// RegisterRoutes wires the HTTP surface: health, metrics, the provider
// webhook endpoint and the checkout endpoint.
func RegisterRoutes(e *echo.Echo, wh *handler.WebhookHandler, ch *handler.CheckoutHandler, reg *prometheus.Registry) {
	e.GET("/healthz", handler.Health) // GET /healthz route
	e.POST("/billing/webhooks/stripe", wh.Handle)
	e.POST("/billing/checkout", ch.Create)
	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
}
