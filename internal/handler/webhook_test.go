package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizforge/billing/internal/checkout"
	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/metrics"
	"github.com/quizforge/billing/internal/model"
	"github.com/quizforge/billing/internal/refund"
	"github.com/quizforge/billing/internal/repository"
	"github.com/quizforge/billing/internal/webhook"
)

const testSecret = "whsec_handler_test"

func sign(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newHandler(t *testing.T) *WebhookHandler {
	t.Helper()
	store := ledger.NewMemStore()
	svc := ledger.NewService(store, config.LedgerConfig{ReservationTTL: time.Hour, SweepBatchSize: 10},
		zerolog.Nop(), metrics.Nop{})
	catalog := checkout.NewCatalog(&noPacks{}, config.BillingConfig{})
	processor := webhook.NewProcessor(testSecret, store, svc,
		checkout.NewValidator(catalog, true),
		refund.NewEngine(config.PolicyCapByUnspentTokens, store),
		nil, zerolog.Nop(), metrics.Nop{})
	return NewWebhookHandler(processor, zerolog.Nop())
}

func do(t *testing.T, h *WebhookHandler, body string, sigs ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/billing/webhooks/stripe", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, s := range sigs {
		req.Header.Add("Stripe-Signature", s)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))
	return rec
}

func TestHandleRequiresExactlyOneSignatureHeader(t *testing.T) {
	h := newHandler(t)
	body := `{"id":"evt_1","type":"customer.created","data":{"object":{}}}`

	rec := do(t, h, body) // no header
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sig := sign([]byte(body))
	rec = do(t, h, body, sig, sig) // duplicated header
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBadSignature(t *testing.T) {
	h := newHandler(t)
	body := `{"id":"evt_1","type":"customer.created","data":{"object":{}}}`
	rec := do(t, h, body, "t=1,v1=00")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIgnoredEventReturnsOK(t *testing.T) {
	h := newHandler(t)
	body := `{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1"}}}`
	rec := do(t, h, body, sign([]byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OK")
}

func TestHandleRejectedEventReturns400(t *testing.T) {
	h := newHandler(t)
	// Completed session naming a pack the (empty) catalog does not know is rejected.
	body := `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","metadata":{"pack_id":"small","user_id":"u1"},"currency":"usd"}}}`
	rec := do(t, h, body, sign([]byte(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// noPacks is an empty catalog source; with no fallback configured every
// pack lookup fails.
type noPacks struct{}

func (noPacks) ListActive(ctx context.Context) ([]model.ProductPack, error) { return nil, nil }

func (noPacks) ByID(ctx context.Context, id string) (*model.ProductPack, error) {
	return nil, repository.ErrNotFound
}

func (noPacks) ByProviderPriceID(ctx context.Context, priceID string) (*model.ProductPack, error) {
	return nil, repository.ErrNotFound
}
