package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ruralpay/wallet/internal/gateway"
	"github.com/ruralpay/wallet/internal/money"
	"github.com/ruralpay/wallet/internal/services"
)

const (
	eventChargeSuccess = "charge.success"
	eventChargeFailed  = "charge.failed"

	maxWebhookBytes = 1_048_576
)

type SignatureVerifier interface {
	VerifySignature(rawPayload []byte, signature string) bool
}

// Limiter throttles an action per key; see services.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, action, key string) error
}

// PaystackHandler receives gateway notifications and payer redirects.
type PaystackHandler struct {
	deposits Deposits
	verifier SignatureVerifier
	limiter  Limiter
	logger   *zap.Logger
}

func NewPaystackHandler(deposits Deposits, verifier SignatureVerifier, limiter Limiter, logger *zap.Logger) *PaystackHandler {
	return &PaystackHandler{
		deposits: deposits,
		verifier: verifier,
		limiter:  limiter,
		logger:   logger.Named("paystack_handler"),
	}
}

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string       `json:"reference"`
		Amount          money.Amount `json:"amount"` // kobo
		Status          string       `json:"status"`
		GatewayResponse string       `json:"gateway_response"`
	} `json:"data"`
}

type ackResponse struct {
	Status bool `json:"status"`
}

// Webhook applies a signed gateway notification
// @Summary Paystack webhook
// @Tags Paystack
// @Accept json
// @Produce json
// @Param x-paystack-signature header string true "HMAC-SHA512 of the raw body"
// @Success 200 {object} ackResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /paystack/webhook [post]
func (h *PaystackHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if !h.verifier.VerifySignature(raw, r.Header.Get(gateway.SignatureHeader)) {
		h.logger.Warn("webhook signature rejected",
			zap.Bool("security", true),
			zap.String("remote_addr", r.RemoteAddr))
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.logger.Warn("undecodable webhook payload", zap.Error(err))
		services.SendErrorResponse(w, "Invalid payload", http.StatusBadRequest, nil)
		return
	}

	ref := payload.Data.Reference
	switch payload.Event {
	case eventChargeSuccess:
		err = h.deposits.ReconcileConfirmation(r.Context(), ref, payload.Data.Amount)
	case eventChargeFailed:
		reason := payload.Data.GatewayResponse
		if reason == "" {
			reason = "gateway reported " + payload.Data.Status
		}
		err = h.deposits.FailDeposit(r.Context(), ref, reason)
	default:
		h.logger.Debug("ignoring webhook event", zap.String("event", payload.Event))
		services.SendJSON(w, http.StatusOK, ackResponse{Status: true})
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, services.ErrUnknownReference),
		errors.Is(err, services.ErrAmountMismatch),
		errors.Is(err, services.ErrDepositFinalized):
		// Settled on our side; a retry from the gateway cannot change the outcome.
		h.logger.Info("webhook acknowledged without effect",
			zap.String("event", payload.Event),
			zap.String("reference", ref),
			zap.Error(err))
	default:
		h.logger.Error("webhook processing failed",
			zap.String("event", payload.Event),
			zap.String("reference", ref),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, ackResponse{Status: true})
}

// Callback verifies a deposit after the payer is redirected back from checkout
// @Summary Paystack callback
// @Tags Paystack
// @Produce json
// @Param reference query string true "Deposit reference"
// @Success 200 {object} depositStatusResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /paystack/callback [get]
func (h *PaystackHandler) Callback(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		reference = r.URL.Query().Get("trxref")
	}
	if reference == "" {
		services.SendErrorResponse(w, "reference is required", http.StatusBadRequest, nil)
		return
	}

	// Each callback costs one gateway verify call.
	if h.limiter != nil {
		if err := h.limiter.Allow(r.Context(), "callback", clientIP(r)); err != nil {
			sendServiceError(w, err)
			return
		}
	}

	entry, err := h.deposits.VerifyDeposit(r.Context(), reference)
	if err != nil {
		h.logger.Warn("callback verification failed", zap.String("reference", reference), zap.Error(err))
		sendServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, depositStatusResponse{
		Reference: reference,
		Status:    entry.Status,
		Amount:    entry.Amount,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
