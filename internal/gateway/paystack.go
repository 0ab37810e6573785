// Package gateway talks to the external payment gateway that collects
// deposits from payers.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/wallet/internal/money"
)

const SignatureHeader = "x-paystack-signature"

var ErrGatewayRejected = errors.New("gateway rejected request")

type IntentRequest struct {
	PayerEmail string
	Amount     money.Amount
	Reference  string
}

type Intent struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Verification is the gateway's view of a payment. Status is the raw gateway
// status (success, failed, abandoned, ongoing, pending, ...).
type Verification struct {
	Reference string
	Status    string
	Amount    money.Amount
	PaidAt    *time.Time
}

func (v *Verification) Succeeded() bool { return v.Status == "success" }

// Failed reports whether the gateway considers the payment finished without
// collecting funds. An abandoned checkout can still be completed by the payer,
// so it is not a failure.
func (v *Verification) Failed() bool {
	return v.Status == "failed" || v.Status == "reversed"
}

type PaymentGateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	VerifyByReference(ctx context.Context, reference string) (*Verification, error)
	VerifySignature(rawPayload []byte, signature string) bool
}

type PaystackConfig struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	Timeout     time.Duration
}

type Paystack struct {
	baseURL     string
	secretKey   string
	callbackURL string
	client      *http.Client
	logger      *zap.Logger
}

func NewPaystack(cfg PaystackConfig, logger *zap.Logger) *Paystack {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Paystack{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:   cfg.SecretKey,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Reference string     `json:"reference"`
	Status    string     `json:"status"`
	Amount    int64      `json:"amount"`
	PaidAt    *time.Time `json:"paid_at"`
}

// CreateIntent initializes a transaction. Amount is already in kobo.
func (p *Paystack) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	body := map[string]any{
		"email":     req.PayerEmail,
		"amount":    int64(req.Amount),
		"reference": req.Reference,
	}
	if p.callbackURL != "" {
		body["callback_url"] = p.callbackURL
	}

	var data initializeData
	if err := p.do(ctx, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}

	p.logger.Debug("paystack transaction initialized", zap.String("reference", req.Reference))
	return &Intent{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

func (p *Paystack) VerifyByReference(ctx context.Context, reference string) (*Verification, error) {
	var data verifyData
	if err := p.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	return &Verification{
		Reference: data.Reference,
		Status:    data.Status,
		Amount:    money.Amount(data.Amount),
		PaidAt:    data.PaidAt,
	}, nil
}

// VerifySignature checks the hex HMAC-SHA512 of the exact bytes received,
// keyed with the secret key.
func (p *Paystack) VerifySignature(rawPayload []byte, signature string) bool {
	if signature == "" || p.secretKey == "" {
		return false
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(rawPayload)
	return hmac.Equal(mac.Sum(nil), given)
}

func (p *Paystack) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode paystack request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("paystack %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read paystack response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("paystack %s %s: unexpected response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Status {
		p.logger.Warn("paystack request rejected",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("message", env.Message))
		return fmt.Errorf("%w: %s", ErrGatewayRejected, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode paystack data: %w", err)
		}
	}
	return nil
}
