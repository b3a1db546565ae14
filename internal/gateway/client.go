// Package gateway creates orders on the external payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL    = "https://api.razorpay.com"
	MinimumMinorUnits = 100
	MaxReceiptLen     = 40

	maxBodyBytes = 1 << 20
)

type Config struct {
	BaseURL        string
	KeyID          string
	KeySecret      string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
	UserAgent      string
}

type Client struct {
	baseURL     string
	keyID       string
	keySecret   string
	userAgent   string
	http        *http.Client
	maxRetries  int
	baseBackoff time.Duration
	metrics     *metrics.Metrics
	log         *zap.Logger
}

func New(cfg Config, m *metrics.Metrics, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "go-order-reconciler/1.0"
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		keyID:       strings.TrimSpace(cfg.KeyID),
		keySecret:   strings.TrimSpace(cfg.KeySecret),
		userAgent:   cfg.UserAgent,
		http:        &http.Client{Timeout: cfg.Timeout, Transport: transport},
		maxRetries:  cfg.MaxRetries,
		baseBackoff: 200 * time.Millisecond,
		metrics:     m,
		log:         log,
	}
}

// KeyID is the public key a client-side checkout widget needs.
func (c *Client) KeyID() string { return c.keyID }

func (c *Client) Configured() bool { return c.keyID != "" && c.keySecret != "" }

func (c *Client) Mode() string {
	switch {
	case strings.HasPrefix(c.keyID, "rzp_live_"):
		return "live"
	case strings.HasPrefix(c.keyID, "rzp_test_"):
		return "test"
	}
	return "unknown"
}

// ConfigurationWarnings lists operator-facing problems with the credentials.
func (c *Client) ConfigurationWarnings(env string) []string {
	var out []string
	if c.keyID == "" {
		out = append(out, "gateway key id not configured; payments will fail")
	} else if c.Mode() == "unknown" {
		out = append(out, "gateway key id format unrecognized")
	}
	if c.keySecret == "" {
		out = append(out, "gateway key secret not configured; payments will fail")
	}
	if strings.EqualFold(env, "production") && c.Mode() == "test" {
		out = append(out, "test gateway keys in production environment")
	}
	return out
}

// ToMinorUnits converts a decimal amount to the gateway's integer minor
// units, rounding half up.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// TruncateReceipt cuts a receipt to the gateway limit on a rune boundary.
func TruncateReceipt(receipt string) string {
	if receipt == "" {
		return "order"
	}
	if len(receipt) <= MaxReceiptLen {
		return receipt
	}
	cut := receipt[:MaxReceiptLen]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

type createOrderRequest struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Receipt        string `json:"receipt"`
	PaymentCapture int    `json:"payment_capture"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateRemoteOrder mints a gateway order and returns its id. The receipt
// should be unique per order attempt so a retried call is recognizable on
// the gateway side. Only GatewayUnavailable failures are retried.
func (c *Client) CreateRemoteOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error) {
	if !c.Configured() {
		c.metrics.GatewayRequest("not_configured")
		return "", domain.E(domain.KindGatewayNotConfigured, "payment gateway not configured")
	}
	if !amount.IsPositive() {
		return "", domain.E(domain.KindInvalidInput, "invalid payment amount %s", amount)
	}
	minor := ToMinorUnits(amount)
	if minor < MinimumMinorUnits {
		return "", domain.E(domain.KindInvalidInput, "amount %s is below the gateway minimum", amount)
	}
	if currency == "" {
		currency = "INR"
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:         minor,
		Currency:       strings.ToUpper(currency),
		Receipt:        TruncateReceipt(receipt),
		PaymentCapture: 1,
	})
	if err != nil {
		return "", err
	}

	log := logging.From(ctx, c.log)
	for attempt := 0; ; attempt++ {
		id, err := c.createOnce(ctx, body)
		if err == nil {
			c.metrics.GatewayRequest("ok")
			log.Info("gateway order created", zap.String("gateway_order_id", id), zap.Int64("amount_minor", minor))
			return id, nil
		}
		kind := domain.KindOf(err)
		c.metrics.GatewayRequest(kind.String())
		if kind != domain.KindGatewayUnavailable || attempt >= c.maxRetries || ctx.Err() != nil {
			log.Warn("gateway order creation failed", zap.Int("attempt", attempt+1), zap.Error(err))
			return "", err
		}
		log.Info("gateway unavailable, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		if err := c.backoff(ctx, attempt); err != nil {
			return "", domain.Wrap(domain.KindGatewayUnavailable, err, "payment gateway unreachable")
		}
	}
}

func (c *Client) createOnce(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", domain.Wrap(domain.KindGatewayUnavailable, err, "payment gateway timeout")
		}
		return "", domain.Wrap(domain.KindGatewayUnavailable, err, "payment gateway unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", domain.Wrap(domain.KindGatewayUnavailable, err, "read gateway response")
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out createOrderResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", domain.Wrap(domain.KindGatewayProtocolError, err, "invalid response from payment gateway")
		}
		if strings.TrimSpace(out.ID) == "" {
			return "", domain.E(domain.KindGatewayProtocolError, "payment gateway response has no order id")
		}
		return out.ID, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", domain.E(domain.KindGatewayRejected, "payment gateway authentication failed")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", domain.E(domain.KindGatewayUnavailable, "payment gateway error: HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", domain.E(domain.KindGatewayRejected, "invalid payment request: %s", describe(raw, resp.StatusCode))
	}
	return "", domain.E(domain.KindGatewayProtocolError, "unexpected gateway status %d", resp.StatusCode)
}

func describe(raw []byte, status int) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Error.Description != "" {
			return e.Error.Description
		}
		if e.Error.Code != "" {
			return e.Error.Code
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	exp := c.baseBackoff * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Int63n(int64(exp/2) + 1))
	t := time.NewTimer(exp + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
