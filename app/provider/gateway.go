package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
)

var (
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrGatewayNotConfigured = errors.New("payment gateway is not configured")
)

type GatewayConfig struct {
	BaseURL         string
	APIKey          string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

type GatewayResponse struct {
	Result     entity.GatewayResult
	StatusCode int
	Raw        []byte
}

type GatewayClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  logrus.FieldLogger
}

func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	responseTimeout := cfg.ResponseTimeout
	if responseTimeout <= 0 {
		responseTimeout = 60 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: responseTimeout,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
	}

	return &GatewayClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  &http.Client{Transport: transport},
		logger:  factory.NewModuleLogger("pg-gateway"),
	}
}

// Confirm asks the gateway to settle a payment. A TIMEOUT result comes back
// with a nil error since the payment may still settle on the gateway side.
func (c *GatewayClient) Confirm(ctx context.Context, paymentID string, amountCents int64, currency string) (*GatewayResponse, error) {
	body := map[string]interface{}{
		"amount":   amountCents,
		"currency": strings.ToUpper(strings.TrimSpace(currency)),
	}
	return c.post(ctx, "/v1/payments/"+url.PathEscape(paymentID)+"/confirm", body, confirmStatuses)
}

// CancelOrRefund voids or refunds a payment. A nil amount cancels the full remaining amount.
func (c *GatewayClient) CancelOrRefund(ctx context.Context, paymentID string, amountCents *int64) (*GatewayResponse, error) {
	body := map[string]interface{}{}
	if amountCents != nil {
		body["amount"] = *amountCents
	}
	return c.post(ctx, "/v1/payments/"+url.PathEscape(paymentID)+"/cancel", body, cancelStatuses)
}

func (c *GatewayClient) post(ctx context.Context, path string, payload interface{}, statuses map[string]entity.GatewayResult) (*GatewayResponse, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, ErrGatewayNotConfigured
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var wrote atomic.Bool
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportFailure(endpoint, start, wrote.Load(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportFailure(endpoint, start, true, err)
	}

	fields := logrus.Fields{
		"method":  http.MethodPost,
		"url":     endpoint,
		"status":  resp.StatusCode,
		"latency": time.Since(start).String(),
	}

	if resp.StatusCode >= http.StatusInternalServerError || retryableStatus(resp.StatusCode) {
		c.logger.WithFields(fields).Warn("pg_request_unavailable")
		return nil, fmt.Errorf("%w: status=%d", ErrGatewayUnavailable, resp.StatusCode)
	}

	result := classify(resp.StatusCode, body, statuses)
	c.logger.WithFields(fields).WithField("result", result).Info("pg_request")

	return &GatewayResponse{Result: result, StatusCode: resp.StatusCode, Raw: body}, nil
}

// transportFailure separates "never reached the gateway" from "sent but no answer in time".
func (c *GatewayClient) transportFailure(endpoint string, start time.Time, wrote bool, err error) (*GatewayResponse, error) {
	entry := c.logger.WithFields(logrus.Fields{
		"method":  http.MethodPost,
		"url":     endpoint,
		"latency": time.Since(start).String(),
	})

	if wrote && isTimeout(err) {
		entry.Warn("pg_request_timeout")
		return &GatewayResponse{Result: entity.GatewayResultTimeout}, nil
	}

	entry.WithError(err).Warn("pg_request_failed")
	return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var confirmStatuses = map[string]entity.GatewayResult{
	"paid":      entity.GatewayResultSuccess,
	"success":   entity.GatewayResultSuccess,
	"succeeded": entity.GatewayResultSuccess,
	"done":      entity.GatewayResultSuccess,
	"approved":  entity.GatewayResultSuccess,
	"failed":    entity.GatewayResultFail,
	"fail":      entity.GatewayResultFail,
	"declined":  entity.GatewayResultFail,
	"aborted":   entity.GatewayResultFail,
	"expired":   entity.GatewayResultFail,
	"pending":   entity.GatewayResultPending,
	"ready":     entity.GatewayResultPending,
	"accepted":  entity.GatewayResultAccepted,
}

var cancelStatuses = map[string]entity.GatewayResult{
	"canceled":         entity.GatewayResultSuccess,
	"cancelled":        entity.GatewayResultSuccess,
	"partial_canceled": entity.GatewayResultSuccess,
	"refunded":         entity.GatewayResultSuccess,
	"success":          entity.GatewayResultSuccess,
	"failed":           entity.GatewayResultFail,
	"fail":             entity.GatewayResultFail,
	"declined":         entity.GatewayResultFail,
	"pending":          entity.GatewayResultPending,
	"accepted":         entity.GatewayResultAccepted,
}

// retryableStatus covers client errors that say nothing about the payment itself.
func retryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

func classify(statusCode int, body []byte, statuses map[string]entity.GatewayResult) entity.GatewayResult {
	if statusCode == http.StatusAccepted {
		return entity.GatewayResultAccepted
	}

	status := strings.ToLower(strings.TrimSpace(gjson.GetBytes(body, "status").String()))
	if result, ok := statuses[status]; ok {
		return result
	}
	if declineStatus(statusCode) {
		return entity.GatewayResultFail
	}
	// unknown shapes are never treated as final, including 400/404/409
	return entity.GatewayResultPending
}

// declineStatus covers the client errors gateways use for a definitive refusal.
func declineStatus(statusCode int) bool {
	return statusCode == http.StatusPaymentRequired || statusCode == http.StatusUnprocessableEntity
}
