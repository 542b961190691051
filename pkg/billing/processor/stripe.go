package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
)

// StripeName is the registry name of the Stripe processor
const StripeName = "stripe"

// DefaultStripeURL is the Stripe API base URL
const DefaultStripeURL = "https://api.stripe.com"

// StripeConfig configures the Stripe processor
type StripeConfig struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
}

// Stripe charges payment methods through Stripe payment intents
type Stripe struct {
	cfg     StripeConfig
	client  *http.Client
	metrics *observability.Metrics
}

// NewStripe creates a Stripe processor. The HTTP transport is instrumented
// with OpenTelemetry.
func NewStripe(cfg StripeConfig, metrics *observability.Metrics) *Stripe {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultStripeURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Stripe{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		metrics: metrics,
	}
}

func (s *Stripe) Name() string { return StripeName }

type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	LatestCharge *struct {
		ReceiptURL string `json:"receipt_url"`
	} `json:"latest_charge"`
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Charge creates and confirms an off-session payment intent. Method.Data
// must carry "customer" and "payment_method".
func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	customer := req.Method.Data["customer"]
	pm := req.Method.Data["payment_method"]
	if customer == "" || pm == "" {
		return nil, fmt.Errorf("%w: payment method %d has no stripe reference", ErrProcessorFailure, req.Method.ID)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("customer", customer)
	form.Set("payment_method", pm)
	form.Set("description", req.Description)
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	form.Add("expand[]", "latest_charge")

	var intent stripeIntent
	err := s.do(ctx, "charge", http.MethodPost, "/v1/payment_intents", form, req.Reference, &intent)
	if err != nil {
		return nil, err
	}

	res := &Result{TransactionID: intent.ID, Status: stripeStatus(intent.Status)}
	if intent.LatestCharge != nil {
		res.ReceiptURL = intent.LatestCharge.ReceiptURL
	}
	return res, nil
}

// SyncStatus fetches the current payment intent status
func (s *Stripe) SyncStatus(ctx context.Context, transactionID string) (Status, error) {
	var intent stripeIntent
	path := "/v1/payment_intents/" + url.PathEscape(transactionID)
	if err := s.do(ctx, "sync_status", http.MethodGet, path, nil, "", &intent); err != nil {
		return "", err
	}
	return stripeStatus(intent.Status), nil
}

func (s *Stripe) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out interface{}) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordBridgeRequest(StripeName, op, time.Since(start), err) }()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessorFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrProcessorFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var se stripeError
		if json.Unmarshal(data, &se) == nil && se.Error.Message != "" {
			return fmt.Errorf("%w: stripe %s (%d): %s", ErrProcessorFailure, se.Error.Type, resp.StatusCode, se.Error.Message)
		}
		return fmt.Errorf("%w: stripe returned status %d", ErrProcessorFailure, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrProcessorFailure, err)
	}
	return nil
}

func stripeStatus(s string) Status {
	switch s {
	case "succeeded":
		return StatusOK
	case "canceled", "requires_payment_method":
		return StatusFailed
	default:
		return StatusPending
	}
}
