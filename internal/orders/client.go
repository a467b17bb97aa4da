package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/patch"
	"github.com/hanko-field/shipping-change/internal/platform/requestctx"
)

const (
	instrumentationName = "github.com/hanko-field/shipping-change/internal/orders"
	defaultTimeout      = 10 * time.Second
	maxErrorBody        = 4 << 10

	headerBuyerToken         = "X-PayPal-Internal-Euat"
	headerPartnerAttribution = "PayPal-Partner-Attribution-Id"
	headerRequestID          = "PayPal-Request-Id"
	headerDebugID            = "Paypal-Debug-Id"
)

// APIError is a non-2xx response from the order API.
type APIError struct {
	Operation string
	Status    int
	DebugID   string
	Body      string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("orders: %s returned %d", e.Operation, e.Status)
	if e.DebugID != "" {
		msg += " (debug id " + e.DebugID + ")"
	}
	return msg
}

// Client calls the remote order API. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	latency metric.Float64Histogram
	newID   func() string
}

type clientConfig struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	newID      func() string
}

// Option customises Client construction.
type Option func(*clientConfig)

// WithHTTPClient overrides the underlying HTTP client. Its transport is wrapped for tracing.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) { cfg.httpClient = c }
}

// WithTimeout sets the per request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) { cfg.timeout = d }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *clientConfig) { cfg.logger = logger }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(cfg *clientConfig) { cfg.tracer = t }
}

// WithMeter overrides the OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *clientConfig) { cfg.meter = m }
}

// WithRequestIDGenerator overrides the generator of PayPal-Request-Id values.
func WithRequestIDGenerator(fn func() string) Option {
	return func(cfg *clientConfig) { cfg.newID = fn }
}

// NewClient builds a client for the order API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid order api base url %q", domain.ErrConfiguration, baseURL)
	}

	cfg := clientConfig{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(instrumentationName)
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	if cfg.newID == nil {
		cfg.newID = func() string { return ulid.Make().String() }
	}

	httpClient := &http.Client{}
	if cfg.httpClient != nil {
		*httpClient = *cfg.httpClient
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient.Transport = otelhttp.NewTransport(base)
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	latency, err := cfg.meter.Float64Histogram(
		"orders.request.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of order API calls"),
	)
	if err != nil {
		cfg.logger.Warn("orders: unable to register latency metric", zap.Error(err))
	}

	return &Client{
		baseURL: parsed,
		http:    httpClient,
		logger:  cfg.logger,
		tracer:  cfg.tracer,
		latency: latency,
		newID:   cfg.newID,
	}, nil
}

// PatchOrder submits ops as one patch document. The REST endpoint is used when
// the caller forces it or has no buyer token; otherwise the buyer scoped
// endpoint is used.
func (c *Client) PatchOrder(ctx context.Context, orderID string, ops []patch.Operation, caller domain.CallerContext) (domain.OrderResponse, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResponse{}, fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	body, err := patch.Marshal(ops)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	useREST := caller.ForceRestAPI || strings.TrimSpace(caller.BuyerAccessToken) == ""
	method := http.MethodPost
	path := "/smart/api/order/" + url.PathEscape(orderID) + "/patch"
	if useREST {
		method = http.MethodPatch
		path = "/v2/checkout/orders/" + url.PathEscape(orderID)
	}

	var resp domain.OrderResponse
	err = c.do(ctx, "patch_order", method, path, body, caller, useREST, nil, &resp,
		attribute.String("order.id", orderID),
		attribute.Int("patch.operations", len(ops)),
		attribute.Bool("orders.rest", useREST),
	)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if resp.ID == "" {
		resp.ID = orderID
	}
	return resp, nil
}

// CreateOrderRequest is the minimal order creation payload.
type CreateOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}

// PurchaseUnit is one purchase unit of a new order.
type PurchaseUnit struct {
	ReferenceID string        `json:"reference_id"`
	Amount      domain.Amount `json:"amount"`
}

// CreateOrder creates an order for amount and returns its id. Every call carries
// a fresh PayPal-Request-Id.
func (c *Client) CreateOrder(ctx context.Context, amount domain.Amount, caller domain.CallerContext) (string, error) {
	payload := CreateOrderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: []PurchaseUnit{{ReferenceID: "default", Amount: amount}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal create order: %w", err)
	}

	headers := map[string]string{headerRequestID: c.newID()}
	var resp domain.OrderResponse
	if err := c.do(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", body, caller, true, headers, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return "", errors.New("orders: create order response has no id")
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, caller domain.CallerContext, rest bool, headers map[string]string, out any, attrs ...attribute.KeyValue) (err error) {
	ctx, span := c.tracer.Start(ctx, "orders."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	start := time.Now()
	status := 0
	defer func() {
		c.recordLatency(ctx, op, status, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.log(ctx).Error("order api call failed",
				zap.String("operation", op),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
		span.End()
	}()

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("orders: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if rest {
		if token := strings.TrimSpace(caller.FacilitatorAccessToken); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	} else {
		req.Header.Set(headerBuyerToken, strings.TrimSpace(caller.BuyerAccessToken))
	}
	if partner := strings.TrimSpace(caller.PartnerAttributionID); partner != "" {
		req.Header.Set(headerPartnerAttribution, partner)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("orders: %s request: %w", op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()
	status = res.StatusCode
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if status < 200 || status > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &APIError{
			Operation: op,
			Status:    status,
			DebugID:   res.Header.Get(headerDebugID),
			Body:      strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil || status == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("orders: decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) recordLatency(ctx context.Context, op string, status int, d time.Duration) {
	if c.latency == nil {
		return
	}
	c.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("status", status),
	))
}

func (c *Client) log(ctx context.Context) *zap.Logger {
	if logger := requestctx.Logger(ctx); logger != requestctx.NoopLogger() {
		return logger
	}
	return c.logger
}
