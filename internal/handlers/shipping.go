package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/callback"
	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/orders"
	"github.com/hanko-field/shipping-change/internal/platform/httpx"
	"github.com/hanko-field/shipping-change/internal/platform/observability"
	"github.com/hanko-field/shipping-change/internal/platform/requestctx"
	"github.com/hanko-field/shipping-change/internal/session"
)

const defaultShippingBodySize = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds allowed size")
)

type shippingChangeResponse struct {
	OrderID string `json:"order_id"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// ShippingHandlers accepts shipping address change events from the host.
type ShippingHandlers struct {
	adapter *callback.Adapter
	creator orders.OrderCreator
	limiter rateLimiter
	maxBody int64
}

// ShippingOption customises ShippingHandlers.
type ShippingOption func(*shippingConfig)

type shippingConfig struct {
	perOrderPerMinute int
	maxBody           int64
	clock             func() time.Time
}

// WithShippingRateLimit caps address changes per order per minute. Zero disables the limit.
func WithShippingRateLimit(perMinute int) ShippingOption {
	return func(cfg *shippingConfig) { cfg.perOrderPerMinute = perMinute }
}

// WithShippingMaxBody caps the accepted event size.
func WithShippingMaxBody(n int64) ShippingOption {
	return func(cfg *shippingConfig) {
		if n > 0 {
			cfg.maxBody = n
		}
	}
}

// WithShippingClock overrides the rate limiter clock.
func WithShippingClock(clock func() time.Time) ShippingOption {
	return func(cfg *shippingConfig) { cfg.clock = clock }
}

// NewShippingHandlers returns ShippingHandlers. creator may be nil when every
// event carries an order id.
func NewShippingHandlers(adapter *callback.Adapter, creator orders.OrderCreator, opts ...ShippingOption) *ShippingHandlers {
	cfg := shippingConfig{maxBody: defaultShippingBodySize}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &ShippingHandlers{
		adapter: adapter,
		creator: creator,
		limiter: newOrderRateLimiter(cfg.perOrderPerMinute, cfg.clock),
		maxBody: cfg.maxBody,
	}
}

// Routes registers the /shipping endpoints.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/address-change", h.addressChange)
}

func (h *ShippingHandlers) addressChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.adapter == nil {
		httpx.WriteError(ctx, w, httpx.NewError("callback_not_registered", callback.ErrNotRegistered.Error(), http.StatusNotImplemented))
		return
	}
	if eventID := requestctx.EventID(ctx); eventID != "" {
		logger := observability.FromContext(ctx).With(zap.String("event_id", observability.SanitizeIdentifier(eventID)))
		ctx = observability.WithLogger(ctx, logger)
	}

	body, err := readLimitedBody(r, h.maxBody)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var ev callback.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(rateKey(ev)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many shipping changes for this order", http.StatusTooManyRequests))
		return
	}

	var (
		mu     sync.Mutex
		reason string
	)
	host := callback.HostActions{
		Reject: func(_ context.Context, why string) error {
			mu.Lock()
			reason = strings.TrimSpace(why)
			mu.Unlock()
			return nil
		},
		Resolver: orders.NewResolver(h.creator, ev.OrderID, ev.Amount, h.adapter.Caller(ev)),
	}

	outcome, err := h.adapter.Handle(ctx, ev, host)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}

	payload := shippingChangeResponse{OrderID: outcome.OrderID, State: outcome.State.String()}
	if outcome.State == session.StateRejected {
		mu.Lock()
		payload.Reason = reason
		mu.Unlock()
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, payload)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func rateKey(ev callback.Event) string {
	if id := strings.TrimSpace(ev.OrderID); id != "" {
		return id
	}
	return strings.TrimSpace(ev.PaymentToken)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultShippingBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	var apiErr *orders.APIError
	switch {
	case errors.Is(err, domain.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_shipping_change", err.Error(), http.StatusBadRequest))
	case errors.Is(err, domain.ErrPatch):
		httpx.WriteError(ctx, w, httpx.NewError("order_patch_failed", domain.ErrPatch.Error(), http.StatusBadGateway))
	case errors.As(err, &apiErr):
		observability.FromContext(ctx).Warn("order api rejected request", zap.String("operation", apiErr.Operation), zap.Int("status", apiErr.Status))
		httpx.WriteError(ctx, w, httpx.NewError("order_api_error", "order service request failed", http.StatusBadGateway))
	case errors.Is(err, callback.ErrNotRegistered):
		httpx.WriteError(ctx, w, httpx.NewError("callback_not_registered", err.Error(), http.StatusNotImplemented))
	case errors.Is(err, domain.ErrInvariant), errors.Is(err, domain.ErrConfiguration):
		observability.FromContext(ctx).Error("shipping change failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "shipping change could not be processed", http.StatusInternalServerError))
	default:
		observability.FromContext(ctx).Error("shipping change failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("callback_failed", "shipping change callback failed", http.StatusInternalServerError))
	}
}
