package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/shipping-change/internal/callback"
	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/orders"
	"github.com/hanko-field/shipping-change/internal/patch"
	"github.com/hanko-field/shipping-change/internal/platform/observability"
	"github.com/hanko-field/shipping-change/internal/platform/requestctx"
	"github.com/hanko-field/shipping-change/internal/session"
)

type stubPatcher struct {
	mu    sync.Mutex
	calls int
	ops   []patch.Operation
	err   error
}

func (s *stubPatcher) PatchOrder(_ context.Context, orderID string, ops []patch.Operation, _ domain.CallerContext) (domain.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ops = ops
	return domain.OrderResponse{ID: orderID, Status: "CREATED"}, s.err
}

type stubCreator struct {
	calls int
	id    string
}

func (s *stubCreator) CreateOrder(context.Context, domain.Amount, domain.CallerContext) (string, error) {
	s.calls++
	return s.id, nil
}

func newShippingRouter(t *testing.T, patcher *stubPatcher, creator orders.OrderCreator, fn callback.Func, opts ...ShippingOption) http.Handler {
	t.Helper()
	adapter, err := callback.New(callback.Options{Callback: fn, ClientID: "client-1", Patcher: patcher})
	if err != nil {
		t.Fatalf("callback.New: %v", err)
	}
	h := NewShippingHandlers(adapter, creator, opts...)
	return NewRouter(WithShippingRoutes(h.Routes))
}

const eventBody = `{
	"orderID": "ORDER-1",
	"event": "replace",
	"shipping_address": {"city": "Austin", "state": "TX", "country_code": "US", "postal_code": "78701"},
	"amount": {
		"currency_code": "USD",
		"value": "10.00",
		"breakdown": {
			"item_total": {"currency_code": "USD", "value": "10.00"},
			"tax_total": {"currency_code": "USD", "value": "0.00"}
		}
	}
}`

func postEvent(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shipping/address-change", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return payload
}

func applyTax(tax string) callback.Func {
	return func(ctx context.Context, _ callback.Data, s *session.Session) error {
		_, err := s.UpdateTax(tax).Apply(ctx)
		return err
	}
}

func TestAddressChangeApplies(t *testing.T) {
	patcher := &stubPatcher{}
	router := newShippingRouter(t, patcher, nil, applyTax("1.50"))

	rr := postEvent(t, router, eventBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["order_id"] != "ORDER-1" || payload["state"] != "applied" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if patcher.calls != 1 {
		t.Fatalf("expected one patch, got %d", patcher.calls)
	}
	if got := patcher.ops[0].Value.(domain.Amount).Value; got != "11.50" {
		t.Fatalf("expected total 11.50, got %s", got)
	}
}

func TestAddressChangeCreatesMissingOrder(t *testing.T) {
	creator := &stubCreator{id: "CREATED-1"}
	router := newShippingRouter(t, &stubPatcher{}, creator, applyTax("0.00"))

	body := strings.Replace(eventBody, `"orderID": "ORDER-1",`, "", 1)
	rr := postEvent(t, router, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if creator.calls != 1 {
		t.Fatalf("expected one order creation, got %d", creator.calls)
	}
	if payload := decodeBody(t, rr); payload["order_id"] != "CREATED-1" {
		t.Fatalf("expected created order id, got %#v", payload)
	}
}

func TestAddressChangeReject(t *testing.T) {
	patcher := &stubPatcher{}
	router := newShippingRouter(t, patcher, nil, func(ctx context.Context, _ callback.Data, s *session.Session) error {
		return s.Reject(ctx, "no shipping to TX")
	})

	rr := postEvent(t, router, eventBody)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["state"] != "rejected" || payload["reason"] != "no shipping to TX" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if patcher.calls != 0 {
		t.Fatalf("rejected change must not patch")
	}
}

func TestAddressChangeErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		fn       callback.Func
		patchErr error
		status   int
		code     string
	}{
		{name: "empty body", body: " ", fn: applyTax("1.00"), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "bad json", body: "{", fn: applyTax("1.00"), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "invalid tax", body: eventBody, fn: applyTax("-1.00"), status: http.StatusBadRequest, code: "invalid_shipping_change"},
		{name: "empty breakdown", body: `{"orderID":"ORDER-1","amount":{"currency_code":"USD","value":"0.00","breakdown":{}}}`, fn: applyTax("1.00"), status: http.StatusBadRequest, code: "invalid_shipping_change"},
		{name: "patch failure", body: eventBody, fn: applyTax("1.00"), patchErr: errors.New("connection reset"), status: http.StatusBadGateway, code: "order_patch_failed"},
		{name: "double apply", body: eventBody, fn: func(ctx context.Context, _ callback.Data, s *session.Session) error {
			if _, err := s.Apply(ctx); err != nil {
				return err
			}
			_, err := s.Apply(ctx)
			return err
		}, status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newShippingRouter(t, &stubPatcher{err: tc.patchErr}, nil, tc.fn)
			rr := postEvent(t, router, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if payload := decodeBody(t, rr); payload["error"] != tc.code {
				t.Fatalf("expected error %q, got %#v", tc.code, payload)
			}
		})
	}
}

func TestAddressChangeRateLimited(t *testing.T) {
	router := newShippingRouter(t, &stubPatcher{}, nil, applyTax("1.00"), WithShippingRateLimit(1))

	if rr := postEvent(t, router, eventBody); rr.Code != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", rr.Code)
	}
	rr := postEvent(t, router, eventBody)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestAddressChangeBodyTooLarge(t *testing.T) {
	router := newShippingRouter(t, &stubPatcher{}, nil, applyTax("1.00"), WithShippingMaxBody(16))

	rr := postEvent(t, router, eventBody)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestAddressChangeLogsEventID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	applyTwice := func(ctx context.Context, _ callback.Data, s *session.Session) error {
		if _, err := s.Apply(ctx); err != nil {
			return err
		}
		_, err := s.Apply(ctx)
		return err
	}
	router := newShippingRouter(t, &stubPatcher{}, nil, applyTwice)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/shipping/address-change", bytes.NewBufferString(eventBody))
	ctx := observability.WithLogger(req.Context(), zap.New(core))
	ctx = requestctx.WithEventID(ctx, "evt-9")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req.WithContext(ctx))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	entries := logs.FilterMessage("shipping change failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["event_id"]; got != "evt-9" {
		t.Fatalf("expected event_id evt-9 on log entry, got %v", got)
	}
}
