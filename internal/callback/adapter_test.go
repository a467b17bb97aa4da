package callback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/instrumentation"
	"github.com/hanko-field/shipping-change/internal/patch"
	"github.com/hanko-field/shipping-change/internal/session"
)

type recordedEvent struct {
	name   string
	fields instrumentation.Fields
}

type fakeRecorder struct {
	mu      sync.Mutex
	events  []recordedEvent
	flushes int
}

func (f *fakeRecorder) Record(_ context.Context, name string, fields instrumentation.Fields) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{name: name, fields: fields})
}

func (f *fakeRecorder) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

type fakePatcher struct {
	mu     sync.Mutex
	calls  int
	ops    []patch.Operation
	caller domain.CallerContext
	err    error
}

func (f *fakePatcher) PatchOrder(_ context.Context, orderID string, ops []patch.Operation, caller domain.CallerContext) (domain.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ops = ops
	f.caller = caller
	return domain.OrderResponse{ID: orderID}, f.err
}

func staticResolver(id string) OrderResolver {
	return OrderResolverFunc(func(context.Context) (string, error) { return id, nil })
}

func sampleEvent() Event {
	return Event{
		PaymentToken:    "EC-123",
		ShippingAddress: &domain.ShippingAddress{City: "Tokyo", CountryCode: "JP", PostalCode: "100-0001"},
		Amount: &domain.Amount{
			CurrencyCode: "USD",
			Value:        "10.00",
			Breakdown: domain.Breakdown{
				domain.BreakdownItemTotal: {CurrencyCode: "USD", Value: "10.00"},
			},
		},
		Event:            domain.ShippingChangeReplace,
		BuyerAccessToken: "buyer-token",
	}
}

func TestNewWithoutCallbackIsNotRegistered(t *testing.T) {
	if _, err := New(Options{Patcher: &fakePatcher{}}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestResolveOptionsDefaults(t *testing.T) {
	noop := func(context.Context, Data, *session.Session) error { return nil }

	resolved, err := ResolveOptions(Options{Callback: noop, Patcher: &fakePatcher{}, ClientID: " client-a "})
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if !resolved.ForceRestAPI {
		t.Fatalf("expected REST by default for a client outside the exclusion list")
	}
	if resolved.ClientID != "client-a" || resolved.Recorder == nil || resolved.Logger == nil {
		t.Fatalf("expected populated defaults, got %#v", resolved)
	}

	excludedOpts := Options{Callback: noop, Patcher: &fakePatcher{}, ClientID: "client-a", LSATUpgradeExcluded: []string{"client-a"}}
	resolved, err = ResolveOptions(excludedOpts)
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if resolved.ForceRestAPI {
		t.Fatalf("expected excluded client to keep the buyer endpoint")
	}

	force := true
	excludedOpts.ForceRestAPI = &force
	resolved, err = ResolveOptions(excludedOpts)
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if !resolved.ForceRestAPI {
		t.Fatalf("expected explicit ForceRestAPI to win")
	}

	if _, err := ResolveOptions(Options{Callback: noop}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration without patcher, got %v", err)
	}
}

func TestHandleRecordsOnceAndRunsCallback(t *testing.T) {
	recorder := &fakeRecorder{}
	patcher := &fakePatcher{}

	var got Data
	adapter, err := New(Options{
		Callback: func(ctx context.Context, data Data, s *session.Session) error {
			got = data
			s.UpdateTax("0.80").UpdateShippingDiscount("0.30").UpdateTax("1.00")
			s.UpdateShippingOptions([]domain.ShippingOption{{ID: "std", Label: "Standard", Selected: true}})
			_, err := s.Apply(ctx)
			return err
		},
		ClientID:               "client-a",
		PartnerAttributionID:   "BN",
		FacilitatorAccessToken: "facilitator",
		Patcher:                patcher,
		Resolver:               staticResolver("ORDER-9"),
		Recorder:               recorder,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome, err := adapter.Handle(context.Background(), sampleEvent(), HostActions{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.OrderID != "ORDER-9" || outcome.State != session.StateApplied {
		t.Fatalf("unexpected outcome %#v", outcome)
	}

	if len(recorder.events) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recorder.events))
	}
	if recorder.flushes != 1 {
		t.Fatalf("expected one flush, got %d", recorder.flushes)
	}
	ev := recorder.events[0]
	if ev.name != instrumentation.EventShippingAddressChange {
		t.Fatalf("unexpected event name %q", ev.name)
	}
	want := instrumentation.Fields{
		instrumentation.KeyTransitionName:          instrumentation.TransitionShippingAddressChange,
		instrumentation.KeyContextType:             instrumentation.ContextTypeOrderID,
		instrumentation.KeyToken:                   "ORDER-9",
		instrumentation.KeyContextID:               "ORDER-9",
		instrumentation.KeyShippingCallbackInvoked: instrumentation.MarkerInvoked,
	}
	for key, value := range want {
		if ev.fields[key] != value {
			t.Fatalf("field %s = %q, want %q", key, ev.fields[key], value)
		}
	}

	if got.OrderID != "ORDER-9" || got.PaymentToken != "EC-123" || got.ShippingAddress.CountryCode != "JP" {
		t.Fatalf("unexpected callback data %#v", got)
	}

	if patcher.calls != 1 || len(patcher.ops) != 2 {
		t.Fatalf("expected one patch with two operations, got %d calls", patcher.calls)
	}
	amount := patcher.ops[0].Value.(domain.Amount)
	if amount.Value != "10.70" {
		t.Fatalf("expected total 10.70, got %s", amount.Value)
	}
	wantCaller := domain.CallerContext{
		FacilitatorAccessToken: "facilitator",
		BuyerAccessToken:       "buyer-token",
		PartnerAttributionID:   "BN",
		ForceRestAPI:           true,
	}
	if patcher.caller != wantCaller {
		t.Fatalf("unexpected caller %#v", patcher.caller)
	}
}

func TestHandleEventForceRestOverridesDefault(t *testing.T) {
	patcher := &fakePatcher{}
	adapter, err := New(Options{
		Callback: func(ctx context.Context, _ Data, s *session.Session) error {
			_, err := s.Apply(ctx)
			return err
		},
		Patcher:  patcher,
		Resolver: staticResolver("ORDER-1"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ev := sampleEvent()
	off := false
	ev.ForceRestAPI = &off
	if _, err := adapter.Handle(context.Background(), ev, HostActions{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if patcher.caller.ForceRestAPI {
		t.Fatalf("expected event flag to override the default")
	}
}

func TestHandleUsesHostResolverAndReject(t *testing.T) {
	var reason string
	adapter, err := New(Options{
		Callback: func(ctx context.Context, _ Data, s *session.Session) error {
			return s.Reject(ctx, "unsupported country")
		},
		Patcher:  &fakePatcher{},
		Resolver: staticResolver("DEFAULT"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome, err := adapter.Handle(context.Background(), sampleEvent(), HostActions{
		Resolver: staticResolver("HOST"),
		Reject: func(_ context.Context, r string) error {
			reason = r
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.OrderID != "HOST" || outcome.State != session.StateRejected {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	if reason != "unsupported country" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestHandleEmptyBreakdownFailsBeforeCallback(t *testing.T) {
	called := false
	recorder := &fakeRecorder{}
	adapter, err := New(Options{
		Callback: func(context.Context, Data, *session.Session) error {
			called = true
			return nil
		},
		Patcher:  &fakePatcher{},
		Resolver: staticResolver("ORDER-1"),
		Recorder: recorder,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ev := sampleEvent()
	ev.Amount.Breakdown = domain.Breakdown{}
	if _, err := adapter.Handle(context.Background(), ev, HostActions{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if called {
		t.Fatalf("callback must not run without a breakdown")
	}
	if len(recorder.events) != 1 {
		t.Fatalf("expected the invocation to be recorded once, got %d", len(recorder.events))
	}
}

func TestHandleResolverFailure(t *testing.T) {
	boom := errors.New("create order failed")
	recorder := &fakeRecorder{}
	adapter, err := New(Options{
		Callback: func(context.Context, Data, *session.Session) error { return nil },
		Patcher:  &fakePatcher{},
		Recorder: recorder,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := adapter.Handle(context.Background(), sampleEvent(), HostActions{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration without resolver, got %v", err)
	}

	failing := OrderResolverFunc(func(context.Context) (string, error) { return "", boom })
	if _, err := adapter.Handle(context.Background(), sampleEvent(), HostActions{Resolver: failing}); !errors.Is(err, boom) {
		t.Fatalf("expected resolver error, got %v", err)
	}
	if len(recorder.events) != 0 {
		t.Fatalf("unresolved invocations must not be recorded")
	}
}

func TestHandlePatchFailure(t *testing.T) {
	adapter, err := New(Options{
		Callback: func(ctx context.Context, _ Data, s *session.Session) error {
			_, err := s.UpdateShippingOptions(nil).Apply(ctx)
			return err
		},
		Patcher:  &fakePatcher{err: errors.New("connection reset")},
		Resolver: staticResolver("ORDER-1"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome, err := adapter.Handle(context.Background(), sampleEvent(), HostActions{})
	if !errors.Is(err, domain.ErrPatch) {
		t.Fatalf("expected ErrPatch, got %v", err)
	}
	if outcome.State != session.StateFailed {
		t.Fatalf("expected failed state, got %s", outcome.State)
	}
}

func TestNormalizeStripsInternalFields(t *testing.T) {
	data := Normalize(sampleEvent())
	if data.PaymentToken != "EC-123" || data.ShippingAddress == nil {
		t.Fatalf("expected public fields kept, got %#v", data)
	}
}
