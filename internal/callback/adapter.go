package callback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/instrumentation"
	"github.com/hanko-field/shipping-change/internal/session"
)

// ErrNotRegistered reports that no shipping address change callback is configured.
var ErrNotRegistered = errors.New("shipping address change callback not registered")

// Func is the integrator callback. It amends the order through s and usually
// ends with s.Apply or s.Reject.
type Func func(ctx context.Context, data Data, s *session.Session) error

// Event is a shipping address change as delivered by the host.
type Event struct {
	OrderID          string                     `json:"orderID,omitempty"`
	PaymentID        string                     `json:"paymentID,omitempty"`
	PaymentToken     string                     `json:"paymentToken,omitempty"`
	ShippingAddress  *domain.ShippingAddress    `json:"shipping_address,omitempty"`
	Amount           *domain.Amount             `json:"amount,omitempty"`
	Event            domain.ShippingChangeEvent `json:"event,omitempty"`
	BuyerAccessToken string                     `json:"buyerAccessToken,omitempty"`
	ForceRestAPI     *bool                      `json:"forceRestAPI,omitempty"`
}

// Data is the event as exposed to the callback. Amount, buyer token, event
// verb and transport flags are withheld.
type Data struct {
	OrderID         string                  `json:"orderID,omitempty"`
	PaymentID       string                  `json:"paymentID,omitempty"`
	PaymentToken    string                  `json:"paymentToken,omitempty"`
	ShippingAddress *domain.ShippingAddress `json:"shipping_address,omitempty"`
}

// HostActions are the per invocation collaborators supplied by the host.
type HostActions struct {
	Reject   session.RejectFunc
	Resolver OrderResolver
}

// Outcome summarises a handled invocation.
type Outcome struct {
	OrderID string
	State   session.State
}

// Adapter runs the registered callback for each shipping address change.
type Adapter struct {
	opts Resolved
}

// New returns an Adapter, or ErrNotRegistered when opts has no callback.
func New(opts Options) (*Adapter, error) {
	resolved, err := ResolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Adapter{opts: resolved}, nil
}

// ForceRestAPI reports the resolved default for the REST order endpoint.
func (a *Adapter) ForceRestAPI() bool { return a.opts.ForceRestAPI }

// Caller returns the credentials used for order API calls made on behalf of
// ev. The event's force REST flag wins over the resolved default.
func (a *Adapter) Caller(ev Event) domain.CallerContext {
	forceREST := a.opts.ForceRestAPI
	if ev.ForceRestAPI != nil {
		forceREST = *ev.ForceRestAPI
	}
	return domain.CallerContext{
		FacilitatorAccessToken: a.opts.FacilitatorAccessToken,
		BuyerAccessToken:       strings.TrimSpace(ev.BuyerAccessToken),
		PartnerAttributionID:   a.opts.PartnerAttributionID,
		ForceRestAPI:           forceREST,
	}
}

// Normalize strips the fields the callback must not see.
func Normalize(ev Event) Data {
	return Data{
		OrderID:         ev.OrderID,
		PaymentID:       ev.PaymentID,
		PaymentToken:    ev.PaymentToken,
		ShippingAddress: ev.ShippingAddress,
	}
}

// Handle resolves the order, records one instrumentation event, builds a fresh
// session and runs the callback. It returns once the callback returns.
func (a *Adapter) Handle(ctx context.Context, ev Event, host HostActions) (Outcome, error) {
	resolver := host.Resolver
	if resolver == nil {
		resolver = a.opts.Resolver
	}
	if resolver == nil {
		return Outcome{}, fmt.Errorf("%w: order resolver is required", domain.ErrConfiguration)
	}

	orderID, err := resolver.CreateOrUpdateOrder(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve order: %w", err)
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Outcome{}, fmt.Errorf("%w: order resolver returned an empty id", domain.ErrInvariant)
	}

	logger := a.opts.Logger.With(zap.String("order_id", orderID))

	a.opts.Recorder.Record(ctx, instrumentation.EventShippingAddressChange, instrumentation.Fields{
		instrumentation.KeyTransitionName:          instrumentation.TransitionShippingAddressChange,
		instrumentation.KeyContextType:             instrumentation.ContextTypeOrderID,
		instrumentation.KeyToken:                   orderID,
		instrumentation.KeyContextID:               orderID,
		instrumentation.KeyShippingCallbackInvoked: instrumentation.MarkerInvoked,
	})
	if err := a.opts.Recorder.Flush(ctx); err != nil {
		logger.Warn("instrumentation flush failed", zap.Error(err))
	}

	s, err := session.New(session.Config{
		OrderID: orderID,
		Amount:  ev.Amount,
		Event:   ev.Event,
		Caller:  a.Caller(ev),
		Patcher: a.opts.Patcher,
		Reject:  host.Reject,
		Logger:  logger,
	})
	if err != nil {
		return Outcome{OrderID: orderID}, err
	}

	data := Normalize(ev)
	if data.OrderID == "" {
		data.OrderID = orderID
	}

	err = a.opts.Callback(ctx, data, s)
	return Outcome{OrderID: orderID, State: s.State()}, err
}
