package callback

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/instrumentation"
	"github.com/hanko-field/shipping-change/internal/session"
)

// OrderResolver resolves or creates the order a shipping change applies to.
type OrderResolver interface {
	CreateOrUpdateOrder(ctx context.Context) (string, error)
}

// OrderResolverFunc adapts a function to OrderResolver.
type OrderResolverFunc func(ctx context.Context) (string, error)

// CreateOrUpdateOrder implements OrderResolver.
func (f OrderResolverFunc) CreateOrUpdateOrder(ctx context.Context) (string, error) {
	return f(ctx)
}

// Options configures an Adapter. Zero values are filled by ResolveOptions.
type Options struct {
	// Callback is the integrator code run for every shipping address change.
	Callback Func
	// ClientID identifies the merchant integration.
	ClientID string
	// PartnerAttributionID is forwarded to the order API.
	PartnerAttributionID string
	// FacilitatorAccessToken authorises REST calls to the order API.
	FacilitatorAccessToken string
	// LSATUpgradeExcluded lists client ids that keep using the buyer scoped
	// order endpoint by default.
	LSATUpgradeExcluded []string
	// ForceRestAPI overrides the default derived from LSATUpgradeExcluded.
	ForceRestAPI *bool

	Patcher  session.OrderPatcher
	Resolver OrderResolver
	Recorder instrumentation.Recorder
	Logger   *zap.Logger
}

// Resolved is the fully populated configuration used by an Adapter.
type Resolved struct {
	Callback               Func
	ClientID               string
	PartnerAttributionID   string
	FacilitatorAccessToken string
	ForceRestAPI           bool
	Patcher                session.OrderPatcher
	Resolver               OrderResolver
	Recorder               instrumentation.Recorder
	Logger                 *zap.Logger
}

// ResolveOptions applies defaults and validates opts. It returns
// ErrNotRegistered when no callback is configured.
func ResolveOptions(opts Options) (Resolved, error) {
	if opts.Callback == nil {
		return Resolved{}, ErrNotRegistered
	}
	if opts.Patcher == nil {
		return Resolved{}, fmt.Errorf("%w: order patcher is required", domain.ErrConfiguration)
	}

	clientID := strings.TrimSpace(opts.ClientID)
	forceREST := !excluded(opts.LSATUpgradeExcluded, clientID)
	if opts.ForceRestAPI != nil {
		forceREST = *opts.ForceRestAPI
	}

	recorder := opts.Recorder
	if recorder == nil {
		recorder = instrumentation.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return Resolved{
		Callback:               opts.Callback,
		ClientID:               clientID,
		PartnerAttributionID:   strings.TrimSpace(opts.PartnerAttributionID),
		FacilitatorAccessToken: strings.TrimSpace(opts.FacilitatorAccessToken),
		ForceRestAPI:           forceREST,
		Patcher:                opts.Patcher,
		Resolver:               opts.Resolver,
		Recorder:               recorder,
		Logger:                 logger,
	}, nil
}

func excluded(list []string, clientID string) bool {
	for _, candidate := range list {
		if strings.TrimSpace(candidate) == clientID {
			return true
		}
	}
	return false
}
