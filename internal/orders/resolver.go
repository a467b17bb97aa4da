package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hanko-field/shipping-change/internal/domain"
)

// OrderCreator creates an order and returns its id.
type OrderCreator interface {
	CreateOrder(ctx context.Context, amount domain.Amount, caller domain.CallerContext) (string, error)
}

// Resolver resolves the order id of one shipping change invocation. A known
// order id is returned as is; otherwise an order is created once from the
// event amount and its id is reused for later calls.
type Resolver struct {
	creator OrderCreator
	amount  *domain.Amount
	caller  domain.CallerContext

	mu      sync.Mutex
	orderID string
}

// NewResolver returns a resolver for one invocation.
func NewResolver(creator OrderCreator, orderID string, amount *domain.Amount, caller domain.CallerContext) *Resolver {
	return &Resolver{
		creator: creator,
		amount:  amount,
		caller:  caller,
		orderID: strings.TrimSpace(orderID),
	}
}

// CreateOrUpdateOrder returns the resolved order id.
func (r *Resolver) CreateOrUpdateOrder(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.orderID != "" {
		return r.orderID, nil
	}
	if r.creator == nil {
		return "", fmt.Errorf("%w: no order id and no order creator", domain.ErrConfiguration)
	}
	if r.amount == nil {
		return "", fmt.Errorf("%w: amount is required to create an order", domain.ErrValidation)
	}
	id, err := r.creator.CreateOrder(ctx, *r.amount, r.caller)
	if err != nil {
		return "", err
	}
	r.orderID = id
	return id, nil
}
