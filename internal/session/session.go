package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/breakdown"
	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/patch"
)

// State is the lifecycle position of a Session.
type State int

const (
	// StateInitialized is a fresh session with no mutations.
	StateInitialized State = iota
	// StateAccumulating has at least one pending mutation.
	StateAccumulating
	// StateApplying has a patch request in flight.
	StateApplying
	// StateApplied completed its patch request.
	StateApplied
	// StateFailed could not submit its patch request.
	StateFailed
	// StateRejected was cancelled through Reject.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateAccumulating:
		return "accumulating"
	case StateApplying:
		return "applying"
	case StateApplied:
		return "applied"
	case StateFailed:
		return "failed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OrderPatcher submits a patch document for an order.
type OrderPatcher interface {
	PatchOrder(ctx context.Context, orderID string, ops []patch.Operation, caller domain.CallerContext) (domain.OrderResponse, error)
}

// RejectFunc is the host's cancellation action.
type RejectFunc func(ctx context.Context, reason string) error

// Config seeds a Session.
type Config struct {
	OrderID string
	Amount  *domain.Amount
	Event   domain.ShippingChangeEvent
	Caller  domain.CallerContext
	Patcher OrderPatcher
	Reject  RejectFunc
	Logger  *zap.Logger
}

// Session accumulates amount and shipping option changes for one callback
// invocation and submits them as a single patch request. Mutations return the
// session for chaining; the first validation failure sticks and is reported by
// Err and Apply.
type Session struct {
	mu sync.Mutex

	orderID  string
	currency string
	event    domain.ShippingChangeEvent
	caller   domain.CallerContext
	patcher  OrderPatcher
	reject   RejectFunc
	logger   *zap.Logger

	breakdown domain.Breakdown
	pending   patch.Pending
	state     State
	err       error
}

// New validates the seed amount and returns a session ready for mutations.
func New(cfg Config) (*Session, error) {
	if cfg.Amount == nil || len(cfg.Amount.Breakdown) == 0 {
		return nil, fmt.Errorf("%w: breakdown is required for the shipping address change callback", domain.ErrValidation)
	}
	code, err := breakdown.Currency(cfg.Amount.Breakdown)
	if err != nil {
		return nil, err
	}
	if declared := strings.TrimSpace(cfg.Amount.CurrencyCode); declared != "" && !strings.EqualFold(declared, code) {
		return nil, fmt.Errorf("%w: amount currency %s does not match breakdown currency %s", domain.ErrValidation, declared, code)
	}
	if _, err := breakdown.GrandTotal(cfg.Amount.Breakdown, nil); err != nil {
		return nil, fmt.Errorf("seed breakdown: %w", err)
	}
	orderID := strings.TrimSpace(cfg.OrderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	if cfg.Patcher == nil {
		return nil, fmt.Errorf("%w: order patcher is required", domain.ErrConfiguration)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		orderID:   orderID,
		currency:  code,
		event:     cfg.Event,
		caller:    cfg.Caller,
		patcher:   cfg.Patcher,
		reject:    cfg.Reject,
		logger:    logger.With(zap.String("order_id", orderID)),
		breakdown: cfg.Amount.Breakdown.Clone(),
		pending:   patch.Pending{},
		state:     StateInitialized,
	}, nil
}

// UpdateTax replaces tax_total and rewrites the pending amount operation.
func (s *Session) UpdateTax(taxAmount string) *Session {
	return s.updateAmount(domain.BreakdownTaxTotal, taxAmount)
}

// UpdateShippingDiscount replaces shipping_discount and rewrites the pending amount operation.
func (s *Session) UpdateShippingDiscount(discountAmount string) *Session {
	return s.updateAmount(domain.BreakdownShippingDiscount, discountAmount)
}

// UpdateShippingOptions replaces the pending shipping options operation. A nil
// slice is sent as an empty list.
func (s *Session) UpdateShippingOptions(options []domain.ShippingOption) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mutableLocked() {
		return s
	}

	value := cloneValue(options).([]domain.ShippingOption)

	op := patch.OpReplace
	if s.event == domain.ShippingChangeAdd {
		op = patch.OpAdd
	}
	s.pending.Put(patch.Operation{Op: op, Path: patch.PathShippingOptions, Value: value})
	s.state = StateAccumulating
	return s
}

// Query returns copies of the pending operations in patch order without side effects.
func (s *Session) Query() ([]patch.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, err := patch.OrderedList(s.pending)
	if err != nil {
		return nil, err
	}
	for i := range ops {
		ops[i].Value = cloneValue(ops[i].Value)
	}
	return ops, nil
}

// Apply submits every pending operation as one patch request. It may be called once.
func (s *Session) Apply(ctx context.Context) (domain.OrderResponse, error) {
	s.mu.Lock()
	switch s.state {
	case StateApplying, StateApplied, StateFailed:
		s.mu.Unlock()
		return domain.OrderResponse{}, fmt.Errorf("%w: apply called more than once", domain.ErrInvariant)
	case StateRejected:
		s.mu.Unlock()
		return domain.OrderResponse{}, fmt.Errorf("%w: apply called after reject", domain.ErrInvariant)
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return domain.OrderResponse{}, err
	}

	ops, err := patch.OrderedList(s.pending)
	if err == nil {
		err = checkOperations(ops)
	}
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		s.logger.Error("patch document invariant broken", zap.Error(err))
		return domain.OrderResponse{}, err
	}

	s.state = StateApplying
	orderID, caller := s.orderID, s.caller
	s.mu.Unlock()

	resp, err := s.patcher.PatchOrder(ctx, orderID, ops, caller)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFailed
		s.logger.Debug("order patch failed", zap.Int("operations", len(ops)), zap.Error(err))
		return domain.OrderResponse{}, domain.ErrPatch
	}
	s.state = StateApplied
	return resp, nil
}

// Reject cancels the session through the host's reject action.
func (s *Session) Reject(ctx context.Context, reason string) error {
	s.mu.Lock()
	reject := s.reject
	if reject == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: missing reject action callback", domain.ErrConfiguration)
	}
	if s.state == StateInitialized || s.state == StateAccumulating {
		s.state = StateRejected
	}
	s.mu.Unlock()

	return reject(ctx, reason)
}

// Err returns the first validation failure recorded by a mutation.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OrderID returns the order the session patches.
func (s *Session) OrderID() string {
	return s.orderID
}

// Breakdown returns a copy of the current breakdown.
func (s *Session) Breakdown() domain.Breakdown {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakdown.Clone()
}

func (s *Session) updateAmount(key domain.BreakdownKey, value string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mutableLocked() {
		return s
	}

	// Merge first, then total the merged breakdown, for every amount action.
	merged, err := breakdown.ApplyUpdate(s.breakdown, breakdown.Updates{
		key: {CurrencyCode: s.currency, Value: value},
	})
	if err != nil {
		s.err = err
		return s
	}
	total, err := breakdown.GrandTotal(merged, nil)
	if err != nil {
		s.err = err
		return s
	}

	s.breakdown = merged
	s.pending.Put(patch.Operation{
		Op:   patch.OpReplace,
		Path: patch.PathAmount,
		Value: domain.Amount{
			CurrencyCode: s.currency,
			Value:        total.Value,
			Breakdown:    merged.Clone(),
		},
	})
	s.state = StateAccumulating
	return s
}

func (s *Session) mutableLocked() bool {
	if s.err != nil {
		return false
	}
	switch s.state {
	case StateInitialized, StateAccumulating:
		return true
	default:
		s.err = fmt.Errorf("%w: mutation on %s session", domain.ErrInvariant, s.state)
		return false
	}
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case domain.Amount:
		value.Breakdown = value.Breakdown.Clone()
		return value
	case []domain.ShippingOption:
		out := make([]domain.ShippingOption, len(value))
		for i, option := range value {
			if option.Amount != nil {
				amount := *option.Amount
				option.Amount = &amount
			}
			out[i] = option
		}
		return out
	default:
		return v
	}
}

func checkOperations(ops []patch.Operation) error {
	for _, op := range ops {
		switch op.Path {
		case patch.PathAmount:
			amount, ok := op.Value.(domain.Amount)
			if !ok {
				return fmt.Errorf("%w: amount operation carries %T", domain.ErrInvariant, op.Value)
			}
			total, err := breakdown.GrandTotal(amount.Breakdown, nil)
			if err != nil {
				if errors.Is(err, domain.ErrValidation) {
					return fmt.Errorf("%w: %v", domain.ErrInvariant, err)
				}
				return err
			}
			if total.Value != amount.Value {
				return fmt.Errorf("%w: amount %s does not match breakdown total %s", domain.ErrInvariant, amount.Value, total.Value)
			}
		case patch.PathShippingOptions:
			options, ok := op.Value.([]domain.ShippingOption)
			if !ok || options == nil {
				return fmt.Errorf("%w: shipping options operation carries %T", domain.ErrInvariant, op.Value)
			}
		}
	}
	return nil
}
