package instrumentation

import (
	"context"
	"errors"
	"sync"
)

// Field keys accepted by recorders.
const (
	KeyStateName               = "state_name"
	KeyTransitionName          = "transition_name"
	KeyContextType             = "context_type"
	KeyToken                   = "token"
	KeyContextID               = "context_id"
	KeyShippingCallbackInvoked = "shipping_callback_invoked"
)

// Values recorded for a shipping address change invocation.
const (
	EventShippingAddressChange      = "button_shipping_address_change"
	TransitionShippingAddressChange = "process_checkout_shipping_address_change"
	ContextTypeOrderID              = "EC-Token"
	MarkerInvoked                   = "1"
)

var knownKeys = map[string]struct{}{
	KeyStateName:               {},
	KeyTransitionName:          {},
	KeyContextType:             {},
	KeyToken:                   {},
	KeyContextID:               {},
	KeyShippingCallbackInvoked: {},
}

// Fields is one analytics record keyed by the enumerated field names.
type Fields map[string]string

// Known returns a copy of f limited to the enumerated keys with non-empty values.
func (f Fields) Known() Fields {
	out := make(Fields, len(f))
	for key, value := range f {
		if _, ok := knownKeys[key]; !ok || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// Recorder collects analytics records. Record never blocks on delivery; Flush
// forces delivery of everything recorded so far.
type Recorder interface {
	Record(ctx context.Context, name string, fields Fields)
	Flush(ctx context.Context) error
}

// Nop discards every record.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, string, Fields) {}

// Flush implements Recorder.
func (Nop) Flush(context.Context) error { return nil }

// Multi fans records out to several recorders.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, name string, fields Fields) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, name, fields)
		}
	}
}

// Flush flushes every recorder and joins their errors.
func (m Multi) Flush(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, r := range m {
		if r == nil {
			continue
		}
		wg.Add(1)
		go func(r Recorder) {
			defer wg.Done()
			if err := r.Flush(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	return errors.Join(errs...)
}
