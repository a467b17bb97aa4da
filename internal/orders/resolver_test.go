package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/hanko-field/shipping-change/internal/domain"
)

type fakeCreator struct {
	calls int
	id    string
	err   error
}

func (f *fakeCreator) CreateOrder(context.Context, domain.Amount, domain.CallerContext) (string, error) {
	f.calls++
	return f.id, f.err
}

func TestResolverReturnsKnownOrderID(t *testing.T) {
	creator := &fakeCreator{id: "NEW"}
	r := NewResolver(creator, " ORDER-1 ", nil, domain.CallerContext{})

	id, err := r.CreateOrUpdateOrder(context.Background())
	if err != nil {
		t.Fatalf("CreateOrUpdateOrder: %v", err)
	}
	if id != "ORDER-1" || creator.calls != 0 {
		t.Fatalf("expected known id without creation, got %q after %d calls", id, creator.calls)
	}
}

func TestResolverCreatesOnce(t *testing.T) {
	creator := &fakeCreator{id: "NEW"}
	r := NewResolver(creator, "", &domain.Amount{CurrencyCode: "USD", Value: "1.00"}, domain.CallerContext{})

	for i := 0; i < 2; i++ {
		id, err := r.CreateOrUpdateOrder(context.Background())
		if err != nil {
			t.Fatalf("CreateOrUpdateOrder: %v", err)
		}
		if id != "NEW" {
			t.Fatalf("unexpected id %q", id)
		}
	}
	if creator.calls != 1 {
		t.Fatalf("expected one creation, got %d", creator.calls)
	}
}

func TestResolverErrors(t *testing.T) {
	if _, err := NewResolver(nil, "", nil, domain.CallerContext{}).CreateOrUpdateOrder(context.Background()); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := NewResolver(&fakeCreator{}, "", nil, domain.CallerContext{}).CreateOrUpdateOrder(context.Background()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	boom := errors.New("unavailable")
	r := NewResolver(&fakeCreator{err: boom}, "", &domain.Amount{CurrencyCode: "USD", Value: "1.00"}, domain.CallerContext{})
	if _, err := r.CreateOrUpdateOrder(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected creator error, got %v", err)
	}
}
