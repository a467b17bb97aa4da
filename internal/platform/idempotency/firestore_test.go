package idempotency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hanko-field/shipping-change/internal/platform/config"
	pfirestore "github.com/hanko-field/shipping-change/internal/platform/firestore"
)

func newEmulatorStore(t *testing.T) *FirestoreStore {
	t.Helper()
	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := pfirestore.Open(context.Background(), config.FirestoreConfig{ProjectID: "shipping-test", EmulatorHost: host})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewFirestoreStore(client, WithCollection(fmt.Sprintf("deliveries_%d", time.Now().UnixNano())))
}

func TestFirestoreStoreReserveLifecycle(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := store.Reserve(ctx, "evt-1", "fp", now, time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", res.State)
	}

	res, err = store.Reserve(ctx, "evt-1", "fp", now, time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v", res.State)
	}

	if err := store.Complete(ctx, "evt-1", "fp", Response{Status: 200, ContentType: "application/json", Body: []byte(`{"state":"applied"}`)}, now, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	res, err = store.Reserve(ctx, "evt-1", "fp", now, time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.State != ReservationStateCompleted || res.Record.ResponseStatus != 200 {
		t.Fatalf("expected completed reservation, got %#v", res)
	}

	if _, err := store.Reserve(ctx, "evt-1", "other", now, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestFirestoreStoreReleaseAndCleanup(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.Reserve(ctx, "evt-old", "fp", now.Add(-2*time.Hour), time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "evt-new", "fp", now, time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Release(ctx, "evt-new"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := store.Release(ctx, "evt-missing"); err != nil {
		t.Fatalf("Release of a missing record: %v", err)
	}

	removed, err := store.CleanupExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", removed)
	}
}
