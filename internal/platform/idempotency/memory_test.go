package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStoreReserveLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Reserve(ctx, "evt-1", "fp", fixedTime, time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if first.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", first.State)
	}

	second, err := store.Reserve(ctx, "evt-1", "fp", fixedTime.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if second.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v", second.State)
	}

	if err := store.Complete(ctx, "evt-1", "fp", Response{Status: 200, ContentType: "application/json", Body: []byte(`{}`)}, fixedTime, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	third, err := store.Reserve(ctx, "evt-1", "fp", fixedTime.Add(2*time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if third.State != ReservationStateCompleted || string(third.Record.ResponseBody) != `{}` {
		t.Fatalf("expected completed reservation with body, got %#v", third)
	}

	if _, err := store.Reserve(ctx, "evt-1", "other", fixedTime, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestMemoryStoreExpiredRecordIsNew(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "evt-1", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res, err := store.Reserve(ctx, "evt-1", "different", fixedTime.Add(time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("Reserve after expiry: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation after expiry, got %v", res.State)
	}
}

func TestMemoryStoreReleaseAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _ = store.Reserve(ctx, "evt-1", "fp", fixedTime, time.Minute)
	_, _ = store.Reserve(ctx, "evt-2", "fp", fixedTime, time.Hour)

	if err := store.Release(ctx, "evt-2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	res, err := store.Reserve(ctx, "evt-2", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected released id to be reservable, got %v %v", res.State, err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(30*time.Minute), 0)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", removed)
	}
}
