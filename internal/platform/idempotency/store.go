package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is how long a delivery reservation is retained.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a delivery record.
type Status string

const (
	// StatusPending means a delivery is being processed.
	StatusPending Status = "pending"
	// StatusCompleted means the delivery finished and its response can be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of reserving an event id.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the delivery and should process it.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means an earlier delivery finished.
	ReservationStateCompleted
	// ReservationStatePending means an earlier delivery is still in flight.
	ReservationStatePending
)

// Reservation is the result of Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is one persisted delivery.
type Record struct {
	EventID        string
	Fingerprint    string
	Status         Status
	ResponseStatus int
	ContentType    string
	ResponseBody   []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Response is what gets replayed to a duplicate delivery.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store persists delivery reservations.
type Store interface {
	Reserve(ctx context.Context, eventID, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, eventID, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, eventID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when an event id is reused for a different payload.
var ErrFingerprintMismatch = errors.New("idempotency: event id reused for a different payload")

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	return sha256Hex(body)
}

func documentID(eventID string) string {
	return sha256Hex([]byte(strings.TrimSpace(eventID)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func expired(record Record, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}

func pendingRecord(eventID, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		EventID:     eventID,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}
