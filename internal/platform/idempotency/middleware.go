package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/platform/httpx"
	"github.com/hanko-field/shipping-change/internal/platform/observability"
	"github.com/hanko-field/shipping-change/internal/platform/requestctx"
)

// ReplayHeader marks a response replayed from a stored delivery.
const ReplayHeader = "X-Event-Replay"

const defaultMaxBody = 1 << 20

type middlewareConfig struct {
	header  string
	ttl     time.Duration
	maxBody int64
	clock   func() time.Time
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the event id.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long deliveries are remembered.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMaxBodyBytes caps the body read for fingerprinting.
func WithMaxBodyBytes(n int64) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if n > 0 {
			cfg.maxBody = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware deduplicates event deliveries by their event id header.
// Requests without the header pass through. A repeated delivery with the same
// body replays the stored response; a delivery still in flight, or the same
// id with a different body, is answered with 409. Server errors release the
// reservation so the host can redeliver.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		header:  httpx.HeaderEventID,
		ttl:     DefaultTTL,
		maxBody: defaultMaxBody,
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			eventID := strings.TrimSpace(r.Header.Get(cfg.header))
			if eventID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := requestctx.WithEventID(r.Context(), eventID)
			r = r.WithContext(ctx)
			logger := observability.FromContext(ctx).With(zap.String("event_id", observability.SanitizeIdentifier(eventID)))

			body, err := readBody(w, r, cfg.maxBody)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "request body could not be read", http.StatusBadRequest))
				return
			}
			fingerprint := Fingerprint(body)

			reservation, err := store.Reserve(ctx, eventID, fingerprint, cfg.clock(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("event_id_conflict", "event id already used for a different payload", http.StatusConflict))
					return
				}
				logger.Error("idempotency: reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to check event delivery", http.StatusInternalServerError))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				logger.Debug("idempotency: replaying delivery")
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, httpx.NewError("event_in_progress", "event delivery is still being processed", http.StatusConflict))
				return
			}

			rec := &bufferedResponse{header: make(http.Header)}
			next.ServeHTTP(rec, r)

			persist(ctx, store, logger, eventID, fingerprint, rec, cfg)
			rec.flush(w)
		})
	}
}

func persist(ctx context.Context, store Store, logger *zap.Logger, eventID, fingerprint string, rec *bufferedResponse, cfg middlewareConfig) {
	// The outcome is stored even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	if rec.statusCode() >= http.StatusInternalServerError {
		if err := store.Release(ctx, eventID); err != nil {
			logger.Warn("idempotency: release failed", zap.Error(err))
		}
		return
	}
	resp := Response{
		Status:      rec.statusCode(),
		ContentType: rec.header.Get("Content-Type"),
		Body:        rec.body.Bytes(),
	}
	if err := store.Complete(ctx, eventID, fingerprint, resp, cfg.clock(), cfg.ttl); err != nil {
		logger.Warn("idempotency: storing delivery outcome failed", zap.Error(err))
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, record Record) {
	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(data []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedResponse) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for key, values := range b.header {
		dst[key] = append([]string(nil), values...)
	}
	w.WriteHeader(b.statusCode())
	if b.body.Len() > 0 {
		_, _ = w.Write(b.body.Bytes())
	}
}
