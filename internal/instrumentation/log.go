package instrumentation

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/platform/observability"
)

// LogRecorder writes each record as an info log entry.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder returns a recorder that logs through logger. When logger is
// nil the request scoped logger from the context is used.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, name string, fields Fields) {
	logger := r.logger
	if logger == nil {
		logger = observability.FromContext(ctx)
	}

	known := fields.Known()
	keys := make([]string, 0, len(known))
	for key := range known {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys)+1)
	zf = append(zf, zap.String("event", name))
	for _, key := range keys {
		zf = append(zf, zap.String(key, known[key]))
	}
	logger.Info("instrumentation event", zf...)
}

// Flush syncs the underlying logger.
func (r *LogRecorder) Flush(ctx context.Context) error {
	if r.logger == nil {
		return nil
	}
	// Sync fails on stderr/stdout for some platforms; records are already written.
	_ = r.logger.Sync()
	return nil
}
