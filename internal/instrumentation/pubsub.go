package instrumentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubRecorder publishes each record as one Pub/Sub message. Fields are
// copied into message attributes and the JSON body.
type PubSubRecorder struct {
	topic   *pubsub.Topic
	logger  *zap.Logger
	now     func() time.Time
	marshal func(any) ([]byte, error)

	mu      sync.Mutex
	pending []*pubsub.PublishResult
}

type pubsubEvent struct {
	Name       string            `json:"name"`
	Fields     map[string]string `json:"fields"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// NewPubSubRecorder constructs a recorder publishing to topic.
func NewPubSubRecorder(topic *pubsub.Topic, logger *zap.Logger) (*PubSubRecorder, error) {
	if topic == nil {
		return nil, errors.New("pubsub recorder: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubRecorder{
		topic:   topic,
		logger:  logger,
		now:     time.Now,
		marshal: json.Marshal,
	}, nil
}

// Record queues a message. Encoding failures are logged and the record dropped.
func (r *PubSubRecorder) Record(ctx context.Context, name string, fields Fields) {
	known := fields.Known()
	data, err := r.marshal(pubsubEvent{Name: name, Fields: known, RecordedAt: r.now().UTC()})
	if err != nil {
		r.logger.Warn("instrumentation event dropped", zap.String("event", name), zap.Error(err))
		return
	}

	attrs := make(map[string]string, len(known)+1)
	for key, value := range known {
		attrs[key] = value
	}
	attrs["event"] = name

	result := r.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})

	r.mu.Lock()
	r.pending = append(r.pending, result)
	r.mu.Unlock()
}

// Flush waits for every queued message to be acknowledged by the server.
func (r *PubSubRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	var errs []error
	for _, result := range pending {
		if _, err := result.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish instrumentation events: %w", errors.Join(errs...))
	}
	return nil
}
