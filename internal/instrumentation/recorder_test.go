package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingRecorder struct {
	records  int
	flushes  int
	flushErr error
}

func (c *countingRecorder) Record(context.Context, string, Fields) { c.records++ }

func (c *countingRecorder) Flush(context.Context) error {
	c.flushes++
	return c.flushErr
}

func TestFieldsKnownDropsUnknownAndEmpty(t *testing.T) {
	got := Fields{KeyToken: "ORDER-1", KeyStateName: "", "amount": "10.00"}.Known()
	if len(got) != 1 || got[KeyToken] != "ORDER-1" {
		t.Fatalf("unexpected fields %#v", got)
	}
}

func TestMultiFansOut(t *testing.T) {
	a := &countingRecorder{}
	b := &countingRecorder{flushErr: errors.New("unavailable")}
	m := Multi{a, nil, b}

	m.Record(context.Background(), EventShippingAddressChange, Fields{})
	if a.records != 1 || b.records != 1 {
		t.Fatalf("expected one record each, got %d and %d", a.records, b.records)
	}
	if err := m.Flush(context.Background()); err == nil {
		t.Fatalf("expected joined flush error")
	}
	if a.flushes != 1 || b.flushes != 1 {
		t.Fatalf("expected every recorder flushed")
	}
}

func TestLogRecorderWritesKnownFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	recorder := NewLogRecorder(zap.New(core))

	recorder.Record(context.Background(), EventShippingAddressChange, Fields{
		KeyTransitionName: TransitionShippingAddressChange,
		KeyContextID:      "ORDER-1",
		"buyer":           "x",
	})
	if err := recorder.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event"] != EventShippingAddressChange || fields[KeyContextID] != "ORDER-1" {
		t.Fatalf("unexpected fields %#v", fields)
	}
	if _, ok := fields["buyer"]; ok {
		t.Fatalf("unknown field must not be logged")
	}
}
