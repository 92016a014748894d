package invalidation

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func ts() time.Time { return time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC) }

func TestEventValidate(t *testing.T) {
	valid := Event{Version: 1, Op: "update", Domain: "hazard", TS: ts()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	bad := []Event{
		{Version: 2, Op: "update", Domain: "hazard", TS: ts()},
		{Version: 1, Op: "truncate", Domain: "hazard", TS: ts()},
		{Version: 1, Op: "update", TS: ts()},
		{Version: 1, Op: "update", Domain: "hazard"},
		{Version: 1, Op: "update", Domain: "hazard", TS: ts(), Prefixes: []string{"q1", " "}},
	}
	for i, ev := range bad {
		if err := ev.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, ev)
		}
	}
}

func message(t *testing.T, ev Event) *sarama.ConsumerMessage {
	t.Helper()
	body, err := gojson.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: body}
}

func TestProcessOneAppliesEvent(t *testing.T) {
	var applied []Event
	c := NewConsumer(Config{}, func(_ context.Context, ev Event) error {
		applied = append(applied, ev)
		return nil
	}, zerolog.Nop())

	ev := Event{Version: 1, Op: "reload", Domain: "hazard", Prefixes: []string{"q1"}, TS: ts(), ID: "ev-1"}
	if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(applied) != 1 || applied[0].Domain != "hazard" {
		t.Fatalf("applied = %+v", applied)
	}
}

func TestProcessOneDeduplicatesByID(t *testing.T) {
	calls := 0
	c := NewConsumer(Config{}, func(context.Context, Event) error {
		calls++
		return nil
	}, zerolog.Nop())

	ev := Event{Version: 1, Op: "update", Domain: "hazard", TS: ts(), ID: "dup"}
	for i := 0; i < 3; i++ {
		if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}

func TestProcessOneDropsInvalidWithoutError(t *testing.T) {
	calls := 0
	c := NewConsumer(Config{}, func(context.Context, Event) error {
		calls++
		return nil
	}, zerolog.Nop())

	ev := Event{Version: 1, Op: "noop", Domain: "hazard", TS: ts()}
	if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("invalid event must not fail the claim: %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler ran for invalid event")
	}
}

func TestProcessOneRejectsGarbage(t *testing.T) {
	c := NewConsumer(Config{}, func(context.Context, Event) error { return nil }, zerolog.Nop())
	msg := &sarama.ConsumerMessage{Topic: "t", Value: []byte("{nope")}
	if err := c.ProcessOne(context.Background(), msg); err == nil {
		t.Fatalf("expected decode error")
	}
}
