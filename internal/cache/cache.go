// Package cache coordinates a fast volatile tier (Redis) with a durable
// on-disk tier (moss) under a shared TTL policy.
package cache

import (
	"context"
	"time"

	gojson "github.com/goccy/go-json"
)

// Source reports which tier served a Get, for response metadata and metrics.
type Source string

const (
	SourceDisabled Source = "disabled"
	SourceFast     Source = "fast"
	SourceDurable  Source = "durable"
	SourceMiss     Source = "miss"
)

// Policy is the resolved caching behavior for one request.
type Policy struct {
	Disabled bool
	TTL      time.Duration
}

// ResolvePolicy maps a request's optional TTL override (seconds) onto a
// policy: nil uses the configured default, negative disables caching for
// the request, zero stores without expiry, positive is the TTL.
func ResolvePolicy(requested *int, def time.Duration) Policy {
	if requested == nil {
		return Policy{TTL: def}
	}
	switch {
	case *requested < 0:
		return Policy{Disabled: true}
	case *requested == 0:
		return Policy{TTL: 0}
	default:
		return Policy{TTL: time.Duration(*requested) * time.Second}
	}
}

// Entry is the durable tier's stored envelope.
type Entry struct {
	ResponseJSON gojson.RawMessage `json:"response_json"`
	CreatedAt    time.Time         `json:"created_at"`
}

// FastTier is the volatile store. Get reports (value, found, error);
// a miss is not an error.
type FastTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Unlink(ctx context.Context, keys ...string) (int64, error)
}

// DurableTier is the persistent store. It has no expiry; staleness is
// handled by the retention sweep.
type DurableTier interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
