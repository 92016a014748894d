// Package invalidation consumes dataset-change events from Kafka and
// flushes the affected cache prefixes.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event announces that a dataset changed and which cache prefixes are now
// stale. An event without prefixes invalidates every known prefix.
type Event struct {
	Version  int       `json:"version"`
	Op       string    `json:"op"`
	Domain   string    `json:"domain"`
	Prefixes []string  `json:"prefixes,omitempty"`
	TS       time.Time `json:"ts"`
	ID       string    `json:"id,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "update", "reload", "delete":
	default:
		return fmt.Errorf("op must be update|reload|delete")
	}
	if strings.TrimSpace(e.Domain) == "" {
		return fmt.Errorf("domain is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	for _, p := range e.Prefixes {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("prefixes must not contain empty entries")
		}
	}
	return nil
}
