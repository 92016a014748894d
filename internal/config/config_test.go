package config

import (
	"testing"
	"time"
)

func TestCacheTTLSecondsEnv(t *testing.T) {
	t.Setenv("CACHE_TTL_SECONDS", "90")
	if cfg := FromEnv(); cfg.CacheTTL != 90*time.Second {
		t.Fatalf("CacheTTL = %v, want 90s", cfg.CacheTTL)
	}

	// duration strings work too
	t.Setenv("CACHE_TTL_SECONDS", "2h")
	if cfg := FromEnv(); cfg.CacheTTL != 2*time.Hour {
		t.Fatalf("CacheTTL = %v, want 2h", cfg.CacheTTL)
	}
}
