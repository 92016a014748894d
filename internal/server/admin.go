package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/digital-atlas/hazquery/internal/model"
)

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.CacheOpTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	redisStatus := "ok"
	status := http.StatusOK
	if err := s.redis.Ping(ctx); err != nil {
		redisStatus = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  map[int]string{http.StatusOK: "ok", http.StatusServiceUnavailable: "degraded"}[status],
		"redis":   redisStatus,
		"domains": s.registry.Domains(),
	})
}

func (s *Server) handleCachePrefixes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"prefixes": CachePrefixes})
}

// handleCacheClear flushes fast-tier keys by prefix. It requires the
// configured admin token and refuses service when none is configured.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ClearToken == "" {
		writeError(w, http.StatusServiceUnavailable, "cache clearing is not configured")
		return
	}
	if clearToken(r) != s.cfg.ClearToken {
		writeError(w, http.StatusUnauthorized, "invalid or missing admin token")
		return
	}

	var req model.CacheClearRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	prefixes := req.Prefixes
	if req.All {
		prefixes = CachePrefixes
	}
	if len(prefixes) == 0 {
		writeError(w, http.StatusBadRequest, "no prefixes given; set prefixes or all")
		return
	}
	for _, p := range prefixes {
		if !allowedPrefix(p) {
			writeError(w, http.StatusBadRequest, "unknown cache prefix: "+p)
			return
		}
	}

	report, err := s.cache.ClearPrefixes(r.Context(), prefixes, req.DryRun, 500)
	if err != nil {
		s.log.Error().Err(err).Msg("cache clear failed")
		writeError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func clearToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token"))
}
