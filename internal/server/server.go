// Package server wires the HTTP API: analytic query endpoints, cache
// administration, health and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/digital-atlas/hazquery/internal/aggregate"
	"github.com/digital-atlas/hazquery/internal/aggregate/hazagg"
	"github.com/digital-atlas/hazquery/internal/cache"
	"github.com/digital-atlas/hazquery/internal/cache/mossstore"
	"github.com/digital-atlas/hazquery/internal/cache/redisstore"
	"github.com/digital-atlas/hazquery/internal/config"
	"github.com/digital-atlas/hazquery/internal/geofilter"
	"github.com/digital-atlas/hazquery/internal/invalidation"
	"github.com/digital-atlas/hazquery/internal/middleware"
	"github.com/digital-atlas/hazquery/internal/query"
	"github.com/digital-atlas/hazquery/internal/query/parquetexec"
	"github.com/digital-atlas/hazquery/internal/registry"
)

// CachePrefixes is the allow-list of clearable cache key prefixes.
var CachePrefixes = []string{
	"totals_by_hazard",
	"totals_by_crop",
	"hazard_by_crop",
	"by_admin",
	"q1",
	"records",
	"denom_total",
}

func allowedPrefix(p string) bool {
	for _, allowed := range CachePrefixes {
		if p == allowed {
			return true
		}
	}
	return false
}

// Server holds the wired dependencies behind the HTTP handlers.
type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	cache    *cache.Coordinator
	redis    *redisstore.Client
	registry *registry.Registry
	runner   query.Runner
	compiler *geofilter.Compiler
	agg      aggregate.Interface
}

func New(cfg config.Config, log zerolog.Logger, coord *cache.Coordinator, rdb *redisstore.Client, reg *registry.Registry, runner query.Runner) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		cache:    coord,
		redis:    rdb,
		registry: reg,
		runner:   runner,
		compiler: geofilter.NewCompiler(512),
		agg:      hazagg.New(),
	}
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(s.log))
	r.Use(middleware.Logging(s.log))
	r.Use(middleware.CORS())

	r.Get("/healthz", s.handleLiveness)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/hz", func(r chi.Router) {
			r.Post("/totals-by-hazard", s.handleTotalsByHazard)
			r.Post("/totals_by_hazard", s.handleTotalsByHazard)
			r.Post("/totals-by-crop", s.handleTotalsByCrop)
			r.Post("/hazard-by-crop", s.handleHazardByCrop)
			r.Post("/by-admin", s.handleByAdmin)
			r.Post("/q1", s.handleQ1)
			r.Post("/records", s.handleRecords)

			r.Get("/cache/prefixes", s.handleCachePrefixes)
			r.Post("/cache/clear", s.handleCacheClear)
		})
		r.Post("/exposure/denom-total", s.handleDenomTotal)
	})
	return r
}

// Run builds every dependency from cfg, starts the HTTP server and blocks
// until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	rdb, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	durable, err := mossstore.Open(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer func() { _ = durable.Close() }()

	coord := cache.NewCoordinator(rdb, durable, cache.CoordinatorConfig{
		WriteWorkers: cfg.WriteWorkers,
		WriteQueue:   cfg.WriteQueue,
	}, log)
	defer coord.Close()

	if n, err := coord.RetentionSweep(ctx, cfg.CacheKeepDays); err != nil {
		log.Warn().Err(err).Msg("startup retention sweep failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("startup retention sweep")
	}

	reg, err := registry.Load(cfg.RegistryPath, cfg.DatasetBaseDir)
	if err != nil {
		return err
	}

	srv := New(cfg, log, coord, rdb, reg, parquetexec.New(cfg.MaxRows))

	if cfg.Invalidation.Enabled {
		consumer := invalidation.NewConsumer(invalidation.Config{
			Brokers: cfg.Invalidation.Brokers,
			Topic:   cfg.Invalidation.Topic,
			GroupID: cfg.Invalidation.GroupID,
		}, srv.clearForInvalidation, log)
		go consumer.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http listen")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// clearForInvalidation applies a consumed invalidation event against the
// fast tier, keeping only allow-listed prefixes.
func (s *Server) clearForInvalidation(ctx context.Context, ev invalidation.Event) error {
	prefixes := make([]string, 0, len(ev.Prefixes))
	for _, p := range ev.Prefixes {
		if allowedPrefix(p) {
			prefixes = append(prefixes, p)
		} else {
			s.log.Warn().Str("prefix", p).Msg("ignoring unknown prefix in invalidation event")
		}
	}
	if len(ev.Prefixes) == 0 {
		prefixes = CachePrefixes
	}
	if len(prefixes) == 0 {
		return nil
	}
	report, err := s.cache.ClearPrefixes(ctx, prefixes, false, 500)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("event_id", ev.ID).
		Str("domain", ev.Domain).
		Int("deleted", report.Deleted).
		Msg("cache invalidated")
	return nil
}
