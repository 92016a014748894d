package cache

import (
	"context"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/digital-atlas/hazquery/internal/observability"
)

// Coordinator is the two-tier cache front. Reads check the fast tier, fall
// through to the durable tier, and promote durable hits back into the fast
// tier. Writes go through the fast tier synchronously and the durable tier
// via a small worker pool.
type Coordinator struct {
	fast    FastTier
	durable DurableTier
	log     zerolog.Logger

	jobs chan durableJob
	wg   sync.WaitGroup

	closeOnce sync.Once
}

type durableJob struct {
	key   string
	entry Entry
}

type CoordinatorConfig struct {
	WriteWorkers int
	WriteQueue   int
}

func NewCoordinator(fast FastTier, durable DurableTier, cfg CoordinatorConfig, log zerolog.Logger) *Coordinator {
	if cfg.WriteWorkers <= 0 {
		cfg.WriteWorkers = 2
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = 256
	}
	c := &Coordinator{
		fast:    fast,
		durable: durable,
		log:     log,
		jobs:    make(chan durableJob, cfg.WriteQueue),
	}
	for i := 0; i < cfg.WriteWorkers; i++ {
		c.wg.Add(1)
		go c.writeLoop()
	}
	return c
}

// Close stops the durable write workers after draining queued writes.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.jobs)
		c.wg.Wait()
	})
}

func (c *Coordinator) writeLoop() {
	defer c.wg.Done()
	for job := range c.jobs {
		c.writeDurable(job)
	}
}

func (c *Coordinator) writeDurable(job durableJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// delete-then-put keeps exactly one durable row per key
	if err := c.durable.Delete(ctx, job.key); err != nil {
		c.log.Warn().Err(err).Str("key", job.key).Msg("durable delete failed")
	}
	if err := c.durable.Put(ctx, job.key, job.entry); err != nil {
		c.log.Warn().Err(err).Str("key", job.key).Msg("durable put failed")
	}
}

// Get looks up key under policy. Tier failures and undecodable payloads
// degrade to a miss so callers can recompute.
func (c *Coordinator) Get(ctx context.Context, key string, policy Policy) ([]byte, Source) {
	if policy.Disabled {
		observability.IncCacheResult(string(SourceDisabled))
		return nil, SourceDisabled
	}

	val, found, err := c.fast.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("fast tier get failed")
	} else if found && gojson.Valid(val) {
		observability.IncCacheResult(string(SourceFast))
		return val, SourceFast
	} else if found {
		c.log.Warn().Str("key", key).Msg("fast tier payload undecodable, treating as miss")
	}

	entry, found, err := c.durable.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("durable tier get failed")
	} else if found && gojson.Valid(entry.ResponseJSON) {
		if err := c.fast.Set(ctx, key, entry.ResponseJSON, policy.TTL); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("fast tier promote failed")
		}
		observability.IncCacheResult(string(SourceDurable))
		return entry.ResponseJSON, SourceDurable
	} else if found {
		c.log.Warn().Str("key", key).Msg("durable tier payload undecodable, treating as miss")
	}

	observability.IncCacheResult(string(SourceMiss))
	return nil, SourceMiss
}

// Set serializes value once and writes it through both tiers. The durable
// write is queued; a full queue falls back to a synchronous write so the
// entry is never silently dropped.
func (c *Coordinator) Set(ctx context.Context, key string, value any, policy Policy) error {
	if policy.Disabled {
		return nil
	}
	raw, err := gojson.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.fast.Set(ctx, key, raw, policy.TTL); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("fast tier set failed")
	}
	job := durableJob{key: key, entry: Entry{ResponseJSON: raw, CreatedAt: time.Now().UTC()}}
	select {
	case c.jobs <- job:
	default:
		c.writeDurable(job)
	}
	return nil
}

// ClearReport summarizes a ClearPrefixes run.
type ClearReport struct {
	Deleted  int            `json:"deleted"`
	ByPrefix map[string]int `json:"by_prefix"`
	DryRun   bool           `json:"dry_run"`
}

// ClearPrefixes removes fast-tier keys under "<prefix>:*" for each prefix.
// The durable tier is untouched; its entries age out via RetentionSweep.
// With dryRun the keys are only counted.
func (c *Coordinator) ClearPrefixes(ctx context.Context, prefixes []string, dryRun bool, batch int64) (ClearReport, error) {
	if batch <= 0 {
		batch = 500
	}
	report := ClearReport{DryRun: dryRun, ByPrefix: make(map[string]int, len(prefixes))}
	for _, prefix := range prefixes {
		match := prefix + ":*"
		var cursor uint64
		for {
			keys, next, err := c.fast.Scan(ctx, cursor, match, batch)
			if err != nil {
				return report, err
			}
			if len(keys) > 0 {
				if dryRun {
					report.ByPrefix[prefix] += len(keys)
					report.Deleted += len(keys)
				} else {
					n, err := c.fast.Unlink(ctx, keys...)
					if err != nil {
						return report, err
					}
					report.ByPrefix[prefix] += int(n)
					report.Deleted += int(n)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		if _, ok := report.ByPrefix[prefix]; !ok {
			report.ByPrefix[prefix] = 0
		}
	}
	return report, nil
}

// RetentionSweep deletes durable entries created before now minus keepDays.
// keepDays <= 0 disables the sweep.
func (c *Coordinator) RetentionSweep(ctx context.Context, keepDays int) (int, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	n, err := c.durable.SweepOlderThan(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		c.log.Info().Int("removed", n).Time("cutoff", cutoff).Msg("durable retention sweep")
	}
	return n, nil
}
