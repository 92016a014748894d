// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	RedisAddr      string
	CacheDir       string
	CacheTTL       time.Duration
	CacheKeepDays  int
	CacheOpTimeout time.Duration
	WriteWorkers   int
	WriteQueue     int
	ClearToken     string

	RegistryPath   string
	DatasetBaseDir string

	MaxRows       int
	ExportMaxRows int
	AllowBroadGeo bool

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		CacheDir:       getenv("CACHE_DIR", "/data/response-cache"),
		CacheTTL:       getduration("CACHE_TTL_SECONDS", 24*time.Hour),
		CacheKeepDays:  getint("CACHE_KEEP_DAYS", 30),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		WriteWorkers:   getint("CACHE_WRITE_WORKERS", 4),
		WriteQueue:     getint("CACHE_WRITE_QUEUE", 64),
		ClearToken:     strings.TrimSpace(getenv("CACHE_CLEAR_TOKEN", "")),

		RegistryPath:   getenv("DATASET_REGISTRY_PATH", "registry.json"),
		DatasetBaseDir: getenv("DATASET_BASE_DIR", ""),

		MaxRows:       getint("MAX_ROWS", 10000),
		ExportMaxRows: getint("EXPORT_MAX_ROWS", 200000),
		AllowBroadGeo: getbool("ALLOW_BROAD_GEO", false),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "dataset-invalidation"),
			GroupID: getenv("KAFKA_GROUP_ID", "hazquery-invalidator"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		// plain integer means seconds
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
