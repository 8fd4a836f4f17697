package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/facility-index/internal/geo"
)

type KafkaCfg struct {
	Brokers       string
	ChangesTopic  string
	GroupID       string
	EventsTopic   string
	EventsQueue   int
	DedupeEntries int
}

type CatalogCfg struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

type Config struct {
	Addr                string
	LogLevel            string
	LogConsole          bool
	Env                 string
	Catalog             CatalogCfg
	RedisAddr           string
	StoreDriver         string
	IndexID             string
	IndexBounds         geo.BoundingBox
	LeafReadWorkers     int
	LeafWriteWorkers    int
	SyncInterval        time.Duration
	SyncBatch           int
	Kafka               KafkaCfg
	InvalidationEnabled bool
	EventsEnabled       bool
	SentryDSN           string
	MetricsEnabled      bool
	MetricsPath         string
}

// Load reads files (default .env) into the environment without overriding
// variables already set, then builds the config. Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	bounds, err := parseBounds(getenv("INDEX_BOUNDS", "90,-180,-90,180"))
	if err != nil {
		return Config{}, fmt.Errorf("INDEX_BOUNDS: %w", err)
	}
	driver := strings.ToLower(getenv("STORE_DRIVER", "redis"))
	if driver != "redis" && driver != "memory" {
		return Config{}, fmt.Errorf("STORE_DRIVER must be redis or memory, got %q", driver)
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		Env:        getenv("APP_ENV", "development"),
		Catalog: CatalogCfg{
			URL:      getenv("CATALOG_URL", "http://localhost:8080/facilities"),
			User:     getenv("CATALOG_USER", ""),
			Password: getenv("CATALOG_PASSWORD", ""),
			Timeout:  getduration("CATALOG_TIMEOUT", 30*time.Second),
		},
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		StoreDriver:      driver,
		IndexID:          getenv("INDEX_ID", "default"),
		IndexBounds:      bounds,
		LeafReadWorkers:  getint("LEAF_READ_WORKERS", 8),
		LeafWriteWorkers: getint("LEAF_WRITE_WORKERS", 4),
		SyncInterval:     getduration("SYNC_INTERVAL", time.Minute),
		SyncBatch:        getint("SYNC_BATCH", 50),
		Kafka: KafkaCfg{
			Brokers:       getenv("KAFKA_BROKERS", "localhost:9092"),
			ChangesTopic:  getenv("KAFKA_TOPIC", "facility-changes"),
			GroupID:       getenv("KAFKA_GROUP_ID", "facility-index"),
			EventsTopic:   getenv("KAFKA_EVENTS_TOPIC", "facility-events"),
			EventsQueue:   getint("KAFKA_EVENTS_QUEUE", 1024),
			DedupeEntries: getint("KAFKA_DEDUPE_ENTRIES", 4096),
		},
		InvalidationEnabled: getbool("INVALIDATION_ENABLED", false),
		EventsEnabled:       getbool("EVENTS_ENABLED", false),
		SentryDSN:           getenv("SENTRY_DSN", ""),
		MetricsEnabled:      getbool("METRICS_ENABLED", true),
		MetricsPath:         getenv("METRICS_PATH", "/metrics"),
	}, nil
}

// parse "north,west,south,east"
func parseBounds(s string) (geo.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.BoundingBox{}, fmt.Errorf("want north,west,south,east")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BoundingBox{}, fmt.Errorf("value %d: %w", i, err)
		}
		v[i] = f
	}
	b := geo.NewBox(v[0], v[1], v[2], v[3])
	if err := b.Validate(); err != nil {
		return geo.BoundingBox{}, err
	}
	return b, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
