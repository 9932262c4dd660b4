// Package config loads and validates the service's YAML configuration and
// supports hot reload via fsnotify: Watcher.Current returns the most recent
// valid file contents without a restart.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Preference string

const (
	PreferenceWayback     Preference = "WAYBACK"
	PreferenceCommonCrawl Preference = "COMMON_CRAWL"
	PreferenceHybrid      Preference = "HYBRID"
)

type ProxyRotationPolicy string

const (
	ProxyRotationRandom     ProxyRotationPolicy = "RANDOM"
	ProxyRotationRoundRobin ProxyRotationPolicy = "ROUND_ROBIN"
)

type ArchiveEndpoints struct {
	CDX         string `yaml:"cdx"`
	Columnar    string `yaml:"columnar"`
	DirectIndex string `yaml:"direct_index"`
	Secondary   string `yaml:"secondary"`
}

type ArchiveConfig struct {
	Preference             Preference       `yaml:"preference" validate:"required,oneof=WAYBACK COMMON_CRAWL HYBRID"`
	FallbackEnabled        bool             `yaml:"fallback_enabled"`
	FallbackDelaySeconds   int              `yaml:"fallback_delay_seconds" validate:"gte=0"`
	MaxFallbackAttempts    int              `yaml:"max_fallback_attempts" validate:"gte=0"`
	StrategyTimeoutsMs     map[string]int   `yaml:"strategy_timeouts_ms"`
	StrategyRateLimitsMin  map[string]int   `yaml:"strategy_rate_limits_per_min"`
	Endpoints              ArchiveEndpoints `yaml:"endpoints"`
	MinContentLength       int64            `yaml:"min_content_length" validate:"gte=0"`
}

type BreakerConfig struct {
	FailureThreshold      int `yaml:"failure_threshold" validate:"gte=1"`
	RecoveryTimeoutS      int `yaml:"recovery_timeout_s" validate:"gte=1"`
	HalfOpenMaxProbes     int `yaml:"half_open_max_probes" validate:"gte=1"`
	MaxRecoveryTimeoutS   int `yaml:"max_recovery_timeout_s" validate:"gte=1"`
}

type ProxyConfig struct {
	Endpoints       []string            `yaml:"endpoints"`
	Credentials     string              `yaml:"credentials"`
	RotationPolicy  ProxyRotationPolicy `yaml:"rotation_policy" validate:"omitempty,oneof=RANDOM ROUND_ROBIN"`
}

type FetchCacheConfig struct {
	MaxEntries int `yaml:"max_entries" validate:"gte=1"`
	TTLSeconds int `yaml:"ttl_s" validate:"gte=1"`
}

type ExtractorConfig struct {
	MinTextLength                 int `yaml:"min_text_length" validate:"gte=1"`
	ArchiveReachthroughRPM         int `yaml:"archive_reachthrough_requests_per_minute" validate:"gte=1"`
	ArchiveReachthroughMinInterval int `yaml:"archive_reachthrough_min_interval_s" validate:"gte=0"`
}

type PoolConfig struct {
	DSN             string `yaml:"dsn"`
	MaxConn         int    `yaml:"max_conn" validate:"gte=1"`
	IdleTimeoutS    int    `yaml:"idle_timeout_s" validate:"gte=1"`
	MaxLifetimeS    int    `yaml:"max_lifetime_s" validate:"gte=1"`
}

type RouterConfig struct {
	Pools struct {
		OLTP PoolConfig `yaml:"oltp"`
		OLAP PoolConfig `yaml:"olap"`
	} `yaml:"pools"`
	Quotas struct {
		Critical int `yaml:"critical" validate:"gte=0"`
		High     int `yaml:"high" validate:"gte=0"`
		Normal   int `yaml:"normal" validate:"gte=0"`
	} `yaml:"quotas"`
	Cache struct {
		L1Entries    int    `yaml:"l1_entries"`
		L1TTLSeconds int    `yaml:"l1_ttl_s" validate:"gte=1"`
		L2TTLSeconds int    `yaml:"l2_ttl_s" validate:"gte=1"`
		RedisAddr    string `yaml:"redis_addr"`
	} `yaml:"cache"`
	OLTPTables []string `yaml:"oltp_tables"`
	OLAPTables []string `yaml:"olap_tables"`
	DegradeTimeSeries bool `yaml:"degrade_time_series"`
}

type SyncConfig struct {
	BatchSize     int `yaml:"batch_size" validate:"gte=1"`
	WatermarkHigh int `yaml:"watermark_high" validate:"gte=1"`
	WatermarkLow  int `yaml:"watermark_low" validate:"gte=0"`
	RetentionDays int `yaml:"retention_days" validate:"gte=1"`
}

type Config struct {
	Archive    ArchiveConfig    `yaml:"archive"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	FetchCache FetchCacheConfig `yaml:"fetch_cache"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Router     RouterConfig     `yaml:"router"`
	Sync       SyncConfig       `yaml:"sync"`
}

var validate = validator.New()

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return &cfg, nil
}

// Watcher hot-reloads a Config from disk on write events and makes the newly
// loaded value available through Current. Readers never see a partially
// applied config: a reload that fails to load or validate is passed to the
// onError callback and discarded, and the previous Config remains current.
type Watcher struct {
	mu      sync.RWMutex
	current *Config
	path    string
	watcher *fsnotify.Watcher
	onError func(error)
}

// NewWatcher loads path once, then begins watching it for changes.
func NewWatcher(path string, onError func(error)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{current: cfg, path: path, watcher: fw, onError: onError}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
