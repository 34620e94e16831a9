// Package config loads and validates crawl-core configuration from
// environment variables, an optional .env file, and an optional YAML
// config file, following the Viper-based pattern used across the
// north-cloud services.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// OnFetchFailure policy values for robots.txt unreachability.
const (
	RobotsFailOpen   = "allow"
	RobotsFailClosed = "deny"
)

// CacheConfig configures the content cache (§4.5).
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// HubFreshnessConfig configures the hub freshness controller (§4.6).
type HubFreshnessConfig struct {
	Enabled               bool          `yaml:"enabled"`
	MaxCacheAge           time.Duration `yaml:"max_cache_age"`
	PersistDecisionTraces bool          `yaml:"persist_decision_traces"`
	HubPathSegments       []string      `yaml:"hub_path_segments"`
}

// RobotsConfig configures the robots manager (§4.2).
type RobotsConfig struct {
	OnFetchFailure string        `yaml:"on_fetch_failure"`
	TTL            time.Duration `yaml:"ttl"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"output_paths"`
}

// TelemetryConfig configures the milestone/decision-log bus (§4.10).
type TelemetryConfig struct {
	PersistDecisionTraces     bool          `yaml:"persist_decision_traces"`
	DecisionBufferSize        int           `yaml:"decision_buffer_size"`
	MilestoneSubscriberBuffer int           `yaml:"milestone_subscriber_buffer"`
	FlushInterval             time.Duration `yaml:"flush_interval"`
}

// WorkerConfig configures the worker pool and scheduler (§4.9).
type WorkerConfig struct {
	IdleBackoff       time.Duration `yaml:"idle_backoff"`
	ExitCheckInterval time.Duration `yaml:"exit_check_interval"`
	ProgressTickEvery int           `yaml:"progress_tick_every"`
	QueueLease        time.Duration `yaml:"queue_lease"`
	MaxCrawlDuration  time.Duration `yaml:"max_crawl_duration"`
}

// OrchestratorConfig configures the crawl orchestrator's background tasks
// and shutdown behavior (§4.11, §5).
type OrchestratorConfig struct {
	LeaseReclaimInterval time.Duration `yaml:"lease_reclaim_interval"`
	RobotsSweepInterval  time.Duration `yaml:"robots_sweep_interval"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period"`
}

// Store backend identifiers for StoreConfig.Backend.
const (
	StoreBackendMemory   = "memory"
	StoreBackendPostgres = "postgres"
)

// StoreConfig selects and configures the backing Store implementation.
type StoreConfig struct {
	Backend  string `yaml:"backend"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full, validated crawl-core configuration (§6.1).
type Config struct {
	StartURLs []string `yaml:"start_urls"`

	MaxDepth     int `yaml:"max_depth"`
	MaxDownloads int `yaml:"max_downloads"`
	MaxAttempts  int `yaml:"max_attempts"`

	GlobalConcurrency    int           `yaml:"global_concurrency"`
	PerDomainConcurrency int           `yaml:"per_domain_concurrency"`
	BaseDomainDelay      time.Duration `yaml:"base_domain_delay"`

	UserAgent string `yaml:"user_agent"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`

	Cache         CacheConfig        `yaml:"cache"`
	StayOnHost    bool               `yaml:"stay_on_host"`
	LinkDenyPatterns []string        `yaml:"link_deny_patterns"`
	HubFreshness  HubFreshnessConfig `yaml:"hub_freshness"`
	Robots        RobotsConfig       `yaml:"robots"`

	MaxSitemapURLs int `yaml:"max_sitemap_urls"`

	// MaxQueueSize bounds the frontier (§3 Backpressure); 0 means unlimited.
	MaxQueueSize int `yaml:"max_queue_size"`

	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Worker       WorkerConfig       `yaml:"worker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Store        StoreConfig        `yaml:"store"`
}

// Default values for scalar config options.
const (
	DefaultMaxDepth             = 3
	DefaultMaxAttempts          = 3
	DefaultGlobalConcurrency    = 16
	DefaultPerDomainConcurrency = 2
	DefaultBaseDomainDelay      = time.Second
	DefaultUserAgent            = "newscrawl/1.0"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReadTimeout          = 30 * time.Second
	DefaultRequestTimeout       = 45 * time.Second
	DefaultMaxBodyBytes         = 10 * 1024 * 1024
	DefaultCacheTTL             = 24 * time.Hour
	DefaultCacheMaxBytes        = 256 * 1024 * 1024
	DefaultHubMaxCacheAge       = 10 * time.Minute
	DefaultRobotsTTL            = 24 * time.Hour
	DefaultMaxSitemapURLs       = 500

	DefaultDecisionBufferSize        = 1000
	DefaultMilestoneSubscriberBuffer = 64
	DefaultTelemetryFlushInterval    = 5 * time.Second

	DefaultIdleBackoff       = 2 * time.Second
	DefaultExitCheckInterval = 500 * time.Millisecond
	DefaultProgressTickEvery = 50
	DefaultQueueLease        = 5 * time.Minute

	DefaultLeaseReclaimInterval = time.Minute
	DefaultRobotsSweepInterval  = 10 * time.Minute
	DefaultShutdownGracePeriod  = 30 * time.Second
)

var defaultHubPathSegments = []string{"/news", "/world", "/section", "/category", "/topics", "/tag"}

// New builds a Config with production-safe defaults.
func New() *Config {
	return &Config{
		MaxDepth:             DefaultMaxDepth,
		MaxAttempts:          DefaultMaxAttempts,
		GlobalConcurrency:    DefaultGlobalConcurrency,
		PerDomainConcurrency: DefaultPerDomainConcurrency,
		BaseDomainDelay:      DefaultBaseDomainDelay,
		UserAgent:            DefaultUserAgent,
		ConnectTimeout:       DefaultConnectTimeout,
		ReadTimeout:          DefaultReadTimeout,
		RequestTimeout:       DefaultRequestTimeout,
		MaxBodyBytes:         DefaultMaxBodyBytes,
		Cache: CacheConfig{
			Enabled:  true,
			TTL:      DefaultCacheTTL,
			MaxBytes: DefaultCacheMaxBytes,
		},
		StayOnHost: true,
		HubFreshness: HubFreshnessConfig{
			Enabled:         true,
			MaxCacheAge:     DefaultHubMaxCacheAge,
			HubPathSegments: defaultHubPathSegments,
		},
		Robots: RobotsConfig{
			OnFetchFailure: RobotsFailOpen,
			TTL:            DefaultRobotsTTL,
		},
		MaxSitemapURLs: DefaultMaxSitemapURLs,
		Logging: LoggingConfig{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			DecisionBufferSize:        DefaultDecisionBufferSize,
			MilestoneSubscriberBuffer: DefaultMilestoneSubscriberBuffer,
			FlushInterval:             DefaultTelemetryFlushInterval,
		},
		Worker: WorkerConfig{
			IdleBackoff:       DefaultIdleBackoff,
			ExitCheckInterval: DefaultExitCheckInterval,
			ProgressTickEvery: DefaultProgressTickEvery,
			QueueLease:        DefaultQueueLease,
		},
		Orchestrator: OrchestratorConfig{
			LeaseReclaimInterval: DefaultLeaseReclaimInterval,
			RobotsSweepInterval:  DefaultRobotsSweepInterval,
			ShutdownGracePeriod:  DefaultShutdownGracePeriod,
		},
		Store: StoreConfig{
			Backend: StoreBackendMemory,
			Port:    "5432",
			SSLMode: "disable",
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.MaxDepth < 0 {
		return errors.New("max_depth must be non-negative")
	}
	if c.GlobalConcurrency < 1 {
		return errors.New("global_concurrency must be positive")
	}
	if c.PerDomainConcurrency < 1 {
		return errors.New("per_domain_concurrency must be positive")
	}
	if c.BaseDomainDelay < 0 {
		return errors.New("base_domain_delay must be non-negative")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	if c.Robots.OnFetchFailure != RobotsFailOpen && c.Robots.OnFetchFailure != RobotsFailClosed {
		return fmt.Errorf("robots.on_fetch_failure must be %q or %q", RobotsFailOpen, RobotsFailClosed)
	}
	if c.MaxSitemapURLs < 0 {
		return errors.New("max_sitemap_urls must be non-negative")
	}
	if c.MaxQueueSize < 0 {
		return errors.New("max_queue_size must be non-negative")
	}
	if c.Worker.QueueLease <= 0 {
		return errors.New("worker.queue_lease must be positive")
	}
	if c.Store.Backend != StoreBackendMemory && c.Store.Backend != StoreBackendPostgres {
		return fmt.Errorf("store.backend must be %q or %q", StoreBackendMemory, StoreBackendPostgres)
	}
	return nil
}

// Load reads configuration from a .env file, environment variables, and an
// optional config.yaml, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	_ = viper.ReadInConfig()

	cfg := New()

	if v := viper.GetStringSlice("start_urls"); len(v) > 0 {
		cfg.StartURLs = v
	}
	if viper.IsSet("max_depth") {
		cfg.MaxDepth = viper.GetInt("max_depth")
	}
	if viper.IsSet("max_downloads") {
		cfg.MaxDownloads = viper.GetInt("max_downloads")
	}
	if viper.IsSet("max_attempts") {
		cfg.MaxAttempts = viper.GetInt("max_attempts")
	}
	if viper.IsSet("global_concurrency") {
		cfg.GlobalConcurrency = viper.GetInt("global_concurrency")
	}
	if viper.IsSet("per_domain_concurrency") {
		cfg.PerDomainConcurrency = viper.GetInt("per_domain_concurrency")
	}
	if viper.IsSet("base_domain_delay") {
		cfg.BaseDomainDelay = viper.GetDuration("base_domain_delay")
	}
	if viper.IsSet("user_agent") {
		cfg.UserAgent = viper.GetString("user_agent")
	}
	if viper.IsSet("stay_on_host") {
		cfg.StayOnHost = viper.GetBool("stay_on_host")
	}
	if viper.IsSet("link_deny_patterns") {
		cfg.LinkDenyPatterns = viper.GetStringSlice("link_deny_patterns")
	}
	if viper.IsSet("max_sitemap_urls") {
		cfg.MaxSitemapURLs = viper.GetInt("max_sitemap_urls")
	}
	if viper.IsSet("max_queue_size") {
		cfg.MaxQueueSize = viper.GetInt("max_queue_size")
	}
	if viper.IsSet("hub_freshness.hub_path_segments") {
		cfg.HubFreshness.HubPathSegments = viper.GetStringSlice("hub_freshness.hub_path_segments")
	}
	if viper.IsSet("hub_freshness.enabled") {
		cfg.HubFreshness.Enabled = viper.GetBool("hub_freshness.enabled")
	}
	if viper.IsSet("hub_freshness.max_cache_age") {
		cfg.HubFreshness.MaxCacheAge = viper.GetDuration("hub_freshness.max_cache_age")
	}
	if viper.IsSet("hub_freshness.persist_decision_traces") {
		cfg.HubFreshness.PersistDecisionTraces = viper.GetBool("hub_freshness.persist_decision_traces")
	}
	if viper.IsSet("robots.on_fetch_failure") {
		cfg.Robots.OnFetchFailure = viper.GetString("robots.on_fetch_failure")
	}
	if viper.IsSet("robots.ttl") {
		cfg.Robots.TTL = viper.GetDuration("robots.ttl")
	}
	if viper.IsSet("logging.level") {
		cfg.Logging.Level = viper.GetString("logging.level")
	}
	if viper.IsSet("logging.development") {
		cfg.Logging.Development = viper.GetBool("logging.development")
	}
	if viper.IsSet("logging.encoding") {
		cfg.Logging.Encoding = viper.GetString("logging.encoding")
	}
	if viper.IsSet("logging.output_paths") {
		cfg.Logging.OutputPaths = viper.GetStringSlice("logging.output_paths")
	}
	if viper.IsSet("telemetry.persist_decision_traces") {
		cfg.Telemetry.PersistDecisionTraces = viper.GetBool("telemetry.persist_decision_traces")
	}
	if viper.IsSet("telemetry.decision_buffer_size") {
		cfg.Telemetry.DecisionBufferSize = viper.GetInt("telemetry.decision_buffer_size")
	}
	if viper.IsSet("telemetry.milestone_subscriber_buffer") {
		cfg.Telemetry.MilestoneSubscriberBuffer = viper.GetInt("telemetry.milestone_subscriber_buffer")
	}
	if viper.IsSet("telemetry.flush_interval") {
		cfg.Telemetry.FlushInterval = viper.GetDuration("telemetry.flush_interval")
	}
	if viper.IsSet("worker.idle_backoff") {
		cfg.Worker.IdleBackoff = viper.GetDuration("worker.idle_backoff")
	}
	if viper.IsSet("worker.exit_check_interval") {
		cfg.Worker.ExitCheckInterval = viper.GetDuration("worker.exit_check_interval")
	}
	if viper.IsSet("worker.progress_tick_every") {
		cfg.Worker.ProgressTickEvery = viper.GetInt("worker.progress_tick_every")
	}
	if viper.IsSet("worker.queue_lease") {
		cfg.Worker.QueueLease = viper.GetDuration("worker.queue_lease")
	}
	if viper.IsSet("worker.max_crawl_duration") {
		cfg.Worker.MaxCrawlDuration = viper.GetDuration("worker.max_crawl_duration")
	}
	if viper.IsSet("orchestrator.lease_reclaim_interval") {
		cfg.Orchestrator.LeaseReclaimInterval = viper.GetDuration("orchestrator.lease_reclaim_interval")
	}
	if viper.IsSet("orchestrator.robots_sweep_interval") {
		cfg.Orchestrator.RobotsSweepInterval = viper.GetDuration("orchestrator.robots_sweep_interval")
	}
	if viper.IsSet("orchestrator.shutdown_grace_period") {
		cfg.Orchestrator.ShutdownGracePeriod = viper.GetDuration("orchestrator.shutdown_grace_period")
	}
	if viper.IsSet("store.backend") {
		cfg.Store.Backend = viper.GetString("store.backend")
	}
	if viper.IsSet("store.host") {
		cfg.Store.Host = viper.GetString("store.host")
	}
	if viper.IsSet("store.port") {
		cfg.Store.Port = viper.GetString("store.port")
	}
	if viper.IsSet("store.user") {
		cfg.Store.User = viper.GetString("store.user")
	}
	if viper.IsSet("store.password") {
		cfg.Store.Password = viper.GetString("store.password")
	}
	if viper.IsSet("store.dbname") {
		cfg.Store.DBName = viper.GetString("store.dbname")
	}
	if viper.IsSet("store.sslmode") {
		cfg.Store.SSLMode = viper.GetString("store.sslmode")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
