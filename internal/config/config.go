// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter/listing"
	"github.com/JakeFAU/review-reply-crawler/internal/dispatcher"
	"github.com/JakeFAU/review-reply-crawler/internal/lifecycle"
	"github.com/JakeFAU/review-reply-crawler/internal/logging"
	"github.com/JakeFAU/review-reply-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/review-reply-crawler/internal/replyclient"
	"github.com/JakeFAU/review-reply-crawler/internal/retry"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
	"github.com/JakeFAU/review-reply-crawler/internal/scheduler"
	"github.com/JakeFAU/review-reply-crawler/internal/storage/postgres"
	"github.com/JakeFAU/review-reply-crawler/internal/worker"
)

// EnvPrefix is prepended to every environment override, e.g.
// REVIEWCRAWLER_DATABASE_DSN.
const EnvPrefix = "REVIEWCRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Auth       AuthConfig                `mapstructure:"auth"`
	Logging    logging.Config            `mapstructure:"logging"`
	Telemetry  TelemetryConfig           `mapstructure:"telemetry"`
	Database   postgres.Config           `mapstructure:"database"`
	Scheduler  scheduler.Config          `mapstructure:"scheduler"`
	Dispatcher dispatcher.Config         `mapstructure:"dispatcher"`
	Worker     worker.Config             `mapstructure:"worker"`
	Retry      retry.Config              `mapstructure:"retry"`
	Lifecycle  lifecycle.Config          `mapstructure:"lifecycle"`
	RateLimit  ratelimit.Config          `mapstructure:"ratelimit"`
	Reply      replyclient.Config        `mapstructure:"reply"`
	Fetch      FetchConfig               `mapstructure:"fetch"`
	Platforms  map[string]PlatformConfig `mapstructure:"platforms"`
	Storage    StorageConfig             `mapstructure:"storage"`
	PubSub     PubSubConfig              `mapstructure:"pubsub"`
	// Seed lists stores connected at startup; handy with the memory backend.
	Seed []SeedStore `mapstructure:"seed"`
}

// SeedStore is a store connected at startup.
type SeedStore struct {
	ID                     string        `mapstructure:"id"`
	OwnerID                string        `mapstructure:"owner_id"`
	Platform               string        `mapstructure:"platform"`
	ExternalStoreID        string        `mapstructure:"external_store_id"`
	AutomationMode         string        `mapstructure:"automation_mode"`
	CrawlInterval          time.Duration `mapstructure:"crawl_interval"`
	AutoApprovalDelayHours int           `mapstructure:"auto_approval_delay_hours"`
	ReplyTone              string        `mapstructure:"reply_tone"`
	SessionToken           string        `mapstructure:"session_token"`
}

// Store converts the seed entry into an enabled, active store.
func (s SeedStore) Store() review.PlatformStore {
	return review.PlatformStore{
		ID:                     s.ID,
		OwnerID:                s.OwnerID,
		OwnerActive:            true,
		Platform:               review.Platform(s.Platform),
		ExternalStoreID:        s.ExternalStoreID,
		CrawlingEnabled:        true,
		AutomationMode:         review.AutomationMode(s.AutomationMode),
		CrawlInterval:          s.CrawlInterval,
		AutoApprovalDelayHours: s.AutoApprovalDelayHours,
		ReplyTone:              s.ReplyTone,
		SessionToken:           s.SessionToken,
		Active:                 true,
	}
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig names the service on exported traces.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// FetchConfig is shared by the page fetchers.
type FetchConfig struct {
	UserAgent     string         `mapstructure:"user_agent"`
	RespectRobots bool           `mapstructure:"respect_robots"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	Headless      HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WaitSelector      string        `mapstructure:"wait_selector"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	// PromotionThreshold is the body size under which script-heavy static
	// pages are re-rendered by the auto renderer.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// Adapter kinds.
const (
	KindAPI     = "api"
	KindListing = "listing"
	KindStatic  = "static"
)

// Listing renderers.
const (
	RendererStatic   = "static"
	RendererHeadless = "headless"
	// RendererAuto fetches statically and renders only app-shell pages.
	RendererAuto = "auto"
)

// PlatformConfig selects and parameterizes one platform adapter.
type PlatformConfig struct {
	Kind     string `mapstructure:"kind"`
	BaseURL  string `mapstructure:"base_url"`
	PageSize int    `mapstructure:"page_size"`
	MaxPages int    `mapstructure:"max_pages"`

	Renderer      string            `mapstructure:"renderer"`
	PathTemplate  string            `mapstructure:"path_template"`
	Sort          string            `mapstructure:"sort"`
	Filter        string            `mapstructure:"filter"`
	SessionCookie string            `mapstructure:"session_cookie"`
	DateLayouts   []string          `mapstructure:"date_layouts"`
	Timezone      string            `mapstructure:"timezone"`
	Selectors     listing.Selectors `mapstructure:"selectors"`

	// FixturePath is a JSONL capture replayed by the static adapter.
	FixturePath string `mapstructure:"fixture_path"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// StorageConfig selects where capture archives go.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
	BaseDir      string `mapstructure:"base_dir"`
}

// PubSubConfig holds the Pub/Sub project; topics live with their producers.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "reviewcrawler")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("scheduler.tick", 30*time.Minute)
	v.SetDefault("scheduler.min_crawl_interval", time.Hour)
	v.SetDefault("scheduler.lease_ttl", 2*time.Hour)
	v.SetDefault("scheduler.owner", "reviewcrawler")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("dispatcher.batch_size", 5)
	v.SetDefault("dispatcher.batch_cooldown", 2*time.Second)
	v.SetDefault("worker.job_timeout", 10*time.Minute)
	v.SetDefault("worker.lookback_days", 30)
	v.SetDefault("worker.overlap", 48*time.Hour)
	v.SetDefault("worker.capture_prefix", "captures")
	v.SetDefault("worker.topic", "review-events")
	v.SetDefault("worker.owner", "reviewcrawler")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("lifecycle.max_delivery_attempts", 3)
	v.SetDefault("lifecycle.retry_backoff", 15*time.Minute)
	v.SetDefault("lifecycle.max_retry_backoff", 6*time.Hour)
	v.SetDefault("lifecycle.sweep_limit", 200)
	v.SetDefault("lifecycle.topic", "review-events")
	v.SetDefault("lifecycle.delivery_lease_ttl", 2*time.Minute)
	v.SetDefault("lifecycle.owner", "reviewcrawler")
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("reply.generator_url", "")
	v.SetDefault("reply.delivery_url", "")
	v.SetDefault("reply.api_key", "")
	v.SetDefault("reply.timeout", 30*time.Second)
	v.SetDefault("fetch.user_agent", "reviewcrawler/1.0")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.headless.max_parallel", 2)
	v.SetDefault("fetch.headless.navigation_timeout", 45*time.Second)
	v.SetDefault("fetch.headless.wait_selector", "body")
	v.SetDefault("fetch.headless.promotion_threshold", 2048)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "captures")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be > 0")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be > 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Lifecycle.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("lifecycle.max_delivery_attempts must be > 0")
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if _, err := postgres.ResolveTables(c.Database.ReviewTables); err != nil {
		return fmt.Errorf("database.review_tables: %w", err)
	}
	for i, seed := range c.Seed {
		if !review.Platform(seed.Platform).Valid() {
			return fmt.Errorf("seed[%d]: unknown platform %q", i, seed.Platform)
		}
		if seed.AutomationMode != "" && !review.AutomationMode(seed.AutomationMode).Valid() {
			return fmt.Errorf("seed[%d]: unknown automation mode %q", i, seed.AutomationMode)
		}
	}
	for name, p := range c.Platforms {
		if err := p.validate(review.Platform(name), c.Fetch.Headless.Enabled); err != nil {
			return fmt.Errorf("platforms.%s: %w", name, err)
		}
	}
	return nil
}

func (p PlatformConfig) validate(platform review.Platform, headless bool) error {
	if !platform.Valid() {
		return fmt.Errorf("unknown platform")
	}
	switch p.Kind {
	case KindAPI:
		if !platform.NativeIDs() {
			return fmt.Errorf("api adapters need a platform with native review ids")
		}
		if p.BaseURL == "" {
			return fmt.Errorf("base_url is required")
		}
	case KindListing:
		if platform.NativeIDs() {
			return fmt.Errorf("listing adapters are for identity-less platforms")
		}
		if p.BaseURL == "" {
			return fmt.Errorf("base_url is required")
		}
		switch p.Renderer {
		case "", RendererStatic:
		case RendererHeadless, RendererAuto:
			if !headless {
				return fmt.Errorf("renderer %s requires fetch.headless.enabled", p.Renderer)
			}
		default:
			return fmt.Errorf("unknown renderer %q", p.Renderer)
		}
		if p.Timezone != "" {
			if _, err := time.LoadLocation(p.Timezone); err != nil {
				return fmt.Errorf("timezone: %w", err)
			}
		}
	case KindStatic:
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}
