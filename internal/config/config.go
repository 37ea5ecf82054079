package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/validate"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
// Values come from defaults, then an optional YAML file, then environment variables.
type Config struct {
	// Server
	Port     int    `yaml:"port" validate:"min:1|max:65535"`
	LogLevel string `yaml:"log_level" validate:"in:debug,info,warn,error"`

	// Files
	DataDir          string `yaml:"data_dir" validate:"required"`
	CredentialsFile  string `yaml:"credentials_file"`
	BalanceCacheFile string `yaml:"balance_cache_file"`
	DailyStateFile   string `yaml:"daily_state_file"`
	HistoryDB        string `yaml:"history_db"`

	// Observability
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	TracingEnabled bool   `yaml:"tracing_enabled"`

	// Admin auth; empty disables token checks on mutating routes.
	JWTSecret string `yaml:"jwt_secret"`

	Browser     BrowserConfig     `yaml:"browser"`
	Pool        PoolConfig        `yaml:"pool"`
	Site        SiteConfig        `yaml:"site"`
	API         APIConfig         `yaml:"api"`
	Performance PerformanceConfig `yaml:"performance"`

	// Warnings lists values Validate corrected instead of rejecting.
	Warnings []string `yaml:"-"`
}

// BrowserConfig controls how automation sessions are launched.
type BrowserConfig struct {
	Headless        bool          `yaml:"headless"`
	PageLoadTimeout time.Duration `yaml:"page_load_timeout"`
	ImplicitWait    time.Duration `yaml:"implicit_wait"`
	WindowWidth     int           `yaml:"window_width" validate:"min:320"`
	WindowHeight    int           `yaml:"window_height" validate:"min:240"`
	UserAgent       string        `yaml:"user_agent"`
	ExecPath        string        `yaml:"exec_path"`
	DisableImages   bool          `yaml:"disable_images"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Size           int           `yaml:"size" validate:"min:0"`
	MaxSize        int           `yaml:"max_size" validate:"min:1"`
	PrewarmWorkers int           `yaml:"prewarm_workers" validate:"min:1"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxIdle        time.Duration `yaml:"max_idle"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// SiteConfig describes the upstream web console.
type SiteConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"required|url"`
	LoginRetries int           `yaml:"login_retries" validate:"min:1"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	ExtractWait  time.Duration `yaml:"extract_wait"`
	QuotaSync    bool          `yaml:"quota_sync"`
}

// APIConfig controls the fast path.
type APIConfig struct {
	BaseURL            string        `yaml:"base_url" validate:"required|url"`
	Timeout            time.Duration `yaml:"timeout"`
	FallbackToWeb      bool          `yaml:"fallback_to_web"`
	PostSessionRefresh bool          `yaml:"post_session_refresh"`
	// UsageCentsFactor: usage greater than limit*factor is read as cents.
	UsageCentsFactor float64 `yaml:"usage_cents_factor"`
	RateLimit        float64 `yaml:"rate_limit"`
	RateBurst        int     `yaml:"rate_burst" validate:"min:1"`
}

// PerformanceConfig controls batch concurrency and scheduling.
type PerformanceConfig struct {
	MaxWorkers        int           `yaml:"max_workers" validate:"min:1"`
	AutoDetectWorkers bool          `yaml:"auto_detect_workers"`
	AccountTimeout    time.Duration `yaml:"account_timeout"`
	QueryInterval     time.Duration `yaml:"query_interval"`
	RolloverHour      int           `yaml:"rollover_hour"`
	CheckOnStart      bool          `yaml:"check_on_start"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		DataDir:  ".",

		OTLPEndpoint: "localhost:4317",

		Browser: BrowserConfig{
			Headless:        true,
			PageLoadTimeout: 20 * time.Second,
			ImplicitWait:    2 * time.Second,
			WindowWidth:     1920,
			WindowHeight:    1080,
			DisableImages:   true,
		},
		Pool: PoolConfig{
			Size:           4,
			MaxSize:        9,
			PrewarmWorkers: 4,
			AcquireTimeout: 30 * time.Second,
			MaxIdle:        300 * time.Second,
			SweepInterval:  60 * time.Second,
		},
		Site: SiteConfig{
			BaseURL:      "https://anyrouter.top",
			LoginRetries: 3,
			RetryDelay:   5 * time.Second,
			ExtractWait:  3 * time.Second,
			QuotaSync:    true,
		},
		API: APIConfig{
			BaseURL:            "https://anyrouter.top",
			Timeout:            8 * time.Second,
			FallbackToWeb:      true,
			PostSessionRefresh: true,
			UsageCentsFactor:   2,
			RateLimit:          10,
			RateBurst:          5,
		},
		Performance: PerformanceConfig{
			MaxWorkers:        9,
			AutoDetectWorkers: true,
			AccountTimeout:    90 * time.Second,
			QueryInterval:     60 * time.Second,
			RolloverHour:      8,
		},
	}
}

// Load builds the configuration. path may be empty or point at a missing file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvInt("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.CredentialsFile = getEnv("CREDENTIALS_FILE", c.CredentialsFile)
	c.HistoryDB = getEnv("HISTORY_DB", c.HistoryDB)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)

	c.Browser.Headless = getEnvBool("BROWSER_HEADLESS", c.Browser.Headless)
	c.Browser.PageLoadTimeout = getEnvDuration("BROWSER_PAGE_LOAD_TIMEOUT", c.Browser.PageLoadTimeout)
	c.Browser.ExecPath = getEnv("BROWSER_EXEC_PATH", c.Browser.ExecPath)
	c.Browser.UserAgent = getEnv("BROWSER_USER_AGENT", c.Browser.UserAgent)

	c.Pool.Size = getEnvInt("POOL_SIZE", c.Pool.Size)
	c.Pool.MaxSize = getEnvInt("POOL_MAX_SIZE", c.Pool.MaxSize)
	c.Pool.AcquireTimeout = getEnvDuration("POOL_ACQUIRE_TIMEOUT", c.Pool.AcquireTimeout)
	c.Pool.MaxIdle = getEnvDuration("POOL_MAX_IDLE", c.Pool.MaxIdle)

	c.Site.BaseURL = getEnv("SITE_BASE_URL", c.Site.BaseURL)
	c.Site.LoginRetries = getEnvInt("LOGIN_RETRIES", c.Site.LoginRetries)
	c.Site.QuotaSync = getEnvBool("QUOTA_SYNC", c.Site.QuotaSync)

	c.API.BaseURL = getEnv("API_BASE_URL", c.API.BaseURL)
	c.API.Timeout = getEnvDuration("API_TIMEOUT", c.API.Timeout)
	c.API.FallbackToWeb = getEnvBool("API_FALLBACK_TO_WEB", c.API.FallbackToWeb)

	c.Performance.MaxWorkers = getEnvInt("MAX_WORKERS", c.Performance.MaxWorkers)
	c.Performance.AutoDetectWorkers = getEnvBool("AUTO_DETECT_WORKERS", c.Performance.AutoDetectWorkers)
	c.Performance.AccountTimeout = getEnvDuration("ACCOUNT_TIMEOUT", c.Performance.AccountTimeout)
	c.Performance.QueryInterval = getEnvDuration("QUERY_INTERVAL", c.Performance.QueryInterval)
	c.Performance.RolloverHour = getEnvInt("DAILY_ROLLOVER_HOUR", c.Performance.RolloverHour)
	c.Performance.CheckOnStart = getEnvBool("CHECK_ON_START", c.Performance.CheckOnStart)
}

// resolvePaths places unset state files inside DataDir.
func (c *Config) resolvePaths() {
	join := func(current, name string) string {
		if current != "" {
			return current
		}
		return filepath.Join(c.DataDir, name)
	}
	c.CredentialsFile = join(c.CredentialsFile, "credentials.txt")
	c.BalanceCacheFile = join(c.BalanceCacheFile, "balance_cache.json")
	c.DailyStateFile = join(c.DailyStateFile, "daily_web_login_state.json")
	c.HistoryDB = join(c.HistoryDB, "history.db")
}

// Validate checks field rules and cross-field constraints. An out-of-range
// rollover hour is reset to 8 rather than rejected and noted in Warnings.
func (c *Config) Validate() error {
	for _, target := range []any{c, &c.Browser, &c.Pool, &c.Site, &c.API, &c.Performance} {
		v := validate.Struct(target)
		if !v.Validate() {
			return fmt.Errorf("invalid config: %s", v.Errors.Error())
		}
	}

	if c.Pool.Size > c.Pool.MaxSize {
		return fmt.Errorf("invalid config: pool.size (%d) exceeds pool.max_size (%d)", c.Pool.Size, c.Pool.MaxSize)
	}
	if c.API.UsageCentsFactor <= 0 {
		return fmt.Errorf("invalid config: api.usage_cents_factor must be positive")
	}
	if c.Performance.AccountTimeout <= 0 || c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("invalid config: timeouts must be positive")
	}
	if c.Performance.RolloverHour < 0 || c.Performance.RolloverHour > 23 {
		c.Warnings = append(c.Warnings, fmt.Sprintf(
			"performance.rollover_hour %d is outside 0-23, using 8", c.Performance.RolloverHour))
		c.Performance.RolloverHour = 8
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
