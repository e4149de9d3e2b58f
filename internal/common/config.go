package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Duration is a time.Duration that decodes from TOML duration strings
// ("10m", "500ms") via encoding.TextUnmarshaler, since go-toml cannot
// unmarshal a TOML string into time.Duration directly.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	Login       LoginConfig     `toml:"login"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// CrawlerConfig bounds the frontier crawl of a single job.
type CrawlerConfig struct {
	UserAgent       string   `toml:"user_agent"`        // User agent for the headless browser
	MaxPages        int      `toml:"max_pages"`         // Max pages fetched per job
	MaxDepth        int      `toml:"max_depth"`         // Max link depth from the start URL
	MaxDuration     Duration `toml:"max_duration"`      // Wall-clock budget per crawl
	PageTimeout     Duration `toml:"page_timeout"`      // Per-page fetch timeout
	RequestDelay    Duration `toml:"request_delay"`     // Politeness delay between fetches
	Headless        bool     `toml:"headless"`          // Run Chrome headless
	NoSandbox       bool     `toml:"no_sandbox"`        // Disable Chrome sandbox (containers)
	RenderWait      Duration `toml:"render_wait"`       // Wait for JavaScript to settle after navigation
	OnlyMainContent bool     `toml:"only_main_content"` // Strip nav/header/footer boilerplate in extraction
	EmitMarkdown    bool     `toml:"emit_markdown"`     // Also convert extracted content to markdown
}

// LoginConfig bounds the selector-driven login automator.
type LoginConfig struct {
	SelectorWait Duration `toml:"selector_wait"` // Wait for the username field to appear
	SubmitWait   Duration `toml:"submit_wait"`   // Wait for navigation after submit
}

// SchedulerConfig controls job dispatch and concurrency ceilings.
type SchedulerConfig struct {
	MaxConcurrent  int      `toml:"max_concurrent"`  // Global max scans in flight
	MaxPerBot      int      `toml:"max_per_bot"`     // Max concurrent scans per bot
	PollInterval   Duration `toml:"poll_interval"`   // How often queued jobs are polled
	ReaperSchedule string   `toml:"reaper_schedule"` // Cron schedule for the stale-job reaper
	StaleAfter     Duration `toml:"stale_after"`     // Processing job with no heartbeat for this long is reaped
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig returns the configuration defaults. Crawl budgets
// follow the product defaults: 200 pages, depth 5, ten minutes.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/sitescan",
				ResetOnStartup: false,
			},
		},
		Crawler: CrawlerConfig{
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			MaxPages:        200,
			MaxDepth:        5,
			MaxDuration:     Duration(10 * time.Minute),
			PageTimeout:     Duration(20 * time.Second),
			RequestDelay:    Duration(500 * time.Millisecond),
			Headless:        true,
			NoSandbox:       false,
			RenderWait:      Duration(2 * time.Second),
			OnlyMainContent: true,
			EmitMarkdown:    true,
		},
		Login: LoginConfig{
			SelectorWait: Duration(10 * time.Second),
			SubmitWait:   Duration(15 * time.Second),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  3,
			MaxPerBot:      1,
			PollInterval:   Duration(1 * time.Second),
			ReaperSchedule: "*/1 * * * *", // Every minute
			StaleAfter:     Duration(15 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from defaults, then applies each
// file in order (later files override earlier ones), then environment
// overrides. Missing files are an error; an empty path list is fine.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies SITESCAN_* environment variables on top of
// file configuration.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SITESCAN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("SITESCAN_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("SITESCAN_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("SITESCAN_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("SITESCAN_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Scheduler.MaxConcurrent = n
		}
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks configuration invariants that would otherwise surface
// as confusing runtime behavior.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxPerBot <= 0 {
		return fmt.Errorf("scheduler.max_per_bot must be positive, got %d", c.Scheduler.MaxPerBot)
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be positive, got %d", c.Crawler.MaxPages)
	}
	if c.Scheduler.ReaperSchedule != "" {
		if _, err := cron.ParseStandard(c.Scheduler.ReaperSchedule); err != nil {
			return fmt.Errorf("invalid scheduler.reaper_schedule %q: %w", c.Scheduler.ReaperSchedule, err)
		}
	}
	return nil
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
