// Package config loads the YAML configuration of the service
package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // schedule time zones in minimal containers

	"github.com/go-pkgz/lgr"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/umputun/feedmirror/pkg/domain"
	"github.com/umputun/feedmirror/pkg/schedule"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server" jsonschema:"description=Server configuration"`
	Database DatabaseConfig `yaml:"database" json:"database" jsonschema:"description=Database configuration"`
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch" jsonschema:"description=Throttled dispatcher configuration"`
	Fetcher  FetcherConfig  `yaml:"fetcher" json:"fetcher" jsonschema:"description=Acquisition tool configuration"`
	Feeds    []FeedConfig   `yaml:"feeds" json:"feeds" validate:"dive" jsonschema:"description=Feeds created on startup unless a feed with the same name exists"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Listen     string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" jsonschema:"type=string,description=HTTP server timeout (default 30s)"`
	BaseURL    string        `yaml:"base_url" json:"base_url" jsonschema:"default=http://localhost:8080,description=Public base URL for republished feeds and media links"`
	ServeMedia bool          `yaml:"serve_media" json:"serve_media" jsonschema:"default=false,description=Serve republished feeds and media files"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:feedmirror.db?cache=shared&mode=rwc&_txlock=immediate,description=Database connection string"`
	MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
}

// DispatchConfig holds throttling, retry and scheduling settings
type DispatchConfig struct {
	MinSpacing       time.Duration `yaml:"min_spacing" json:"min_spacing" jsonschema:"type=string,description=Minimal interval between two dispatches (default 5m)"`
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts" jsonschema:"default=3,minimum=1,description=Attempts per run before an alert is raised"`
	RetryDelay       time.Duration `yaml:"retry_delay" json:"retry_delay" jsonschema:"type=string,description=Delay before a failed job is retried (default 15m)"`
	JobTimeout       time.Duration `yaml:"job_timeout" json:"job_timeout" jsonschema:"type=string,description=A single acquisition is failed after this (default 30m)"`
	MaxIdleWait      time.Duration `yaml:"max_idle_wait" json:"max_idle_wait" jsonschema:"type=string,description=Longest sleep when nothing is due (default 10m)"`
	BurstPolicy      string        `yaml:"burst_policy" json:"burst_policy" jsonschema:"enum=abort,enum=continue,default=abort,description=What a run finding new items does to the remaining follow-ups"`
	Timezone         string        `yaml:"timezone" json:"timezone" jsonschema:"default=UTC,description=Time zone of schedule rules"`
	ArchiveRetention time.Duration `yaml:"archive_retention" json:"archive_retention" jsonschema:"type=string,description=Finished jobs older than this are removed (default 720h)"`
}

// FetcherConfig holds settings of the source listing and the download tool
type FetcherConfig struct {
	Binary       string        `yaml:"binary" json:"binary" jsonschema:"default=yt-dlp,description=Download tool executable"`
	MediaDir     string        `yaml:"media_dir" json:"media_dir" jsonschema:"default=media,description=Directory for downloaded media"`
	ItemInterval time.Duration `yaml:"item_interval" json:"item_interval" jsonschema:"type=string,description=Pause between two item downloads of one job (default 10s)"`
	MaxItems     int           `yaml:"max_items" json:"max_items" jsonschema:"default=10,minimum=0,description=Newest items considered per run, 0 means all"`
	UserAgent    string        `yaml:"user_agent" json:"user_agent" jsonschema:"description=User agent for source listing requests"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" jsonschema:"type=string,description=Source listing request timeout (default 30s)"`
	Args         []string      `yaml:"args" json:"args" jsonschema:"description=Extra arguments passed to every download"`
}

// FeedConfig is a feed definition in the configuration file
type FeedConfig struct {
	Name              string   `yaml:"name" json:"name" validate:"required,max=200" jsonschema:"required,description=Unique feed name"`
	Source            string   `yaml:"source" json:"source" validate:"required,max=2048" jsonschema:"required,description=Source feed URL, e.g. a YouTube channel feed"`
	Schedule          string   `yaml:"schedule" json:"schedule" jsonschema:"description=Base cadence as cron expression or descriptor, empty for manual refresh only"`
	Offsets           []string `yaml:"offsets" json:"offsets" jsonschema:"description=Follow-up offsets after each base fire, e.g. 1h"`
	Disabled          bool     `yaml:"disabled" json:"disabled" jsonschema:"default=false,description=Create the feed disabled"`
	ChapterStripping  bool     `yaml:"chapter_stripping" json:"chapter_stripping" jsonschema:"default=false,description=Do not embed chapters"`
	SponsorMarking    string   `yaml:"sponsor_marking" json:"sponsor_marking" validate:"omitempty,oneof=none mark remove" jsonschema:"enum=none,enum=mark,enum=remove,default=none,description=SponsorBlock handling"`
	SponsorCategories []string `yaml:"sponsor_categories" json:"sponsor_categories" jsonschema:"description=SponsorBlock categories, all for every category"`
	Format            string   `yaml:"format" json:"format" jsonschema:"description=Format selector passed to the download tool"`
	Args              []string `yaml:"args" json:"args" jsonschema:"description=Extra download arguments for this feed"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// schema check is supplementary, unknown keys are reported but not fatal
	if err := VerifyDocument(expanded); err != nil {
		lgr.Printf("[WARN] schema validation failed: %v", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "file:feedmirror.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 3600
	}

	if c.Dispatch.MinSpacing == 0 {
		c.Dispatch.MinSpacing = 5 * time.Minute
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.RetryDelay == 0 {
		c.Dispatch.RetryDelay = 15 * time.Minute
	}
	if c.Dispatch.JobTimeout == 0 {
		c.Dispatch.JobTimeout = 30 * time.Minute
	}
	if c.Dispatch.MaxIdleWait == 0 {
		c.Dispatch.MaxIdleWait = 10 * time.Minute
	}
	if c.Dispatch.BurstPolicy == "" {
		c.Dispatch.BurstPolicy = string(schedule.PolicyAbort)
	}
	if c.Dispatch.Timezone == "" {
		c.Dispatch.Timezone = "UTC"
	}
	if c.Dispatch.ArchiveRetention == 0 {
		c.Dispatch.ArchiveRetention = 30 * 24 * time.Hour
	}

	if c.Fetcher.Binary == "" {
		c.Fetcher.Binary = "yt-dlp"
	}
	if c.Fetcher.MediaDir == "" {
		c.Fetcher.MediaDir = "media"
	}
	if c.Fetcher.ItemInterval == 0 {
		c.Fetcher.ItemInterval = 10 * time.Second
	}
	if c.Fetcher.Timeout == 0 {
		c.Fetcher.Timeout = 30 * time.Second
	}
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	if cfg.Dispatch.MinSpacing < 0 {
		return fmt.Errorf("dispatch.min_spacing must be non-negative")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if cfg.Dispatch.RetryDelay < 0 {
		return fmt.Errorf("dispatch.retry_delay must be non-negative")
	}
	if cfg.Dispatch.JobTimeout < time.Second {
		return fmt.Errorf("dispatch.job_timeout must be at least 1 second")
	}
	if cfg.Dispatch.MaxIdleWait < time.Second {
		return fmt.Errorf("dispatch.max_idle_wait must be at least 1 second")
	}
	switch schedule.BurstPolicy(cfg.Dispatch.BurstPolicy) {
	case schedule.PolicyAbort, schedule.PolicyContinue:
	default:
		return fmt.Errorf("dispatch.burst_policy must be %q or %q, got %q", schedule.PolicyAbort, schedule.PolicyContinue, cfg.Dispatch.BurstPolicy)
	}
	if _, err := time.LoadLocation(cfg.Dispatch.Timezone); err != nil {
		return fmt.Errorf("dispatch.timezone: %w", err)
	}
	if cfg.Dispatch.ArchiveRetention < 0 {
		return fmt.Errorf("dispatch.archive_retention must be non-negative")
	}

	if cfg.Fetcher.MaxItems < 0 {
		return fmt.Errorf("fetcher.max_items must be non-negative")
	}
	if cfg.Fetcher.ItemInterval < 0 {
		return fmt.Errorf("fetcher.item_interval must be non-negative")
	}

	names := make(map[string]bool, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		if names[f.Name] {
			return fmt.Errorf("feeds[%d]: duplicate name %q", i, f.Name)
		}
		names[f.Name] = true
		if _, err := f.Feed(); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
	}
	return nil
}

// Location returns the time zone of schedule rules, UTC if the configured one can't be loaded
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Dispatch.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Feed converts the definition to a domain feed, validating its schedule and options
func (f FeedConfig) Feed() (*domain.Feed, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("%w: empty name", domain.ErrInvalidFeed)
	}
	if f.Source == "" {
		return nil, fmt.Errorf("%w: empty source", domain.ErrInvalidFeed)
	}

	res := &domain.Feed{
		Name:    f.Name,
		Source:  f.Source,
		Enabled: !f.Disabled,
		Options: domain.AcquireOptions{
			ChapterStripping:  f.ChapterStripping,
			SponsorMarking:    domain.SponsorMarking(f.SponsorMarking),
			SponsorCategories: f.SponsorCategories,
			FormatSelector:    f.Format,
			ExtraArgs:         f.Args,
		},
	}

	if f.Schedule != "" {
		rule, err := schedule.ParseRule(f.Schedule, f.Offsets...)
		if err != nil {
			return nil, err
		}
		res.Rule = &rule
	} else if len(f.Offsets) > 0 {
		return nil, fmt.Errorf("%w: offsets without schedule", domain.ErrScheduleRuleInvalid)
	}

	opts, err := res.Options.Normalize()
	if err != nil {
		return nil, err
	}
	res.Options = opts
	return res, nil
}
