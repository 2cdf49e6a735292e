package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/feedmirror/pkg/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath
}

func TestLoad(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		t.Setenv("FEEDMIRROR_TEST_MEDIA", "/srv/media")
		configPath := writeConfig(t, `
server:
  listen: ":9090"
  timeout: 45s
  base_url: https://mirror.example.com
  serve_media: true

dispatch:
  min_spacing: 2m
  max_attempts: 5
  retry_delay: 30m
  job_timeout: 1h
  burst_policy: continue
  timezone: Europe/Berlin

fetcher:
  media_dir: ${FEEDMIRROR_TEST_MEDIA}
  max_items: 3
  args: ["--restrict-filenames"]

feeds:
  - name: weekly
    source: https://www.youtube.com/feeds/videos.xml?channel_id=UC1
    schedule: "0 18 * * 1"
    offsets: [1h, 2h]
    sponsor_marking: remove
    sponsor_categories: [sponsor, selfpromo]
  - name: manual
    source: https://www.youtube.com/feeds/videos.xml?channel_id=UC2
    disabled: true
`)

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.Server.Listen)
		assert.Equal(t, 45*time.Second, cfg.Server.Timeout)
		assert.Equal(t, "https://mirror.example.com", cfg.Server.BaseURL)
		assert.True(t, cfg.Server.ServeMedia)

		assert.Equal(t, 2*time.Minute, cfg.Dispatch.MinSpacing)
		assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
		assert.Equal(t, 30*time.Minute, cfg.Dispatch.RetryDelay)
		assert.Equal(t, time.Hour, cfg.Dispatch.JobTimeout)
		assert.Equal(t, 10*time.Minute, cfg.Dispatch.MaxIdleWait, "default kept")
		assert.Equal(t, "continue", cfg.Dispatch.BurstPolicy)
		assert.Equal(t, "Europe/Berlin", cfg.Location().String())

		assert.Equal(t, "/srv/media", cfg.Fetcher.MediaDir)
		assert.Equal(t, 3, cfg.Fetcher.MaxItems)
		assert.Equal(t, []string{"--restrict-filenames"}, cfg.Fetcher.Args)
		assert.Equal(t, "yt-dlp", cfg.Fetcher.Binary)

		require.Len(t, cfg.Feeds, 2)
		feed, err := cfg.Feeds[0].Feed()
		require.NoError(t, err)
		assert.Equal(t, "weekly", feed.Name)
		assert.True(t, feed.Enabled)
		require.NotNil(t, feed.Rule)
		assert.Equal(t, "0 18 * * 1", feed.Rule.Base)
		assert.Equal(t, []time.Duration{time.Hour, 2 * time.Hour}, feed.Rule.Offsets)
		assert.Equal(t, domain.SponsorRemove, feed.Options.SponsorMarking)
		assert.Equal(t, []string{"selfpromo", "sponsor"}, feed.Options.SponsorCategories)

		manual, err := cfg.Feeds[1].Feed()
		require.NoError(t, err)
		assert.Nil(t, manual.Rule)
		assert.False(t, manual.Enabled)
	})

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "server:\n  listen: \":8081\"\n"))
		require.NoError(t, err)

		assert.Equal(t, ":8081", cfg.Server.Listen)
		assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
		assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
		assert.False(t, cfg.Server.ServeMedia)

		assert.Equal(t, "file:feedmirror.db?cache=shared&mode=rwc&_txlock=immediate", cfg.Database.DSN)
		assert.Equal(t, 10, cfg.Database.MaxOpenConns)
		assert.Equal(t, 5, cfg.Database.MaxIdleConns)
		assert.Equal(t, 3600, cfg.Database.ConnMaxLifetime)

		assert.Equal(t, 5*time.Minute, cfg.Dispatch.MinSpacing)
		assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
		assert.Equal(t, 15*time.Minute, cfg.Dispatch.RetryDelay)
		assert.Equal(t, 30*time.Minute, cfg.Dispatch.JobTimeout)
		assert.Equal(t, 10*time.Minute, cfg.Dispatch.MaxIdleWait)
		assert.Equal(t, "abort", cfg.Dispatch.BurstPolicy)
		assert.Equal(t, time.UTC, cfg.Location())
		assert.Equal(t, 720*time.Hour, cfg.Dispatch.ArchiveRetention)

		assert.Equal(t, "yt-dlp", cfg.Fetcher.Binary)
		assert.Equal(t, "media", cfg.Fetcher.MediaDir)
		assert.Equal(t, 10*time.Second, cfg.Fetcher.ItemInterval)
		assert.Equal(t, 30*time.Second, cfg.Fetcher.Timeout)
		assert.Empty(t, cfg.Feeds)
	})

	t.Run("file not found", func(t *testing.T) {
		cfg, err := Load("/non/existent/file.yml")
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "invalid yaml content\n  with bad indentation\n    and no structure\n"))
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "parse config")
	})

	t.Run("invalid values", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "dispatch:\n  burst_policy: sometimes\n"))
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "validate config")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.setDefaults()
		return cfg
	}

	tbl := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "defaults are valid", modify: func(c *Config) {}},
		{name: "short server timeout", modify: func(c *Config) { c.Server.Timeout = time.Millisecond }, errMsg: "server timeout"},
		{name: "negative spacing", modify: func(c *Config) { c.Dispatch.MinSpacing = -time.Second }, errMsg: "min_spacing"},
		{name: "zero attempts", modify: func(c *Config) { c.Dispatch.MaxAttempts = -1 }, errMsg: "max_attempts"},
		{name: "short job timeout", modify: func(c *Config) { c.Dispatch.JobTimeout = time.Millisecond }, errMsg: "job_timeout"},
		{name: "short idle wait", modify: func(c *Config) { c.Dispatch.MaxIdleWait = time.Millisecond }, errMsg: "max_idle_wait"},
		{name: "unknown policy", modify: func(c *Config) { c.Dispatch.BurstPolicy = "never" }, errMsg: "burst_policy"},
		{name: "unknown timezone", modify: func(c *Config) { c.Dispatch.Timezone = "Mars/Olympus" }, errMsg: "timezone"},
		{name: "negative max items", modify: func(c *Config) { c.Fetcher.MaxItems = -1 }, errMsg: "max_items"},
		{name: "duplicate feed names", modify: func(c *Config) {
			c.Feeds = []FeedConfig{{Name: "a", Source: "s1"}, {Name: "a", Source: "s2"}}
		}, errMsg: "duplicate name"},
		{name: "bad feed schedule", modify: func(c *Config) {
			c.Feeds = []FeedConfig{{Name: "a", Source: "s1", Schedule: "@daily", Offsets: []string{"25h"}}}
		}, errMsg: "invalid schedule rule"},
	}

	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.modify(cfg)
			err := validate(cfg)
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestFeedConfig_Feed(t *testing.T) {
	tbl := []struct {
		name    string
		feed    FeedConfig
		wantErr error
	}{
		{name: "manual only", feed: FeedConfig{Name: "a", Source: "s"}},
		{name: "daily with follow-ups", feed: FeedConfig{Name: "a", Source: "s", Schedule: "@daily", Offsets: []string{"1h", "3h"}}},
		{name: "empty name", feed: FeedConfig{Source: "s"}, wantErr: domain.ErrInvalidFeed},
		{name: "empty source", feed: FeedConfig{Name: "a"}, wantErr: domain.ErrInvalidFeed},
		{name: "bad offset", feed: FeedConfig{Name: "a", Source: "s", Schedule: "@daily", Offsets: []string{"soon"}}, wantErr: domain.ErrScheduleRuleInvalid},
		{name: "offsets without schedule", feed: FeedConfig{Name: "a", Source: "s", Offsets: []string{"1h"}}, wantErr: domain.ErrScheduleRuleInvalid},
		{name: "bad cron", feed: FeedConfig{Name: "a", Source: "s", Schedule: "every tuesday"}, wantErr: domain.ErrScheduleRuleInvalid},
		{name: "unknown sponsor category", feed: FeedConfig{Name: "a", Source: "s", SponsorMarking: "mark",
			SponsorCategories: []string{"ads"}}, wantErr: domain.ErrInvalidFeed},
	}

	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			feed, err := tc.feed.Feed()
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.feed.Name, feed.Name)
			assert.True(t, feed.Enabled)
			assert.Equal(t, domain.SponsorNone, feed.Options.SponsorMarking)
		})
	}
}
