package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/umputun/feedmirror/pkg/config"
	"github.com/umputun/feedmirror/pkg/domain"
	"github.com/umputun/feedmirror/pkg/fetcher"
	"github.com/umputun/feedmirror/pkg/repository"
	"github.com/umputun/feedmirror/pkg/schedule"
	"github.com/umputun/feedmirror/pkg/scheduler"
	"github.com/umputun/feedmirror/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"feedmirror.yml" description:"configuration file"`
	Listen string `short:"l" long:"listen" env:"LISTEN" description:"listen address, overrides config"`
	DB     string `long:"db" env:"DB" description:"database DSN, overrides config"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	if opts.NoColor {
		color.NoColor = true
	}
	setupLog(opts.Debug)

	log.Printf("[INFO] starting feedmirror version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	err := run(ctx, opts)
	cancel()

	if err != nil {
		log.Printf("[ERROR] feedmirror failed: %v", err)
		os.Exit(1)
	}

	log.Print("[INFO] shutdown complete")
}

// run wires the registry, the dispatcher and the HTTP server and blocks until ctx is done
func run(ctx context.Context, opts Opts) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.DB != "" {
		cfg.Database.DSN = opts.DB
	}

	repos, err := repository.NewRepositories(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := repos.Close(); err != nil {
			log.Printf("[WARN] failed to close database: %v", err)
		}
	}()

	if err := seedFeeds(ctx, repos.Feed, cfg.Feeds); err != nil {
		return fmt.Errorf("failed to create configured feeds: %w", err)
	}

	if err := os.MkdirAll(cfg.Fetcher.MediaDir, 0o750); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}
	downloader := fetcher.NewDownloader(fetcher.NewSource(cfg.Fetcher.Timeout, cfg.Fetcher.UserAgent), fetcher.Params{
		Binary:       cfg.Fetcher.Binary,
		MediaDir:     cfg.Fetcher.MediaDir,
		ItemInterval: cfg.Fetcher.ItemInterval,
		MaxItems:     cfg.Fetcher.MaxItems,
		Args:         cfg.Fetcher.Args,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	scheduler.RegisterMetrics(registry)

	dispatcher := scheduler.NewDispatcher(scheduler.Params{
		Registry:    repos.Feed,
		Queue:       repos.Job,
		Fetcher:     downloader,
		MinSpacing:  cfg.Dispatch.MinSpacing,
		JobTimeout:  cfg.Dispatch.JobTimeout,
		MaxIdleWait: cfg.Dispatch.MaxIdleWait,
		Retry: domain.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			Delay:       cfg.Dispatch.RetryDelay,
		},
		BurstPolicy:      schedule.BurstPolicy(cfg.Dispatch.BurstPolicy),
		Location:         cfg.Location(),
		ArchiveRetention: cfg.Dispatch.ArchiveRetention,
	})

	srv := server.New(server.Params{
		Feeds:      repos.Feed,
		Jobs:       repos.Job,
		Dispatcher: dispatcher,
		Gatherer:   registry,
		Listen:     cfg.Server.Listen,
		Timeout:    cfg.Server.Timeout,
		BaseURL:    cfg.Server.BaseURL,
		MediaDir:   cfg.Fetcher.MediaDir,
		ServeMedia: cfg.Server.ServeMedia,
		Location:   cfg.Location(),
		Version:    revision,
		Debug:      opts.Debug,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil {
			return fmt.Errorf("dispatcher failed: %w", err)
		}
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// seedFeeds creates configured feeds missing in the registry. Existing feeds are matched by name
// and never changed, the API owns them after the first start.
func seedFeeds(ctx context.Context, store interface {
	ListFeeds(ctx context.Context, enabledOnly bool) ([]*domain.Feed, error)
	CreateFeed(ctx context.Context, feed *domain.Feed) error
}, feeds []config.FeedConfig) error {
	if len(feeds) == 0 {
		return nil
	}
	existing, err := store.ListFeeds(ctx, false)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(existing))
	for _, f := range existing {
		names[f.Name] = true
	}
	for _, fc := range feeds {
		if names[fc.Name] {
			continue
		}
		f, err := fc.Feed()
		if err != nil {
			return fmt.Errorf("feed %q: %w", fc.Name, err)
		}
		if err := store.CreateFeed(ctx, f); err != nil {
			return fmt.Errorf("feed %q: %w", fc.Name, err)
		}
		names[fc.Name] = true
		log.Printf("[INFO] feed %d (%s) created from config", f.ID, f.Name)
	}
	return nil
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
