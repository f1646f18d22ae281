package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/shoal-db/shoal/config"
	"github.com/shoal-db/shoal/log"
	"github.com/shoal-db/shoal/pkg/blob"
	"github.com/shoal-db/shoal/pkg/cache"
	"github.com/shoal-db/shoal/pkg/cache/failsafe"
	"github.com/shoal-db/shoal/pkg/cache/persistent"
	"github.com/shoal-db/shoal/pkg/recovery"
	"github.com/shoal-db/shoal/pkg/transport/grpcx"
)

// Version is set at build time.
var Version = "dev"

var mainLog = log.GetLogger("main")

func main() {
	app := cli.NewApp()
	app.Name = "shoald"
	app.Usage = "shard recovery and searchable-snapshot cache daemon"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the shoald config file",
			Value: "shoal.yml",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (trace, debug, info, warn, error)",
			Value: "info",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "log format (console, json)",
			Value: "console",
		},
		cli.BoolFlag{
			Name:  "purge",
			Usage: "delete all cache content under the data path and exit",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "shoald: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.SetLoggersConfig(&log.LogConfig{
		Level:  c.String("log-level"),
		Format: c.String("log-format"),
		Color:  c.String("log-format") == "console",
	})

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		if errors.Is(err, config.ErrConfigMissing) {
			return fmt.Errorf("wrote config template to %s, edit it and restart", c.String("config"))
		}
		return err
	}

	if c.Bool("purge") {
		return persistent.CleanUp([]string{cfg.DataPath})
	}

	mainLog.Infof("starting shoald %s, node %s", Version, cfg.NodeID)

	writer, err := persistent.Open(cfg.DataPath, persistent.Options{})
	if err != nil {
		return err
	}
	defer func() { mainLog.E(writer.Close()) }()

	var source blob.Source
	if cfg.Snapshot.S3.Bucket != "" {
		source, err = blob.NewS3Source(blob.S3Config{
			Bucket:   cfg.Snapshot.S3.Bucket,
			Region:   cfg.Snapshot.S3.Region,
			Endpoint: cfg.Snapshot.S3.Endpoint,
			Prefix:   cfg.Snapshot.S3.Prefix,
		})
		if err != nil {
			return err
		}
		mainLog.Infof("snapshot source: s3 bucket %s", cfg.Snapshot.S3.Bucket)
	} else {
		mainLog.Warnf("no snapshot bucket configured, cache reads serve local data only")
	}

	cacheService, err := cache.NewService(cache.ServiceConfig{
		CacheDir:     cfg.EffectiveCacheDir(),
		SyncInterval: cfg.SyncInterval(),
	}, writer, source)
	if err != nil {
		return err
	}
	defer func() { mainLog.E(cacheService.Close()) }()

	if _, err := cacheService.Load(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}

	janitor, err := cache.NewJanitor(cache.JanitorConfig{
		MaxCacheBytes: int64(cfg.Cache.SizeGB) * 1024 * 1024 * 1024,
		CleanInterval: cfg.CleanInterval(),
	}, cacheService)
	if err != nil {
		return err
	}

	monitor, err := failsafe.NewMonitor(janitor, cacheService)
	if err != nil {
		return err
	}
	cacheService.SetOutOfSpaceHandler(func() {
		if err := monitor.HandleENOSPC(context.Background()); err != nil && !errors.Is(err, failsafe.ErrRecoveryInProgress) {
			mainLog.Warnf("out-of-space recovery failed: %v", err)
		}
	})

	target, err := recovery.NewTarget(filepath.Join(cfg.DataPath, "recovery"), nil)
	if err != nil {
		return err
	}
	defer func() { mainLog.E(target.Close()) }()

	server := grpcx.NewServer(grpcx.ServerConfig{
		NodeID:  cfg.NodeID,
		Address: cfg.Listen,
	}, target)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		return cacheService.Run(ctx)
	})
	group.Go(func() error {
		return janitor.RunBackground(ctx, nil)
	})
	group.Go(func() error {
		<-ctx.Done()
		mainLog.Infof("shutting down")
		server.GracefulStop()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	mainLog.Infof("shoald stopped")
	return nil
}
