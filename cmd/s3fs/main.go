// Command s3fs mounts an S3-compatible bucket as a POSIX filesystem. The
// root command supervises two sibling processes — the filesystem server and
// the uploader — which share the cache directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/objectfs/s3fs/internal/cache"
	"github.com/objectfs/s3fs/internal/config"
	"github.com/objectfs/s3fs/internal/fusefs"
	"github.com/objectfs/s3fs/internal/metrics"
	s3backend "github.com/objectfs/s3fs/internal/storage/s3"
	"github.com/objectfs/s3fs/internal/supervisor"
	"github.com/objectfs/s3fs/internal/uploader"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "s3fs BUCKET MOUNTPOINT CACHEDIR",
		Short: "Mount an S3-compatible bucket as a POSIX filesystem",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(configPath); err != nil {
				return err
			}
			return supervisor.Run(cmd.Context(), supervisor.Options{
				Bucket:     args[0],
				MountPoint: args[1],
				CacheDir:   args[2],
				ConfigPath: configPath,
			})
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to yaml configuration file")

	serve := &cobra.Command{
		Use:    "serve BUCKET MOUNTPOINT CACHEDIR",
		Short:  "Run the filesystem server process",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), args[0], args[1], args[2])
		},
		SilenceUsage: true,
	}

	flushd := &cobra.Command{
		Use:    "flushd BUCKET CACHEDIR",
		Short:  "Run the uploader daemon process",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlushd(cmd.Context(), args[0], args[1])
		},
		SilenceUsage: true,
	}

	root.AddCommand(serve, flushd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "s3fs:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the default logger.
func setup(path string) (*config.Configuration, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	var level slog.Level
	switch strings.ToUpper(cfg.Global.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Global.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	return cfg, nil
}

// newBackend loads credentials and opens the bucket handle; failures here are
// fatal at startup.
func newBackend(ctx context.Context, bucket string, cfg *config.Configuration) (*s3backend.Backend, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials(home)
	if err != nil {
		return nil, err
	}

	s3cfg := cfg.S3
	s3cfg.AccessKeyID = creds.AccessKeyID
	s3cfg.SecretAccessKey = creds.SecretAccessKey
	return s3backend.NewBackend(ctx, bucket, &s3cfg)
}

func runServe(ctx context.Context, bucket, mountPoint, cacheDir string) error {
	cfg, err := setup(configPath)
	if err != nil {
		return err
	}

	backend, err := newBackend(ctx, bucket, cfg)
	if err != nil {
		return err
	}

	store, err := cache.NewStore(cacheDir, bucket, backend)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(&cfg.Metrics)
	collector.Serve()
	defer collector.Shutdown(context.Background())

	fs := fusefs.NewFileSystem(backend, store, &fusefs.Config{
		Bucket:     bucket,
		MountPoint: mountPoint,
		Volname:    cfg.Mount.Volname,
		IOSize:     cfg.Mount.IOSize,
		AllowOther: cfg.Mount.AllowOther,
	}, collector)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fs.Unmount()
	}()

	return fs.Mount()
}

func runFlushd(ctx context.Context, bucket, cacheDir string) error {
	cfg, err := setup(configPath)
	if err != nil {
		return err
	}

	backend, err := newBackend(ctx, bucket, cfg)
	if err != nil {
		return err
	}

	// The filesystem sibling owns the metrics port; the uploader's counters
	// stay in-process.
	collector := metrics.NewCollector(&metrics.Config{Enabled: cfg.Metrics.Enabled})

	return uploader.New(backend, bucket, cacheDir, cfg.Uploader.ScanInterval, collector).Run(ctx)
}
