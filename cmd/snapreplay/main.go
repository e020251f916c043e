// Package main provides the entry point for snapreplay.
//
// snapreplay feeds a recorded stream of decoding events into a snapshot
// builder, serializing its state to the snapshot directory as a decoding
// session would. It optionally exposes metrics over HTTP and follows the
// feed as it grows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/yndnr/logicalsnap/internal/cli/output"
	"github.com/yndnr/logicalsnap/internal/config"
	"github.com/yndnr/logicalsnap/internal/infra/buildinfo"
	"github.com/yndnr/logicalsnap/internal/infra/confloader"
	"github.com/yndnr/logicalsnap/internal/infra/shutdown"
	"github.com/yndnr/logicalsnap/internal/replay"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
	"github.com/yndnr/logicalsnap/internal/telemetry/logger"
	"github.com/yndnr/logicalsnap/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		feedPath    = flag.String("feed", "", "Event feed file, or - for standard input")
		follow      = flag.Bool("follow", false, "Keep reading events appended to the feed")
		dir         = flag.String("dir", "", "Snapshot directory")
		export      = flag.Bool("export", false, "Export the initial snapshot once consistent")
		outputFmt   = flag.String("output", "json", "Summary format: table, json, yaml")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("snapreplay %s\n", buildinfo.String())
		return nil
	}
	format, err := output.ParseFormat(*outputFmt)
	if err != nil {
		return err
	}

	overrides := map[string]any{}
	if *feedPath != "" {
		overrides["replay.feed"] = *feedPath
	}
	if *follow {
		overrides["replay.follow"] = true
	}
	if *dir != "" {
		overrides["store.dir"] = *dir
	}
	if *export {
		overrides["replay.export"] = true
	}

	cfg, err := loadConfig(*configFile, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting snapreplay",
		"version", info.Version,
		"commit", info.Commit,
		"config", *configFile,
		"dir", cfg.Store.Dir)

	store, err := snapfile.NewStore(snapfile.Config{
		Dir:         cfg.Store.Dir,
		MaxFileSize: cfg.Store.MaxFileSize,
		Logger:      log.Slog(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	registry := metric.NewRegistry()
	registry.MustRegister(metric.NewStoreCollector(store))

	runner := replay.New(cfg, store, registry, log)
	handler := shutdown.NewHandler(cfg.Replay.ShutdownTimeout)
	handler.OnShutdown(func(context.Context) error {
		log.Info("releasing snapshot builder")
		return runner.Close()
	})

	ctx, stop := handler.Context(context.Background())
	defer stop()

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		handler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down metrics server")
			return srv.Shutdown(ctx)
		})
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	if *configFile != "" {
		watchConfig(ctx, *configFile, log)
	}

	res, runErr := runner.Run(ctx)
	stop()
	if err := handler.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if res != nil {
		if err := output.NewFormatter(format, false).Format(os.Stdout, res); err != nil {
			return err
		}
	}
	return runErr
}

// loadConfig loads defaults, the optional file, the environment and the
// command line overrides, in that order.
func loadConfig(configFile string, overrides map[string]any) (*config.Config, error) {
	cfg := config.Default()

	opts := []confloader.Option{confloader.WithOverrides(overrides)}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	if err := config.VerifyReplay(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchConfig applies log level changes made to the configuration file
// while the replay runs.
func watchConfig(ctx context.Context, path string, log logger.Logger) {
	w, err := confloader.NewWatcher(path, log.Slog())
	if err != nil {
		log.Warn("configuration reload disabled", "error", err)
		return
	}
	go w.Run(ctx, func(path string) {
		cfg := config.Default()
		if err := confloader.NewLoader(confloader.WithConfigFile(path)).Load(cfg); err != nil {
			log.Warn("ignoring unreadable configuration", "path", path, "error", err)
			return
		}
		if cfg.Log.Level == logger.GetLevel() {
			return
		}
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("ignoring invalid log level", "level", cfg.Log.Level, "error", err)
			return
		}
		log.Info("log level changed", "level", cfg.Log.Level)
	})
}

func metricsMux(registry *metric.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}
