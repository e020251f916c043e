package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/yndnr/logicalsnap/internal/telemetry/logger"
)

// Verify validates the sections every tool uses.
func Verify(cfg *Config) error {
	return errors.Join(
		verifyStore(&cfg.Store),
		verifyBuilder(&cfg.Builder),
		verifyMetrics(&cfg.Metrics),
		verifyLog(&cfg.Log),
	)
}

// VerifyReplay additionally validates the replay section.
func VerifyReplay(cfg *Config) error {
	if err := Verify(cfg); err != nil {
		return err
	}
	if cfg.Replay.Feed == "" {
		return errors.New("replay.feed is required")
	}
	if cfg.Replay.ShutdownTimeout <= 0 {
		return errors.New("replay.shutdown_timeout must be positive")
	}
	return nil
}

func verifyStore(cfg *StoreSection) error {
	if cfg.Dir == "" {
		return errors.New("store.dir is required")
	}
	if cfg.MaxFileSize <= 0 {
		return errors.New("store.max_file_size must be positive")
	}
	if cfg.KeepFiles < 0 {
		return errors.New("store.keep_files must not be negative")
	}
	return nil
}

func verifyBuilder(cfg *BuilderSection) error {
	if cfg.MaxExportXids <= 0 {
		return errors.New("builder.max_export_xids must be positive")
	}
	return nil
}

func verifyMetrics(cfg *MetricsSection) error {
	if cfg.Addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return fmt.Errorf("metrics.addr: %w", err)
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	if _, err := logger.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(cfg.Format) {
	case "text", "console", "json":
		return nil
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}
