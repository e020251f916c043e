// Package config defines the configuration of the logicalsnap tools.
package config

import (
	"time"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// Config is the root configuration shared by snapreplay and snapinspect.
type Config struct {
	Store   StoreSection   `koanf:"store"`
	Builder BuilderSection `koanf:"builder"`
	Replay  ReplaySection  `koanf:"replay"`
	Metrics MetricsSection `koanf:"metrics"`
	Log     LogSection     `koanf:"log"`
}

// StoreSection configures the snapshot directory.
type StoreSection struct {
	Dir         string `koanf:"dir"`
	MaxFileSize int64  `koanf:"max_file_size"`
	// KeepFiles is how many of the newest files survive cleanup after a
	// serialization. Zero disables cleanup.
	KeepFiles int `koanf:"keep_files"`
}

// BuilderSection configures the snapshot builder.
type BuilderSection struct {
	InitialXminHorizon   xid.XID `koanf:"initial_xmin_horizon"`
	StartDecodingAt      lsn.LSN `koanf:"start_decoding_at"`
	TwoPhaseAt           lsn.LSN `koanf:"two_phase_at"`
	BuildingFullSnapshot bool    `koanf:"building_full_snapshot"`
	InSlotCreation       bool    `koanf:"in_slot_creation"`
	MaxExportXids        int     `koanf:"max_export_xids"`
}

// ReplaySection configures feed replay.
type ReplaySection struct {
	Feed   string `koanf:"feed"`
	Follow bool   `koanf:"follow"`
	Slot   string `koanf:"slot"`
	// Export publishes the initial snapshot once the builder is consistent.
	Export          bool          `koanf:"export"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MetricsSection configures the metrics listener. An empty address
// disables it.
type MetricsSection struct {
	Addr string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	AddSource bool   `koanf:"add_source"`
}
