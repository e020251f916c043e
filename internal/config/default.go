package config

import (
	"time"

	"github.com/yndnr/logicalsnap/internal/snapbuild"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
)

// Default configuration values.
const (
	DefaultStoreDir  = snapfile.DefaultDir
	DefaultKeepFiles = 0

	DefaultMaxExportXids   = snapbuild.DefaultMaxExportXids
	DefaultSlot            = "logicalsnap"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Store: StoreSection{
			Dir:         DefaultStoreDir,
			MaxFileSize: snapfile.DefaultMaxFileSize,
			KeepFiles:   DefaultKeepFiles,
		},
		Builder: BuilderSection{
			MaxExportXids: DefaultMaxExportXids,
		},
		Replay: ReplaySection{
			Slot:            DefaultSlot,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
