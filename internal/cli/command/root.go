package command

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/logicalsnap/internal/cli/output"
	"github.com/yndnr/logicalsnap/internal/config"
	"github.com/yndnr/logicalsnap/internal/infra/buildinfo"
	"github.com/yndnr/logicalsnap/internal/infra/confloader"
	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
	"github.com/yndnr/logicalsnap/internal/telemetry/logger"
)

const (
	configKey = "config"
	storeKey  = "store"
)

// App creates the snapinspect application.
func App() *cli.App {
	return &cli.App{
		Name:    "snapinspect",
		Usage:   "Inspect serialized logical decoding snapshots",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			ListCommand(),
			InfoCommand(),
			SnapshotCommand(),
			VerifyCommand(),
			CleanCommand(),
		},
		Before: loadConfig,
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Configuration file; store.dir and store.max_file_size are used",
			EnvVars: []string{"LOGICALSNAP_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"d"},
			Usage:   "Snapshot directory (overrides the configuration)",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			Value:   string(output.FormatTable),
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "Show wide output (more columns)",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "Log store activity to stderr",
		},
	}
}

// GlobalFlags holds the flags available to all commands.
type GlobalFlags struct {
	Config  string
	Dir     string
	Output  string
	Wide    bool
	Verbose bool
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		Config:  c.String("config"),
		Dir:     c.String("dir"),
		Output:  c.String("output"),
		Wide:    c.Bool("wide"),
		Verbose: c.Bool("verbose"),
	}
}

// loadConfig resolves the store configuration before any command runs.
func loadConfig(c *cli.Context) error {
	flags := ParseGlobalFlags(c)
	if _, err := output.ParseFormat(flags.Output); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	cfg := config.Default()
	var opts []confloader.Option
	if flags.Config != "" {
		opts = append(opts, confloader.WithConfigFile(flags.Config))
	}
	if flags.Dir != "" {
		opts = append(opts, confloader.WithOverrides(map[string]any{"store.dir": flags.Dir}))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return err
	}
	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

// openStore opens the snapshot directory the first time a command needs it.
func openStore(c *cli.Context) (*snapfile.Store, error) {
	if s, ok := c.App.Metadata[storeKey].(*snapfile.Store); ok {
		return s, nil
	}
	cfg, ok := c.App.Metadata[configKey].(*config.Config)
	if !ok {
		return nil, fmt.Errorf("configuration not loaded")
	}

	level := "warn"
	if ParseGlobalFlags(c).Verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: "text", Output: c.App.ErrWriter})
	if err != nil {
		return nil, err
	}

	store, err := snapfile.NewStore(snapfile.Config{
		Dir:         cfg.Store.Dir,
		MaxFileSize: cfg.Store.MaxFileSize,
		Logger:      log.Slog(),
	})
	if err != nil {
		return nil, err
	}
	c.App.Metadata[storeKey] = store
	return store, nil
}

// render writes data to the application writer in the selected format.
func render(c *cli.Context, data any) error {
	flags := ParseGlobalFlags(c)
	format, err := output.ParseFormat(flags.Output)
	if err != nil {
		return err
	}
	return output.NewFormatter(format, flags.Wide).Format(writer(c), data)
}

func writer(c *cli.Context) io.Writer {
	if c.App.Writer != nil {
		return c.App.Writer
	}
	return os.Stdout
}

// resolvePath maps a command argument to a file path. The argument may be a
// position ("0/16B3748"), a file name ("0-16B3748.snap") or a path.
func resolvePath(store *snapfile.Store, arg string) (string, error) {
	if l, err := lsn.Parse(arg); err == nil {
		return store.Path(l), nil
	}
	base := filepath.Base(arg)
	if _, err := lsn.ParseFileName(base); err != nil {
		return "", fmt.Errorf("%q is neither a position nor a snapshot file name", arg)
	}
	if strings.ContainsRune(arg, filepath.Separator) {
		return arg, nil
	}
	return filepath.Join(store.Dir(), base), nil
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
