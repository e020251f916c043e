package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/logicalsnap/internal/lsn"
)

// cleanResult reports what clean removed.
type cleanResult struct {
	Removed int     `json:"removed" yaml:"removed"`
	Kept    int     `json:"kept" yaml:"kept"`
	Cutoff  lsn.LSN `json:"cutoff,omitempty" yaml:"cutoff,omitempty"`
}

// CleanCommand returns the clean command.
func CleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "Remove old snapshot files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "before",
				Usage: "Remove files before this position",
			},
			&cli.IntFlag{
				Name:  "keep",
				Usage: "Remove all but the newest N files",
			},
		},
		Action: cleanFiles,
	}
}

func cleanFiles(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	before, keep := c.String("before"), c.Int("keep")

	var res cleanResult
	switch {
	case before != "" && keep > 0:
		return cli.Exit("--before and --keep are mutually exclusive", 2)
	case before != "":
		res.Cutoff, err = lsn.Parse(before)
		if err != nil {
			return err
		}
		res.Removed, err = store.RemoveOlderThan(res.Cutoff)
	case keep > 0:
		res.Removed, err = store.KeepNewest(keep)
	default:
		return cli.Exit("one of --before or --keep is required", 2)
	}
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	res.Kept = len(store.List())
	return render(c, res)
}
