package command

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v2"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
)

// Verification outcomes.
const (
	statusOK      = "ok"
	statusCorrupt = "corrupt"
	statusError   = "error"
)

// verifyRow is the verification result of one file.
type verifyRow struct {
	LSN    lsn.LSN `json:"lsn" yaml:"lsn"`
	Name   string  `json:"name" yaml:"name"`
	Status string  `json:"status" yaml:"status"`
	Detail string  `json:"detail,omitempty" yaml:"detail,omitempty"`
	Path   string  `json:"path" yaml:"path" table:"wide"`
}

// VerifyCommand returns the verify command.
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check the checksum and structure of snapshot files",
		ArgsUsage: "[position|file...]",
		Description: "Without arguments every file in the directory is checked. " +
			"The command fails if any file does not verify.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "jobs",
				Aliases: []string{"j"},
				Usage:   "Number of files verified in parallel",
				Value:   runtime.NumCPU(),
			},
		},
		Action: verifyFiles,
	}
}

func verifyFiles(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}

	var paths []string
	if c.NArg() == 0 {
		for _, info := range store.List() {
			paths = append(paths, info.Path)
		}
	} else {
		for _, arg := range c.Args().Slice() {
			path, err := resolvePath(store, arg)
			if err != nil {
				return err
			}
			paths = append(paths, path)
		}
	}

	jobs := c.Int("jobs")
	if jobs < 1 {
		jobs = 1
	}
	p := pool.NewWithResults[verifyRow]().WithMaxGoroutines(jobs)
	for _, path := range paths {
		p.Go(func() verifyRow {
			return verifyFile(store, path)
		})
	}
	rows := p.Wait()
	sort.Slice(rows, func(i, j int) bool { return rows[i].LSN < rows[j].LSN })

	if err := render(c, rows); err != nil {
		return err
	}

	failed := 0
	for _, r := range rows {
		if r.Status != statusOK {
			failed++
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d snapshot files failed verification", failed, len(rows)), 1)
	}
	return nil
}

func verifyFile(store *snapfile.Store, path string) verifyRow {
	name := filepath.Base(path)
	l, _ := lsn.ParseFileName(name)
	row := verifyRow{LSN: l, Name: name, Path: path, Status: statusOK}

	_, err := store.ReadPath(path)
	switch {
	case err == nil:
	case errors.Is(err, snapfile.ErrCorrupted):
		row.Status = statusCorrupt
		row.Detail = err.Error()
	default:
		row.Status = statusError
		row.Detail = err.Error()
	}
	return row
}
