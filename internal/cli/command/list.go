package command

import (
	"github.com/urfave/cli/v2"

	"github.com/yndnr/logicalsnap/internal/lsn"
)

// fileRow is one line of list output.
type fileRow struct {
	LSN  lsn.LSN `json:"lsn" yaml:"lsn"`
	Name string  `json:"name" yaml:"name"`
	Size int64   `json:"size" yaml:"size"`
	Path string  `json:"path" yaml:"path" table:"wide"`
}

// ListCommand returns the list command.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List snapshot files ordered by position",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "before",
				Usage: "Only show files at or before this position",
			},
		},
		Action: listFiles,
	}
}

func listFiles(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}

	limit := lsn.LSN(^uint64(0))
	if s := c.String("before"); s != "" {
		l, err := lsn.Parse(s)
		if err != nil {
			return err
		}
		limit = l
	}

	rows := []fileRow{}
	for _, info := range store.List() {
		if info.LSN > limit {
			break
		}
		rows = append(rows, fileRow{
			LSN:  info.LSN,
			Name: info.LSN.FileName(),
			Size: info.Size,
			Path: info.Path,
		})
	}
	return render(c, rows)
}
