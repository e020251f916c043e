package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/logicalsnap/internal/snapbuild"
)

// SnapshotCommand returns the snapshot command, which converts a consistent
// file into the MVCC snapshot a client would import.
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Show the MVCC snapshot equivalent of a consistent snapshot file",
		ArgsUsage: "<position|file>",
		Flags: []cli.Flag{
			atOrBeforeFlag(),
			&cli.IntFlag{
				Name:  "max-xids",
				Usage: "Refuse snapshots with more in-progress ids than this",
				Value: snapbuild.DefaultMaxExportXids,
			},
		},
		Action: showSnapshot,
	}
}

func showSnapshot(c *cli.Context) error {
	path, od, err := readArg(c)
	if err != nil {
		return err
	}
	st := od.State
	if snapbuild.Phase(st.Phase) < snapbuild.PhaseConsistent {
		return fmt.Errorf("%s: %w (phase %s)", path, snapbuild.ErrNotConsistent, snapbuild.Phase(st.Phase))
	}

	ref := snapbuild.NewSnapshot(st.Xmin, st.Xmax, st.Committed, false)
	defer ref.Release()

	mvcc, err := ref.Snapshot().ToMVCC(c.Int("max-xids"))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return render(c, mvcc)
}
