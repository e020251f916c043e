package command

import (
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/snapbuild"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// fileDetail is the decoded form of one snapshot file.
type fileDetail struct {
	LSN      lsn.LSN `json:"lsn" yaml:"lsn"`
	Path     string  `json:"path" yaml:"path" table:"wide"`
	Version  uint32  `json:"version" yaml:"version"`
	Length   uint32  `json:"length" yaml:"length"`
	Magic    string  `json:"magic" yaml:"magic"`
	Checksum string  `json:"checksum" yaml:"checksum"`

	Phase                   string  `json:"phase" yaml:"phase"`
	Xmin                    xid.XID `json:"xmin" yaml:"xmin"`
	Xmax                    xid.XID `json:"xmax" yaml:"xmax"`
	InitialXminHorizon      xid.XID `json:"initial_xmin_horizon" yaml:"initial_xmin_horizon"`
	StartDecodingAt         lsn.LSN `json:"start_decoding_at" yaml:"start_decoding_at"`
	TwoPhaseAt              lsn.LSN `json:"two_phase_at" yaml:"two_phase_at"`
	LastSerialized          lsn.LSN `json:"last_serialized" yaml:"last_serialized"`
	NextPhaseAt             xid.XID `json:"next_phase_at" yaml:"next_phase_at"`
	BuildingFullSnapshot    bool    `json:"building_full_snapshot" yaml:"building_full_snapshot"`
	InSlotCreation          bool    `json:"in_slot_creation" yaml:"in_slot_creation"`
	IncludesAllTransactions bool    `json:"includes_all_transactions" yaml:"includes_all_transactions"`

	Committed      []xid.XID `json:"committed" yaml:"committed"`
	CatalogChanges []xid.XID `json:"catalog_changes" yaml:"catalog_changes"`
}

func newFileDetail(path string, od *snapfile.OnDisk) fileDetail {
	st := od.State
	l, _ := lsn.ParseFileName(filepath.Base(path))
	return fileDetail{
		LSN:                     l,
		Path:                    path,
		Version:                 od.Version,
		Length:                  od.Length,
		Magic:                   fmt.Sprintf("%#08x", od.Magic),
		Checksum:                fmt.Sprintf("%08x", od.Checksum),
		Phase:                   snapbuild.Phase(st.Phase).String(),
		Xmin:                    st.Xmin,
		Xmax:                    st.Xmax,
		InitialXminHorizon:      st.InitialXminHorizon,
		StartDecodingAt:         st.StartDecodingAt,
		TwoPhaseAt:              st.TwoPhaseAt,
		LastSerialized:          st.LastSerialized,
		NextPhaseAt:             st.NextPhaseAt,
		BuildingFullSnapshot:    st.BuildingFullSnapshot,
		InSlotCreation:          st.InSlotCreation,
		IncludesAllTransactions: st.IncludesAllTransactions,
		Committed:               st.Committed,
		CatalogChanges:          st.CatalogChanges,
	}
}

// InfoCommand returns the info command.
func InfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Decode and show one snapshot file",
		ArgsUsage: "<position|file>",
		Flags:     []cli.Flag{atOrBeforeFlag()},
		Action:    showInfo,
	}
}

func atOrBeforeFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "at-or-before",
		Usage: "Use the newest valid file at or before the given position",
	}
}

func showInfo(c *cli.Context) error {
	path, od, err := readArg(c)
	if err != nil {
		return err
	}
	return render(c, newFileDetail(path, od))
}

// readArg decodes the file named by the first argument.
func readArg(c *cli.Context) (string, *snapfile.OnDisk, error) {
	if c.NArg() != 1 {
		return "", nil, cli.Exit("expected exactly one position or file name", 2)
	}
	store, err := openStore(c)
	if err != nil {
		return "", nil, err
	}
	if c.Bool("at-or-before") {
		l, err := lsn.Parse(c.Args().First())
		if err != nil {
			return "", nil, cli.Exit(fmt.Sprintf("--at-or-before needs a position: %v", err), 2)
		}
		info, od, err := store.ReadAtOrBefore(l)
		if err != nil {
			return "", nil, err
		}
		return info.Path, od, nil
	}
	path, err := resolvePath(store, c.Args().First())
	if err != nil {
		return "", nil, err
	}
	od, err := store.ReadPath(path)
	if err != nil {
		return "", nil, err
	}
	return path, od, nil
}
