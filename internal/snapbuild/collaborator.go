package snapbuild

import (
	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// ChangeBuffer is the component that queues decoded changes until their
// transaction commits. It receives snapshots by reference and must Release
// every Ref it is handed.
type ChangeBuffer interface {
	// PhaseChanged is called on every phase transition. Reaching
	// PhaseConsistent releases commit callbacks held back so far.
	PhaseChanged(from, to Phase, at lsn.LSN)

	HasBaseSnapshot(x xid.XID) bool
	SetBaseSnapshot(x xid.XID, at lsn.LSN, snap *Ref)

	// AddNewCid forwards a catalog command id record for x.
	AddNewCid(ev NewCid)

	// DistributeSnapshot hands over a new catalog snapshot after a
	// catalog-modifying commit.
	DistributeSnapshot(at lsn.LSN, snap *Ref)
}

// SnapshotStore persists builder state. *snapfile.Store implements it.
type SnapshotStore interface {
	Write(l lsn.LSN, st *snapfile.State) (*snapfile.Info, error)
	Read(l lsn.LSN) (*snapfile.OnDisk, error)
	Exists(l lsn.LSN) (bool, error)
}

// Metrics receives builder measurements. *metric.Registry implements it.
type Metrics interface {
	SetPhase(phase int)
	IncEvent(kind string)
	SetCommitted(n int)
	IncSerialization(result string)
	IncRestore(result string)
}

type nopBuffer struct{}

func (nopBuffer) PhaseChanged(Phase, Phase, lsn.LSN)              {}
func (nopBuffer) HasBaseSnapshot(xid.XID) bool                    { return true }
func (nopBuffer) SetBaseSnapshot(_ xid.XID, _ lsn.LSN, snap *Ref) { snap.Release() }
func (nopBuffer) AddNewCid(NewCid)                                {}
func (nopBuffer) DistributeSnapshot(_ lsn.LSN, snap *Ref)         { snap.Release() }

type nopMetrics struct{}

func (nopMetrics) SetPhase(int)            {}
func (nopMetrics) IncEvent(string)         {}
func (nopMetrics) SetCommitted(int)        {}
func (nopMetrics) IncSerialization(string) {}
func (nopMetrics) IncRestore(string)       {}
