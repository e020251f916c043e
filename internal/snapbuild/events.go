package snapbuild

import (
	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// Commit reports a committed top-level transaction.
type Commit struct {
	LSN     lsn.LSN
	Xid     xid.XID
	Subxids []xid.XID
	// CatalogChanged is set when the commit record itself flags catalog
	// modifications.
	CatalogChanged bool
}

// RelFileLocator identifies the relation a catalog tuple lives in.
type RelFileLocator struct {
	Spc uint32
	DB  uint32
	Rel uint32
}

// NewCid reports that a catalog tuple got a new command id, which is how a
// still running transaction reveals that it modifies the catalog.
type NewCid struct {
	LSN      lsn.LSN
	Xid      xid.XID
	TopXid   xid.XID
	Cmin     uint32
	Cmax     uint32
	Combocid uint32
	Locator  RelFileLocator
}

// RunningXacts is a probe of the transactions running at LSN.
//
// Every id below Xmin has finished, every id at or above Xmax has not
// started, and Xids lists the ones in between that are still running.
type RunningXacts struct {
	LSN  lsn.LSN
	Xmin xid.XID
	Xmax xid.XID
	Xids []xid.XID
}
