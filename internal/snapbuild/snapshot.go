package snapbuild

import (
	"fmt"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/yndnr/logicalsnap/internal/xid"
)

// Snapshot is an immutable historic catalog snapshot.
//
// Unlike a regular MVCC snapshot it lists the transactions that committed
// between Xmin and Xmax; everything else in that range is invisible. It is
// reached only through a Ref and its arrays are dropped once the last Ref
// is released.
type Snapshot struct {
	xmin        xid.XID
	xmax        xid.XID
	committed   []xid.XID
	catalogOnly bool

	refs atomic.Int32
}

// Ref is one counted reference to a Snapshot.
type Ref struct {
	snap     *Snapshot
	released atomic.Bool
}

// NewSnapshot builds a snapshot from a sorted committed list and returns the
// first reference to it.
func NewSnapshot(xmin, xmax xid.XID, committed []xid.XID, catalogOnly bool) *Ref {
	s := &Snapshot{
		xmin:        xmin,
		xmax:        xmax,
		catalogOnly: catalogOnly,
	}
	if len(committed) > 0 {
		s.committed = make([]xid.XID, len(committed))
		copy(s.committed, committed)
	}
	s.refs.Store(1)
	return &Ref{snap: s}
}

// Snapshot returns the referenced snapshot.
func (r *Ref) Snapshot() *Snapshot {
	return r.snap
}

// Clone takes another reference to the same snapshot.
func (r *Ref) Clone() *Ref {
	if r.released.Load() {
		panic("snapbuild: clone of a released snapshot reference")
	}
	r.snap.refs.Add(1)
	return &Ref{snap: r.snap}
}

// Release drops the reference. Releasing twice is a no-op.
func (r *Ref) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.snap.refs.Add(-1) == 0 {
		r.snap.committed = nil
	}
}

func (s *Snapshot) Xmin() xid.XID { return s.xmin }
func (s *Snapshot) Xmax() xid.XID { return s.xmax }

// CatalogOnly reports whether only catalog-modifying commits are listed.
func (s *Snapshot) CatalogOnly() bool { return s.catalogOnly }

// RefCount returns the number of live references.
func (s *Snapshot) RefCount() int { return int(s.refs.Load()) }

// Committed returns a copy of the committed list.
func (s *Snapshot) Committed() []xid.XID {
	out := make([]xid.XID, len(s.committed))
	copy(out, s.committed)
	return out
}

// XidVisible reports whether the effects of x are visible in the snapshot.
func (s *Snapshot) XidVisible(x xid.XID) bool {
	if x.Precedes(s.xmin) {
		// Finished before the snapshot. The caller filters aborted ones
		// through the commit log.
		return true
	}
	if x.FollowsOrEquals(s.xmax) {
		return false
	}
	return xid.Search(s.committed, x)
}

// MVCCSnapshot is a regular snapshot listing running transactions, the form
// an exported snapshot is handed to other sessions in.
type MVCCSnapshot struct {
	Xmin xid.XID   `json:"xmin" yaml:"xmin"`
	Xmax xid.XID   `json:"xmax" yaml:"xmax"`
	Xip  []xid.XID `json:"xip" yaml:"xip"`
}

// ToMVCC converts the snapshot into the running-transaction form: every
// normal id in [xmin, xmax) that did not commit is listed as running.
// Conversion fails with ErrResourceExhausted if more than maxXids ids
// would be listed.
func (s *Snapshot) ToMVCC(maxXids int) (*MVCCSnapshot, error) {
	running := roaring.New()
	lo, hi := uint64(s.xmin), uint64(s.xmax)
	switch {
	case lo <= hi:
		running.AddRange(lo, hi)
	default:
		running.AddRange(lo, 1<<32)
		running.AddRange(uint64(xid.FirstNormal), hi)
	}
	running.RemoveRange(0, uint64(xid.FirstNormal))
	for _, c := range s.committed {
		running.Remove(uint32(c))
	}

	if n := running.GetCardinality(); n > uint64(maxXids) {
		return nil, fmt.Errorf("%w: %d running transactions exceed the limit of %d", ErrResourceExhausted, n, maxXids)
	}

	out := &MVCCSnapshot{Xmin: s.xmin, Xmax: s.xmax}
	if !running.IsEmpty() {
		raw := running.ToArray()
		out.Xip = make([]xid.XID, len(raw))
		for i, v := range raw {
			out.Xip[i] = xid.XID(v)
		}
	}
	return out, nil
}
