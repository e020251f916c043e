package snapbuild

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/yndnr/logicalsnap/internal/xid"
)

// CommittedSet holds committed transactions between xmin and xmax.
//
// Ids are appended unsorted. Sort is called right before a snapshot is
// built or the set is serialized; lookups binary search when the set is
// sorted and fall back to a scan otherwise.
type CommittedSet struct {
	xids        []xid.XID
	sorted      bool
	includesAll bool
}

// NewCommittedSet returns an empty set that records all transactions.
func NewCommittedSet() *CommittedSet {
	return &CommittedSet{sorted: true, includesAll: true}
}

func newCommittedSetFrom(ids []xid.XID, includesAll bool) *CommittedSet {
	s := &CommittedSet{includesAll: includesAll}
	s.xids = append(s.xids, ids...)
	s.Sort()
	return s
}

// Add records x.
func (s *CommittedSet) Add(x xid.XID) {
	if n := len(s.xids); n > 0 && s.xids[n-1] >= x {
		s.sorted = false
	}
	s.xids = append(s.xids, x)
}

// Sort orders the set numerically.
func (s *CommittedSet) Sort() {
	if s.sorted {
		return
	}
	xid.Sort(s.xids)
	s.sorted = true
}

// Contains reports whether x is in the set.
func (s *CommittedSet) Contains(x xid.XID) bool {
	if s.sorted {
		return xid.Search(s.xids, x)
	}
	for _, id := range s.xids {
		if id == x {
			return true
		}
	}
	return false
}

// PurgeOlderThan drops every id preceding t and returns how many were dropped.
func (s *CommittedSet) PurgeOlderThan(t xid.XID) int {
	kept := s.xids[:0]
	for _, id := range s.xids {
		if !id.Precedes(t) {
			kept = append(kept, id)
		}
	}
	removed := len(s.xids) - len(kept)
	s.xids = kept
	return removed
}

// IncludesAll reports whether every commit, not only catalog-modifying
// ones, has been recorded so far.
func (s *CommittedSet) IncludesAll() bool {
	return s.includesAll
}

// StopIncludingAll records that a commit was left out. It cannot be undone.
func (s *CommittedSet) StopIncludingAll() {
	s.includesAll = false
}

func (s *CommittedSet) Len() int {
	return len(s.xids)
}

// XIDs returns a copy of the set in its current order.
func (s *CommittedSet) XIDs() []xid.XID {
	out := make([]xid.XID, len(s.xids))
	copy(out, s.xids)
	return out
}

// CatalogChangeSet holds catalog-modifying transactions that were running
// when a restored snapshot was serialized. It is strictly ascending and only
// ever shrinks.
type CatalogChangeSet struct {
	xids []xid.XID
}

// NewCatalogChangeSet copies ids, which must be strictly ascending.
func NewCatalogChangeSet(ids []xid.XID) (*CatalogChangeSet, error) {
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			return nil, fmt.Errorf("snapbuild: catalog change ids not strictly ascending at index %d", i)
		}
	}
	s := &CatalogChangeSet{}
	if len(ids) > 0 {
		s.xids = make([]xid.XID, len(ids))
		copy(s.xids, ids)
	}
	return s, nil
}

// Contains reports whether x is in the set.
func (s *CatalogChangeSet) Contains(x xid.XID) bool {
	return xid.Search(s.xids, x)
}

// PurgeOlderThan removes every id preceding t and keeps every other id.
func (s *CatalogChangeSet) PurgeOlderThan(t xid.XID) int {
	if len(s.xids) == 0 {
		return 0
	}
	kept := make([]xid.XID, 0, len(s.xids))
	for _, id := range s.xids {
		if !id.Precedes(t) {
			kept = append(kept, id)
		}
	}
	removed := len(s.xids) - len(kept)
	if len(kept) == 0 {
		kept = nil
	}
	s.xids = kept
	return removed
}

func (s *CatalogChangeSet) Len() int {
	return len(s.xids)
}

// XIDs returns a copy of the set.
func (s *CatalogChangeSet) XIDs() []xid.XID {
	if len(s.xids) == 0 {
		return nil
	}
	out := make([]xid.XID, len(s.xids))
	copy(out, s.xids)
	return out
}

// bitmapSet is a roaring-backed set of ids, used for the transactions known
// to modify the catalog while still running and for the transactions that
// must finish before the builder becomes consistent.
type bitmapSet struct {
	bm *roaring.Bitmap
}

func newBitmapSet(ids ...xid.XID) *bitmapSet {
	s := &bitmapSet{bm: roaring.New()}
	for _, id := range ids {
		s.bm.Add(uint32(id))
	}
	return s
}

func (s *bitmapSet) Add(x xid.XID) {
	s.bm.Add(uint32(x))
}

func (s *bitmapSet) Remove(x xid.XID) {
	s.bm.Remove(uint32(x))
}

func (s *bitmapSet) Contains(x xid.XID) bool {
	return s.bm.Contains(uint32(x))
}

func (s *bitmapSet) IsEmpty() bool {
	return s.bm.IsEmpty()
}

func (s *bitmapSet) Len() int {
	return int(s.bm.GetCardinality())
}

// RemoveIf drops every id for which drop returns true.
func (s *bitmapSet) RemoveIf(drop func(xid.XID) bool) int {
	var victims []uint32
	it := s.bm.Iterator()
	for it.HasNext() {
		v := it.Next()
		if drop(xid.XID(v)) {
			victims = append(victims, v)
		}
	}
	for _, v := range victims {
		s.bm.Remove(v)
	}
	return len(victims)
}

// XIDs returns the ids in ascending numeric order.
func (s *bitmapSet) XIDs() []xid.XID {
	raw := s.bm.ToArray()
	if len(raw) == 0 {
		return nil
	}
	out := make([]xid.XID, len(raw))
	for i, v := range raw {
		out[i] = xid.XID(v)
	}
	return out
}

// union returns the ascending union of s and ids.
func (s *bitmapSet) union(ids []xid.XID) []xid.XID {
	bm := s.bm.Clone()
	for _, id := range ids {
		bm.Add(uint32(id))
	}
	return (&bitmapSet{bm: bm}).XIDs()
}
