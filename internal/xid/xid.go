// Package xid defines transaction identifiers as seen by logical decoding.
package xid

import (
	"sort"
	"strconv"
)

// XID is a 32-bit transaction identifier.
type XID uint32

// Special transaction ids.
const (
	Invalid     XID = 0
	Bootstrap   XID = 1
	Frozen      XID = 2
	FirstNormal XID = 3
)

// IsValid reports whether x is not Invalid.
func (x XID) IsValid() bool {
	return x != Invalid
}

// IsNormal reports whether x is an ordinary, wrapping transaction id.
func (x XID) IsNormal() bool {
	return x >= FirstNormal
}

// Precedes reports whether x is logically older than y.
func (x XID) Precedes(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x < y
	}
	return int32(x-y) < 0
}

// PrecedesOrEquals reports whether x is older than or equal to y.
func (x XID) PrecedesOrEquals(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x <= y
	}
	return int32(x-y) <= 0
}

// Follows reports whether x is logically newer than y.
func (x XID) Follows(y XID) bool {
	return y.Precedes(x)
}

// FollowsOrEquals reports whether x is newer than or equal to y.
func (x XID) FollowsOrEquals(y XID) bool {
	return y.PrecedesOrEquals(x)
}

// Advance returns the id following x, skipping the special ids on wraparound.
func (x XID) Advance() XID {
	x++
	if !x.IsNormal() {
		return FirstNormal
	}
	return x
}

func (x XID) String() string {
	return strconv.FormatUint(uint64(x), 10)
}

// Max returns the logically newer of a and b. Invalid never wins.
func Max(a, b XID) XID {
	if !a.IsValid() {
		return b
	}
	if !b.IsValid() {
		return a
	}
	if a.Precedes(b) {
		return b
	}
	return a
}

// Sort sorts ids numerically in place.
//
// Numeric order is the order used for the on-disk arrays and for binary
// search; it is not the modular order, which is not a total order.
func Sort(ids []XID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Search returns whether x is present in ids, which must be sorted numerically.
func Search(ids []XID, x XID) bool {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= x })
	return i < len(ids) && ids[i] == x
}
