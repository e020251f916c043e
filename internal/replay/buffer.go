package replay

import (
	"sync"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/snapbuild"
	"github.com/yndnr/logicalsnap/internal/telemetry/logger"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// Buffer is a change buffer that holds base snapshots per transaction and
// the most recently distributed catalog snapshot. It does not queue
// changes; it only keeps the references a decoder would keep.
type Buffer struct {
	logger logger.Logger

	mu          sync.Mutex
	base        map[xid.XID]*snapbuild.Ref
	latest      *snapbuild.Ref
	distributed int
	newCids     int
	phase       snapbuild.Phase
	consistent  lsn.LSN
}

// NewBuffer creates an empty buffer.
func NewBuffer(log logger.Logger) *Buffer {
	return &Buffer{
		logger: log,
		base:   make(map[xid.XID]*snapbuild.Ref),
		phase:  snapbuild.PhaseStart,
	}
}

func (b *Buffer) PhaseChanged(from, to snapbuild.Phase, at lsn.LSN) {
	b.mu.Lock()
	b.phase = to
	if to == snapbuild.PhaseConsistent {
		b.consistent = at
	}
	b.mu.Unlock()

	b.logger.Debug("buffer saw phase change",
		"to", to.String(),
		"lsn", at.String())
}

func (b *Buffer) HasBaseSnapshot(x xid.XID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.base[x]
	return ok
}

func (b *Buffer) SetBaseSnapshot(x xid.XID, at lsn.LSN, snap *snapbuild.Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.base[x]; ok {
		old.Release()
	}
	b.base[x] = snap
}

func (b *Buffer) AddNewCid(snapbuild.NewCid) {
	b.mu.Lock()
	b.newCids++
	b.mu.Unlock()
}

func (b *Buffer) DistributeSnapshot(at lsn.LSN, snap *snapbuild.Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest != nil {
		b.latest.Release()
	}
	b.latest = snap
	b.distributed++
	b.logger.Debug("catalog snapshot distributed",
		"lsn", at.String(),
		"xmin", snap.Snapshot().Xmin().String(),
		"xmax", snap.Snapshot().Xmax().String())
}

// Finish drops the base snapshot of a transaction that ended.
func (b *Buffer) Finish(x xid.XID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref, ok := b.base[x]; ok {
		ref.Release()
		delete(b.base, x)
	}
}

// ReleaseOlderThan drops the base snapshots of transactions preceding
// xmin. They are no longer running, so they either committed already or
// aborted. It returns how many were dropped.
func (b *Buffer) ReleaseOlderThan(xmin xid.XID) int {
	if !xmin.IsValid() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for x, ref := range b.base {
		if x.Precedes(xmin) {
			ref.Release()
			delete(b.base, x)
			n++
		}
	}
	return n
}

// Phase returns the last phase reported by the builder.
func (b *Buffer) Phase() snapbuild.Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// ConsistentAt returns where the builder became consistent, or
// lsn.Invalid.
func (b *Buffer) ConsistentAt() lsn.LSN {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consistent
}

// Stats reports how many references the buffer holds.
func (b *Buffer) Stats() (bases, distributed, newCids int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.base), b.distributed, b.newCids
}

// Close releases every held reference.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for x, ref := range b.base {
		ref.Release()
		delete(b.base, x)
	}
	if b.latest != nil {
		b.latest.Release()
		b.latest = nil
	}
}
