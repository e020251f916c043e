package snapbuild

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

type exportedSnapshot struct {
	name string
	ref  *Ref
	mvcc *MVCCSnapshot
}

// InitialSnapshot converts the current snapshot into a regular MVCC
// snapshot that another session can use to read the data as of the
// consistent point. It requires that every transaction was tracked.
func (b *Builder) InitialSnapshot() (*MVCCSnapshot, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.phase != PhaseConsistent {
		return nil, ErrNotConsistent
	}
	if !b.committed.IncludesAll() {
		return nil, ErrNotAllTracked
	}

	ref, err := b.snapshotRef()
	if err != nil {
		return nil, err
	}
	defer ref.Release()
	return ref.Snapshot().ToMVCC(b.maxExportXids)
}

// ExportSnapshot publishes the initial snapshot under a new name. Only one
// snapshot can be exported at a time.
func (b *Builder) ExportSnapshot() (string, error) {
	if b.exported != nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyExported, b.exported.name)
	}
	mvcc, err := b.InitialSnapshot()
	if err != nil {
		return "", err
	}
	ref, err := b.snapshotRef()
	if err != nil {
		return "", err
	}

	b.exported = &exportedSnapshot{
		name: ulid.Make().String(),
		ref:  ref,
		mvcc: mvcc,
	}
	b.logger.Info("exported logical decoding snapshot",
		"name", b.exported.name,
		"xmin", mvcc.Xmin.String(),
		"xmax", mvcc.Xmax.String(),
		"running", len(mvcc.Xip))
	return b.exported.name, nil
}

// ExportedSnapshot returns the currently exported snapshot, if any.
func (b *Builder) ExportedSnapshot() (string, *MVCCSnapshot, bool) {
	if b.exported == nil {
		return "", nil, false
	}
	return b.exported.name, b.exported.mvcc, true
}

// ClearExportedSnapshot drops the exported snapshot. It is a no-op when
// nothing is exported.
func (b *Builder) ClearExportedSnapshot() {
	if b.exported == nil {
		return
	}
	b.exported.ref.Release()
	b.exported = nil
}
