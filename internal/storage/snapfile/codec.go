// Package snapfile implements the on-disk format of serialized snapshot builder state.
package snapfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// Format constants. Any layout change must bump Version.
const (
	Magic   uint32 = 0x51A1E001
	Version uint32 = 6

	// ConstantSize is the header that precedes the versioned payload.
	ConstantSize = 16
	// NotChecksummedSize is the prefix (magic, checksum) excluded from the checksum.
	NotChecksummedSize = 8
	// StateBlockSize is the fixed-size builder block.
	StateBlockSize = 64

	countSize = 8
	xidSize   = 4

	// DefaultMaxFileSize bounds how much a reader will load into memory.
	DefaultMaxFileSize int64 = 256 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// State is the serializable part of a snapshot builder.
type State struct {
	Phase                   int32
	Xmin                    xid.XID
	Xmax                    xid.XID
	InitialXminHorizon      xid.XID
	StartDecodingAt         lsn.LSN
	TwoPhaseAt              lsn.LSN
	LastSerialized          lsn.LSN
	NextPhaseAt             xid.XID
	BuildingFullSnapshot    bool
	InSlotCreation          bool
	IncludesAllTransactions bool

	// Committed is sorted by Encode before it is written.
	Committed []xid.XID
	// CatalogChanges must be strictly ascending.
	CatalogChanges []xid.XID
}

// OnDisk is a decoded snapshot file.
type OnDisk struct {
	Magic    uint32
	Checksum uint32
	Version  uint32
	Length   uint32
	State    State
}

// Encode serializes st. The committed array is written sorted; st is not modified.
func Encode(st *State) ([]byte, error) {
	if st == nil {
		return nil, fmt.Errorf("snapfile: state is nil")
	}
	for i := 1; i < len(st.CatalogChanges); i++ {
		if st.CatalogChanges[i-1] >= st.CatalogChanges[i] {
			return nil, fmt.Errorf("snapfile: catalog change array not strictly ascending at index %d", i)
		}
	}

	committed := make([]xid.XID, len(st.Committed))
	copy(committed, st.Committed)
	xid.Sort(committed)

	size := ConstantSize + StateBlockSize +
		countSize + xidSize*len(committed) +
		countSize + xidSize*len(st.CatalogChanges)
	if int64(size) > DefaultMaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrResourceExhausted, size)
	}

	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], Magic)
	le.PutUint32(buf[8:], Version)
	le.PutUint32(buf[12:], uint32(size-ConstantSize))

	putState(buf[ConstantSize:ConstantSize+StateBlockSize], st)

	off := ConstantSize + StateBlockSize
	off = putXids(buf, off, committed)
	putXids(buf, off, st.CatalogChanges)

	le.PutUint32(buf[4:], crc32.Checksum(buf[NotChecksummedSize:], castagnoli))
	return buf, nil
}

// Decode reads and validates one snapshot file from r. path is used in errors only.
//
// Returned arrays are freshly allocated and never alias r's buffers.
func Decode(r io.Reader, path string) (*OnDisk, error) {
	buf, err := io.ReadAll(io.LimitReader(r, DefaultMaxFileSize+1))
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	if int64(len(buf)) > DefaultMaxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrResourceExhausted, path, DefaultMaxFileSize)
	}
	return DecodeBytes(buf, path)
}

// DecodeBytes validates and decodes a complete snapshot file image.
func DecodeBytes(buf []byte, path string) (*OnDisk, error) {
	le := binary.LittleEndian

	if len(buf) < ConstantSize {
		return nil, &CorruptionError{Path: path, Field: FieldRead, Expected: ConstantSize, Actual: uint64(len(buf))}
	}

	od := &OnDisk{
		Magic:    le.Uint32(buf[0:]),
		Checksum: le.Uint32(buf[4:]),
		Version:  le.Uint32(buf[8:]),
		Length:   le.Uint32(buf[12:]),
	}
	if od.Magic != Magic {
		return nil, &CorruptionError{Path: path, Field: FieldMagic, Expected: uint64(Magic), Actual: uint64(od.Magic)}
	}
	if od.Version != Version {
		return nil, &CorruptionError{Path: path, Field: FieldVersion, Expected: uint64(Version), Actual: uint64(od.Version)}
	}

	minSize := ConstantSize + StateBlockSize + countSize
	if len(buf) < minSize {
		return nil, &CorruptionError{Path: path, Field: FieldRead, Expected: uint64(minSize), Actual: uint64(len(buf))}
	}

	off := ConstantSize + StateBlockSize
	committed, off, ok := readXids(buf, off)
	var catchange []xid.XID
	if ok {
		catchange, off, ok = readXids(buf, off)
	}
	if !ok {
		// The counts point past the end of the file. Either the counts or
		// the file are damaged; the checksum over what is there decides.
		sum := crc32.Checksum(buf[NotChecksummedSize:], castagnoli)
		if sum != od.Checksum {
			return nil, &CorruptionError{Path: path, Field: FieldChecksum, Expected: uint64(od.Checksum), Actual: uint64(sum)}
		}
		return nil, &CorruptionError{Path: path, Field: FieldRead, Expected: uint64(off), Actual: uint64(len(buf))}
	}

	sum := crc32.Checksum(buf[NotChecksummedSize:off], castagnoli)
	if sum != od.Checksum {
		return nil, &CorruptionError{Path: path, Field: FieldChecksum, Expected: uint64(od.Checksum), Actual: uint64(sum)}
	}
	if uint64(od.Length) != uint64(off-ConstantSize) || off != len(buf) {
		return nil, &CorruptionError{Path: path, Field: FieldLength, Expected: uint64(len(buf) - ConstantSize), Actual: uint64(od.Length)}
	}
	for i := 1; i < len(catchange); i++ {
		if catchange[i-1] >= catchange[i] {
			return nil, &CorruptionError{Path: path, Field: FieldCatchange, Actual: uint64(i)}
		}
	}

	od.State = getState(buf[ConstantSize : ConstantSize+StateBlockSize])
	od.State.Committed = committed
	od.State.CatalogChanges = catchange
	return od, nil
}

func putState(b []byte, st *State) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(st.Phase))
	le.PutUint32(b[4:], uint32(st.Xmin))
	le.PutUint32(b[8:], uint32(st.Xmax))
	le.PutUint32(b[12:], uint32(st.InitialXminHorizon))
	le.PutUint64(b[16:], uint64(st.StartDecodingAt))
	le.PutUint64(b[24:], uint64(st.TwoPhaseAt))
	le.PutUint64(b[32:], uint64(st.LastSerialized))
	le.PutUint32(b[40:], uint32(st.NextPhaseAt))
	b[44] = boolByte(st.BuildingFullSnapshot)
	b[45] = boolByte(st.InSlotCreation)
	b[46] = boolByte(st.IncludesAllTransactions)
	// 47..63 padding and reserved, left zero.
}

func getState(b []byte) State {
	le := binary.LittleEndian
	return State{
		Phase:                   int32(le.Uint32(b[0:])),
		Xmin:                    xid.XID(le.Uint32(b[4:])),
		Xmax:                    xid.XID(le.Uint32(b[8:])),
		InitialXminHorizon:      xid.XID(le.Uint32(b[12:])),
		StartDecodingAt:         lsn.LSN(le.Uint64(b[16:])),
		TwoPhaseAt:              lsn.LSN(le.Uint64(b[24:])),
		LastSerialized:          lsn.LSN(le.Uint64(b[32:])),
		NextPhaseAt:             xid.XID(le.Uint32(b[40:])),
		BuildingFullSnapshot:    b[44] != 0,
		InSlotCreation:          b[45] != 0,
		IncludesAllTransactions: b[46] != 0,
	}
}

func putXids(buf []byte, off int, ids []xid.XID) int {
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(ids)))
	off += countSize
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf[off:], uint32(id))
		off += xidSize
	}
	return off
}

// readXids reads a count-prefixed array at off. ok is false when the array
// does not fit in buf; the returned offset is then the required end.
func readXids(buf []byte, off int) ([]xid.XID, int, bool) {
	if len(buf)-off < countSize {
		return nil, off + countSize, false
	}
	n := binary.LittleEndian.Uint64(buf[off:])
	off += countSize

	remaining := uint64(len(buf) - off)
	if n > remaining/xidSize {
		end := uint64(off) + n*xidSize
		if n > uint64(DefaultMaxFileSize) {
			end = uint64(DefaultMaxFileSize)
		}
		return nil, int(end), false
	}
	if n == 0 {
		return nil, off, true
	}

	ids := make([]xid.XID, n)
	for i := range ids {
		ids[i] = xid.XID(binary.LittleEndian.Uint32(buf[off:]))
		off += xidSize
	}
	return ids, off, true
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
