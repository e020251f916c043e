// Package snapfile implements the on-disk format of serialized snapshot builder state.
package snapfile

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors. A *CorruptionError matches ErrCorrupted and the
// sentinel of its field.
var (
	ErrCorrupted          = errors.New("snapfile: data corrupted")
	ErrInvalidMagic       = errors.New("snapfile: wrong magic number")
	ErrUnsupportedVersion = errors.New("snapfile: unsupported version")
	ErrChecksumMismatch   = errors.New("snapfile: checksum mismatch")
	ErrTruncated          = errors.New("snapfile: truncated file")
	ErrLengthMismatch     = errors.New("snapfile: length mismatch")
	ErrUnsorted           = errors.New("snapfile: catalog change array not sorted")

	ErrNotFound          = errors.New("snapfile: snapshot file not found")
	ErrExists            = errors.New("snapfile: snapshot file already exists")
	ErrResourceExhausted = errors.New("snapfile: snapshot too large")
)

// Corruption fields.
const (
	FieldMagic     = "magic"
	FieldVersion   = "version"
	FieldChecksum  = "checksum"
	FieldRead      = "read"
	FieldLength    = "length"
	FieldCatchange = "catchange"
)

// CorruptionError describes a snapshot file that failed validation.
type CorruptionError struct {
	Path     string
	Field    string
	Expected uint64
	Actual   uint64
}

func (e *CorruptionError) Error() string {
	switch e.Field {
	case FieldMagic:
		return fmt.Sprintf("snapbuild state file %q has wrong magic number: %d instead of %d",
			e.Path, e.Actual, e.Expected)
	case FieldVersion:
		return fmt.Sprintf("snapbuild state file %q has unsupported version: %d instead of %d",
			e.Path, e.Actual, e.Expected)
	case FieldChecksum:
		return fmt.Sprintf("checksum mismatch for snapbuild state file %q: is %d, should be %d",
			e.Path, e.Actual, e.Expected)
	case FieldRead:
		return fmt.Sprintf("could not read file %q: read %d of %d", e.Path, e.Actual, e.Expected)
	case FieldLength:
		return fmt.Sprintf("snapbuild state file %q has wrong length: %d instead of %d",
			e.Path, e.Actual, e.Expected)
	case FieldCatchange:
		return fmt.Sprintf("snapbuild state file %q has unsorted catalog change array at index %d",
			e.Path, e.Actual)
	default:
		return fmt.Sprintf("snapbuild state file %q is corrupted (%s)", e.Path, e.Field)
	}
}

// Unwrap exposes ErrCorrupted plus the field specific sentinel.
func (e *CorruptionError) Unwrap() []error {
	errs := []error{ErrCorrupted}
	switch e.Field {
	case FieldMagic:
		errs = append(errs, ErrInvalidMagic)
	case FieldVersion:
		errs = append(errs, ErrUnsupportedVersion)
	case FieldChecksum:
		errs = append(errs, ErrChecksumMismatch)
	case FieldRead:
		errs = append(errs, ErrTruncated)
	case FieldLength:
		errs = append(errs, ErrLengthMismatch)
	case FieldCatchange:
		errs = append(errs, ErrUnsorted)
	}
	return errs
}

// IOError wraps a file system failure with the operation and path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("could not %s file %q: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports a missing file as ErrNotFound.
func (e *IOError) Is(target error) bool {
	return target == ErrNotFound && errors.Is(e.Err, fs.ErrNotExist)
}
