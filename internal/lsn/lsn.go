// Package lsn defines write-ahead log positions.
//
// A position is a 64-bit byte offset into the log. Its text form splits the
// value into two 32-bit hexadecimal halves ("16/B374D848"), and serialized
// snapshot files are named after it ("16-B374D848.snap").
package lsn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LSN is a log sequence number.
type LSN uint64

// Invalid is the zero position.
const Invalid LSN = 0

// FileExtension is the suffix of serialized snapshot files.
const FileExtension = ".snap"

// ErrMalformed is returned for text that is not a log position.
var ErrMalformed = errors.New("lsn: malformed log position")

// IsValid reports whether l is not Invalid.
func (l LSN) IsValid() bool {
	return l != Invalid
}

// Hi returns the upper 32 bits.
func (l LSN) Hi() uint32 {
	return uint32(l >> 32)
}

// Lo returns the lower 32 bits.
func (l LSN) Lo() uint32 {
	return uint32(l)
}

// String formats l as "HI/LO".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", l.Hi(), l.Lo())
}

// FileName returns the snapshot file name for l.
func (l LSN) FileName() string {
	return fmt.Sprintf("%X-%X%s", l.Hi(), l.Lo(), FileExtension)
}

// MarshalText implements encoding.TextMarshaler.
func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LSN) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Parse parses the "HI/LO" form.
func Parse(s string) (LSN, error) {
	return parseHalves(s, "/")
}

// ParseFileName parses a snapshot file name produced by FileName.
func ParseFileName(name string) (LSN, error) {
	if !strings.HasSuffix(name, FileExtension) {
		return Invalid, fmt.Errorf("%w: %q", ErrMalformed, name)
	}
	return parseHalves(strings.TrimSuffix(name, FileExtension), "-")
}

func parseHalves(s, sep string) (LSN, error) {
	hiStr, loStr, ok := strings.Cut(s, sep)
	if !ok || hiStr == "" || loStr == "" {
		return Invalid, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	hi, err := strconv.ParseUint(hiStr, 16, 32)
	if err != nil {
		return Invalid, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	lo, err := strconv.ParseUint(loStr, 16, 32)
	if err != nil {
		return Invalid, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return LSN(hi<<32 | lo), nil
}
