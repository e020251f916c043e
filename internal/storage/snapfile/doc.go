// Package snapfile implements the on-disk format of serialized snapshot
// builder state and the directory that holds those files.
//
// Each file captures the builder at one log position and is named after it:
//
//	<hi>-<lo>.snap
//	[magic:4][checksum:4][version:4][length:4]   constant header
//	[state block:64]                             fixed-size builder fields
//	[committed_count:8][committed xids:4*n]
//	[catchange_count:8][catchange xids:4*m]
//
// All integers are little-endian. The checksum is CRC-32C over every byte
// following the checksum field. Length counts the bytes after the constant
// header.
//
// Decode is the only validating reader. The builder uses it when restoring
// after a restart and the inspection tool uses it to report file contents,
// so both reject exactly the same files:
//
//  1. wrong magic number
//  2. unsupported version (no cross-version compatibility)
//  3. checksum mismatch
//  4. length or trailing-byte mismatch
//  5. catalog-change array not strictly ascending
//
// Files are written once via a temporary file, fsync and rename, and are
// never overwritten in place.
package snapfile
