// Package xid defines transaction identifiers as seen by logical decoding.
//
// Transaction ids are 32-bit counters that wrap around. Ordering between two
// normal ids is therefore modular: an id precedes another when the signed
// distance between them is negative. The special ids (invalid, bootstrap,
// frozen) are compared numerically and always sort before normal ids.
//
//	0        Invalid
//	1        Bootstrap
//	2        Frozen
//	3..2^32  normal ids, wrapping back to 3
package xid
