// Package snapbuild reconstructs catalog snapshots from a write-ahead log
// stream for logical decoding.
//
// A Builder consumes three kinds of events in log order: commits, new
// catalog command ids and periodic running-transaction probes. From them it
// decides when a snapshot that can interpret every later change first exists:
//
//	BuildingSnapshot  collecting commits, nothing can be decoded yet
//	FullSnapshot      transactions starting now can be decoded
//	Consistent        every transaction running at FullSnapshot has finished
//
// Phases only move forward. Before Consistent every commit is recorded,
// afterwards only catalog-modifying ones. The committed set is appended to
// unsorted and sorted right before a snapshot is built or serialized.
//
// At serialization points the builder writes its state through a
// snapfile.Store; a restarted builder restores the newest file for the
// position it is asked about and continues from there.
//
// A Builder is owned by a single decoding session and is not safe for
// concurrent use. Snapshots it hands out are reference counted and may be
// read concurrently by any holder.
package snapbuild
