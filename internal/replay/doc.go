// Package replay drives a snapshot builder from a recorded event feed.
//
// A Runner owns one builder, its snapshot store and a change buffer that
// keeps the snapshot references a decoder would hold. It applies feed
// events in order, prunes old snapshot files after every serialization
// point and, when asked to, exports the initial snapshot as soon as the
// builder becomes consistent.
package replay
