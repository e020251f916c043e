// Package command defines the snapinspect commands.
//
// snapinspect reads a snapshot directory written by snapreplay (or by any
// producer of the same file format) and can list, decode, verify and prune
// the files in it. Every command that prints data honours the global
// --output and --wide flags.
package command
