// Package logger provides structured logging for the logicalsnap tools.
//
// It wraps the standard library log/slog:
//
//   - logger.go: configuration, level control and the global logger
//   - context.go: context propagation of the logger, slot and feed
//
// Components that only need a *slog.Logger receive it through Slog so that
// every line carries the same handler, level and attributes.
package logger
