package logger

import "context"

type contextKey string

const (
	loggerKey contextKey = "logicalsnap.logger"
	slotKey   contextKey = "logicalsnap.slot"
	feedKey   contextKey = "logicalsnap.feed"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext extracts the logger from context.
// Returns the default logger if none is set.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return Default()
}

// WithSlot records the replication slot a decoding session runs for.
func WithSlot(ctx context.Context, slot string) context.Context {
	return context.WithValue(ctx, slotKey, slot)
}

// SlotFromContext extracts the slot name from context.
func SlotFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(slotKey).(string); ok {
		return s
	}
	return ""
}

// WithFeed records the event feed being consumed.
func WithFeed(ctx context.Context, feed string) context.Context {
	return context.WithValue(ctx, feedKey, feed)
}

// FeedFromContext extracts the feed name from context.
func FeedFromContext(ctx context.Context) string {
	if f, ok := ctx.Value(feedKey).(string); ok {
		return f
	}
	return ""
}

// L is a shorthand for FromContext that also adds the slot and feed
// recorded in the context.
func L(ctx context.Context) Logger {
	l := FromContext(ctx)
	if slot := SlotFromContext(ctx); slot != "" {
		l = l.With("slot", slot)
	}
	if feed := FeedFromContext(ctx); feed != "" {
		l = l.With("feed", feed)
	}
	return l
}
