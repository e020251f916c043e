package feed

import (
	"context"
	"fmt"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/snapbuild"
)

// Builder consumes events. *snapbuild.Builder implements it.
type Builder interface {
	ProcessCommit(ctx context.Context, c snapbuild.Commit) error
	ProcessNewCid(ctx context.Context, c snapbuild.NewCid) (bool, error)
	ProcessRunningXacts(ctx context.Context, r snapbuild.RunningXacts) error
	SerializationPoint(ctx context.Context, l lsn.LSN) error
}

// Apply dispatches ev to b.
func Apply(ctx context.Context, b Builder, ev Event) error {
	switch ev.Kind {
	case KindCommit:
		return b.ProcessCommit(ctx, ev.Commit)
	case KindNewCid:
		_, err := b.ProcessNewCid(ctx, ev.NewCid)
		return err
	case KindRunningXacts:
		return b.ProcessRunningXacts(ctx, ev.Running)
	case KindSerializationPoint:
		return b.SerializationPoint(ctx, ev.LSN)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
}
