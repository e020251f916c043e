package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/yndnr/logicalsnap/internal/config"
	"github.com/yndnr/logicalsnap/internal/feed"
	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/snapbuild"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
	"github.com/yndnr/logicalsnap/internal/telemetry/logger"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// StdinFeed is the feed name that reads events from standard input.
const StdinFeed = "-"

// Result summarizes a replay.
type Result struct {
	Slot            string                  `json:"slot" yaml:"slot"`
	Events          int                     `json:"events" yaml:"events"`
	Phase           string                  `json:"phase" yaml:"phase"`
	Xmin            xid.XID                 `json:"xmin" yaml:"xmin"`
	Xmax            xid.XID                 `json:"xmax" yaml:"xmax"`
	StartDecodingAt lsn.LSN                 `json:"start_decoding_at" yaml:"start_decoding_at"`
	ConsistentAt    lsn.LSN                 `json:"consistent_at" yaml:"consistent_at"`
	LastSerialized  lsn.LSN                 `json:"last_serialized" yaml:"last_serialized"`
	Committed       int                     `json:"committed" yaml:"committed"`
	Exported        string                  `json:"exported,omitempty" yaml:"exported,omitempty"`
	Snapshot        *snapbuild.MVCCSnapshot `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

// Runner replays one feed into one builder.
type Runner struct {
	cfg     *config.Config
	store   *snapfile.Store
	buffer  *Buffer
	builder *snapbuild.Builder
	logger  logger.Logger

	events   int
	exported bool
}

// New creates a runner. metrics may be nil.
func New(cfg *config.Config, store *snapfile.Store, metrics snapbuild.Metrics, log logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	slotLog := log.With("slot", cfg.Replay.Slot)
	buffer := NewBuffer(slotLog)

	opts := snapbuild.Options{
		InitialXminHorizon:   cfg.Builder.InitialXminHorizon,
		StartDecodingAt:      cfg.Builder.StartDecodingAt,
		TwoPhaseAt:           cfg.Builder.TwoPhaseAt,
		BuildingFullSnapshot: cfg.Builder.BuildingFullSnapshot,
		InSlotCreation:       cfg.Builder.InSlotCreation,
		MaxExportXids:        cfg.Builder.MaxExportXids,
		Buffer:               buffer,
		Metrics:              metrics,
		Logger:               slotLog.Slog(),
	}
	if store != nil {
		opts.Store = store
	}

	return &Runner{
		cfg:     cfg,
		store:   store,
		buffer:  buffer,
		builder: snapbuild.New(opts),
		logger:  log,
	}
}

// Builder returns the runner's builder.
func (r *Runner) Builder() *snapbuild.Builder {
	return r.builder
}

// Buffer returns the runner's change buffer.
func (r *Runner) Buffer() *Buffer {
	return r.buffer
}

// Run replays the configured feed. With follow enabled it keeps waiting
// for appended events until ctx is cancelled, which is not an error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	ctx = logger.WithLogger(ctx, r.logger)
	ctx = logger.WithFeed(logger.WithSlot(ctx, r.cfg.Replay.Slot), r.cfg.Replay.Feed)
	log := logger.L(ctx)
	log.Info("replaying feed", "follow", r.cfg.Replay.Follow)

	var err error
	switch {
	case r.cfg.Replay.Feed == StdinFeed:
		_, err = feed.ReadAll(ctx, os.Stdin, r.Handle)
	case r.cfg.Replay.Follow:
		_, err = feed.Follow(ctx, r.cfg.Replay.Feed, r.Handle)
	default:
		var f *os.File
		f, err = os.Open(r.cfg.Replay.Feed)
		if err != nil {
			return nil, fmt.Errorf("open feed: %w", err)
		}
		defer f.Close()
		_, err = feed.ReadAll(ctx, f, r.Handle)
	}

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	res := r.Result()
	if err != nil {
		log.Error("replay stopped", "events", r.events, "error", err)
		return res, err
	}
	log.Info("replay finished",
		"events", r.events,
		"phase", res.Phase,
		"last_serialized", res.LastSerialized.String())
	return res, nil
}

// ReadFrom replays every event in rd.
func (r *Runner) ReadFrom(ctx context.Context, rd io.Reader) (*Result, error) {
	_, err := feed.ReadAll(ctx, rd, r.Handle)
	return r.Result(), err
}

// Handle applies one event and runs the follow-up work it triggers.
func (r *Runner) Handle(ctx context.Context, ev feed.Event) error {
	if err := feed.Apply(ctx, r.builder, ev); err != nil {
		return fmt.Errorf("event %d (%s at %s): %w", r.events+1, ev.Kind, ev.LSN, err)
	}
	r.events++

	switch ev.Kind {
	case feed.KindCommit:
		r.buffer.Finish(ev.Commit.Xid)
	case feed.KindRunningXacts:
		if n := r.buffer.ReleaseOlderThan(ev.Running.Xmin); n > 0 {
			logger.L(ctx).Debug("released base snapshots of ended transactions",
				"count", n,
				"xmin", ev.Running.Xmin.String())
		}
	case feed.KindSerializationPoint:
		r.prune(ctx)
	}
	if r.cfg.Replay.Export && !r.exported && r.builder.Phase() == snapbuild.PhaseConsistent {
		r.export(ctx)
	}
	return nil
}

func (r *Runner) prune(ctx context.Context) {
	if r.store == nil || r.cfg.Store.KeepFiles <= 0 {
		return
	}
	if _, err := r.store.KeepNewest(r.cfg.Store.KeepFiles); err != nil {
		logger.L(ctx).Warn("failed to remove old snapshot files", "error", err)
	}
}

// export is attempted once. A builder that did not track every
// transaction can never export, so the failure is only logged.
func (r *Runner) export(ctx context.Context) {
	r.exported = true
	name, err := r.builder.ExportSnapshot()
	if err != nil {
		logger.L(ctx).Warn("cannot export initial snapshot", "error", err)
		return
	}
	logger.L(ctx).Info("initial snapshot exported", "name", name)
}

// Result reports the current replay state.
func (r *Runner) Result() *Result {
	b := r.builder
	res := &Result{
		Slot:            r.cfg.Replay.Slot,
		Events:          r.events,
		Phase:           b.Phase().String(),
		Xmin:            b.Xmin(),
		Xmax:            b.Xmax(),
		StartDecodingAt: b.StartDecodingAt(),
		ConsistentAt:    r.buffer.ConsistentAt(),
		LastSerialized:  b.LastSerialized(),
		Committed:       b.Committed().Len(),
	}
	if name, snap, ok := b.ExportedSnapshot(); ok {
		res.Exported = name
		res.Snapshot = snap
	}
	return res
}

// Close releases the builder and every reference the buffer holds.
func (r *Runner) Close() error {
	err := r.builder.Close()
	r.buffer.Close()
	return err
}
