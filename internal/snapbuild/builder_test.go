package snapbuild

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
	"github.com/yndnr/logicalsnap/internal/xid"
)

type recordingBuffer struct {
	phases      []Phase
	bases       map[xid.XID]*Ref
	newCids     []NewCid
	distributed []*Ref
}

func newRecordingBuffer() *recordingBuffer {
	return &recordingBuffer{bases: make(map[xid.XID]*Ref)}
}

func (r *recordingBuffer) PhaseChanged(_, to Phase, _ lsn.LSN) {
	r.phases = append(r.phases, to)
}

func (r *recordingBuffer) HasBaseSnapshot(x xid.XID) bool {
	_, ok := r.bases[x]
	return ok
}

func (r *recordingBuffer) SetBaseSnapshot(x xid.XID, _ lsn.LSN, snap *Ref) {
	r.bases[x] = snap
}

func (r *recordingBuffer) AddNewCid(ev NewCid) {
	r.newCids = append(r.newCids, ev)
}

func (r *recordingBuffer) DistributeSnapshot(_ lsn.LSN, snap *Ref) {
	r.distributed = append(r.distributed, snap)
}

type countingMetrics struct {
	nopMetrics
	serializations map[string]int
	restores       map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		serializations: make(map[string]int),
		restores:       make(map[string]int),
	}
}

func (m *countingMetrics) IncSerialization(result string) { m.serializations[result]++ }
func (m *countingMetrics) IncRestore(result string)       { m.restores[result]++ }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestBuilder(t *testing.T, opts Options) (*Builder, *recordingBuffer) {
	t.Helper()
	buf := newRecordingBuffer()
	if opts.Buffer == nil {
		opts.Buffer = buf
	}
	opts.Logger = quietLogger()
	b := New(opts)
	t.Cleanup(func() { b.Close() })
	return b, buf
}

func newTestStore(t *testing.T) *snapfile.Store {
	t.Helper()
	s, err := snapfile.NewStore(snapfile.Config{
		Dir:    filepath.Join(t.TempDir(), snapfile.DefaultDir),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func mustProbe(t *testing.T, b *Builder, r RunningXacts) {
	t.Helper()
	if err := b.ProcessRunningXacts(context.Background(), r); err != nil {
		t.Fatalf("ProcessRunningXacts(%+v): %v", r, err)
	}
}

func mustCommit(t *testing.T, b *Builder, c Commit) {
	t.Helper()
	if err := b.ProcessCommit(context.Background(), c); err != nil {
		t.Fatalf("ProcessCommit(%+v): %v", c, err)
	}
}

// reachConsistent drives a builder with horizon 100 to consistency at 20.
func reachConsistent(t *testing.T, b *Builder) {
	t.Helper()
	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 100})
	mustCommit(t, b, Commit{LSN: 20, Xid: 150})
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s, want consistent", b.Phase())
	}
}

func TestBuilder_StartsBuilding(t *testing.T) {
	b, buf := newTestBuilder(t, Options{})
	if b.Phase() != PhaseBuildingSnapshot {
		t.Fatalf("phase = %s", b.Phase())
	}
	if !reflect.DeepEqual(buf.phases, []Phase{PhaseBuildingSnapshot}) {
		t.Fatalf("phases = %v", buf.phases)
	}
	if _, err := b.GetOrBuildSnapshot(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err = %v, want ErrNoSnapshot", err)
	}
}

func TestBuilder_EmptyProbeThenCommit(t *testing.T) {
	b, buf := newTestBuilder(t, Options{InitialXminHorizon: 100})

	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 100})
	if b.Phase() != PhaseFullSnapshot {
		t.Fatalf("phase = %s, want full_snapshot", b.Phase())
	}

	mustCommit(t, b, Commit{LSN: 20, Xid: 150})
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s, want consistent", b.Phase())
	}
	if b.StartDecodingAt() != 21 {
		t.Fatalf("start decoding at = %s, want 0/15", b.StartDecodingAt())
	}
	if b.Xmin() != 100 || b.Xmax() != 151 {
		t.Fatalf("xmin/xmax = %s/%s", b.Xmin(), b.Xmax())
	}
	want := []Phase{PhaseBuildingSnapshot, PhaseFullSnapshot, PhaseConsistent}
	if !reflect.DeepEqual(buf.phases, want) {
		t.Fatalf("phases = %v, want %v", buf.phases, want)
	}
}

func TestBuilder_WaitsForInitialHorizon(t *testing.T) {
	b, _ := newTestBuilder(t, Options{InitialXminHorizon: 100})

	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 90, Xmax: 120, Xids: []xid.XID{95}})
	if b.Phase() != PhaseBuildingSnapshot {
		t.Fatalf("probe below the horizon advanced to %s", b.Phase())
	}
	mustProbe(t, b, RunningXacts{LSN: 15, Xmin: 99, Xmax: 120, Xids: []xid.XID{99}})
	if b.Phase() != PhaseBuildingSnapshot {
		t.Fatalf("probe one below the horizon advanced to %s", b.Phase())
	}

	mustProbe(t, b, RunningXacts{LSN: 20, Xmin: 100, Xmax: 120, Xids: []xid.XID{105}})
	if b.Phase() != PhaseFullSnapshot {
		t.Fatalf("phase = %s, want full_snapshot", b.Phase())
	}

	mustCommit(t, b, Commit{LSN: 25, Xid: 110})
	if b.Phase() != PhaseFullSnapshot {
		t.Fatalf("commit of a transaction not running at full snapshot made the builder %s", b.Phase())
	}
	if b.ProcessChange(105, 26) {
		t.Fatalf("change of a transaction running at full snapshot must not be decoded")
	}
	if !b.ProcessChange(111, 26) {
		t.Fatalf("change of a transaction started after full snapshot must be decoded")
	}

	mustCommit(t, b, Commit{LSN: 30, Xid: 105})
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s, want consistent", b.Phase())
	}
}

func TestBuilder_DrainByProbe(t *testing.T) {
	b, _ := newTestBuilder(t, Options{})

	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 110, Xids: []xid.XID{100, 105}})
	if b.Phase() != PhaseFullSnapshot {
		t.Fatalf("phase = %s", b.Phase())
	}
	if st := b.State(); st.NextPhaseAt != xid.Invalid {
		t.Fatalf("next phase at = %s, want invalid in catalog mode", st.NextPhaseAt)
	}

	mustProbe(t, b, RunningXacts{LSN: 20, Xmin: 105, Xmax: 112, Xids: []xid.XID{105, 111}})
	if b.Phase() != PhaseFullSnapshot {
		t.Fatalf("105 still runs, phase = %s", b.Phase())
	}

	mustProbe(t, b, RunningXacts{LSN: 30, Xmin: 111, Xmax: 112, Xids: []xid.XID{111}})
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s, want consistent", b.Phase())
	}
}

func TestBuilder_FullSnapshotMode(t *testing.T) {
	b, _ := newTestBuilder(t, Options{BuildingFullSnapshot: true})

	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 110, Xids: []xid.XID{100}})
	if st := b.State(); st.NextPhaseAt != 110 {
		t.Fatalf("next phase at = %s, want 110", st.NextPhaseAt)
	}

	mustProbe(t, b, RunningXacts{LSN: 20, Xmin: 110, Xmax: 115, Xids: []xid.XID{110}})
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s, want consistent", b.Phase())
	}
	if st := b.State(); st.NextPhaseAt != xid.Invalid {
		t.Fatalf("next phase at = %s after consistency", st.NextPhaseAt)
	}
}

func TestBuilder_ContractViolations(t *testing.T) {
	tests := []struct {
		name string
		feed func(b *Builder) error
	}{
		{
			name: "position moves backwards",
			feed: func(b *Builder) error {
				return b.ProcessCommit(context.Background(), Commit{LSN: 5, Xid: 200})
			},
		},
		{
			name: "xmax precedes xmin",
			feed: func(b *Builder) error {
				return b.ProcessRunningXacts(context.Background(), RunningXacts{LSN: 30, Xmin: 120, Xmax: 110})
			},
		},
		{
			name: "running id outside range",
			feed: func(b *Builder) error {
				return b.ProcessRunningXacts(context.Background(), RunningXacts{LSN: 30, Xmin: 100, Xmax: 110, Xids: []xid.XID{110}})
			},
		},
		{
			name: "probe xmin moves backwards",
			feed: func(b *Builder) error {
				return b.ProcessRunningXacts(context.Background(), RunningXacts{LSN: 30, Xmin: 99, Xmax: 110})
			},
		},
		{
			name: "invalid probe xmin",
			feed: func(b *Builder) error {
				return b.ProcessRunningXacts(context.Background(), RunningXacts{LSN: 30, Xmax: 110})
			},
		},
		{
			name: "commit below xmin",
			feed: func(b *Builder) error {
				return b.ProcessCommit(context.Background(), Commit{LSN: 30, Xid: 99})
			},
		},
		{
			name: "invalid commit xid",
			feed: func(b *Builder) error {
				return b.ProcessCommit(context.Background(), Commit{LSN: 30})
			},
		},
		{
			name: "invalid new cid xid",
			feed: func(b *Builder) error {
				_, err := b.ProcessNewCid(context.Background(), NewCid{LSN: 30})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBuilder(t, Options{})
			mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 105, Xids: []xid.XID{101}})
			before := b.State()

			err := tt.feed(b)
			if !errors.Is(err, ErrContractViolation) {
				t.Fatalf("err = %v, want ErrContractViolation", err)
			}
			var ce *ContractError
			if !errors.As(err, &ce) || ce.Detail == "" {
				t.Fatalf("err = %#v, want *ContractError with detail", err)
			}
			if after := b.State(); !reflect.DeepEqual(before, after) {
				t.Fatalf("state changed:\nbefore %+v\nafter  %+v", before, after)
			}

			// The builder refuses everything afterwards.
			if err := b.ProcessCommit(context.Background(), Commit{LSN: 40, Xid: 101}); !errors.Is(err, ErrContractViolation) {
				t.Fatalf("later event err = %v", err)
			}
			if b.ProcessChange(102, 40) {
				t.Fatalf("stopped builder accepted a change")
			}
			if b.Err() == nil {
				t.Fatalf("Err() = nil")
			}
		})
	}
}

func TestBuilder_Visibility(t *testing.T) {
	b, _ := newTestBuilder(t, Options{})

	mustCommit(t, b, Commit{LSN: 5, Xid: 90})
	if b.IsVisible(90, 5) {
		t.Fatalf("nothing is visible before a full snapshot")
	}
	if b.StartDecodingAt() != 6 {
		t.Fatalf("start decoding at = %s", b.StartDecodingAt())
	}

	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 100})
	if b.Committed().Contains(90) {
		t.Fatalf("commit older than xmin must be purged at full snapshot")
	}

	mustCommit(t, b, Commit{LSN: 20, Xid: 120})
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s", b.Phase())
	}
	if b.IsVisible(120, 20) {
		t.Fatalf("commit before start decoding at must not be visible")
	}
	if !b.XactNeedsSkip(20) || b.XactNeedsSkip(21) {
		t.Fatalf("skip boundary wrong, start decoding at = %s", b.StartDecodingAt())
	}

	mustCommit(t, b, Commit{LSN: 30, Xid: 130, CatalogChanged: true})
	if !b.IsVisible(130, 30) {
		t.Fatalf("catalog commit after consistency must be visible")
	}
	if !b.Committed().IncludesAll() {
		t.Fatalf("catalog commits keep all transactions tracked")
	}

	mustCommit(t, b, Commit{LSN: 40, Xid: 140})
	if b.IsVisible(140, 40) {
		t.Fatalf("non-catalog commit after consistency must not be tracked")
	}
	if b.Committed().IncludesAll() {
		t.Fatalf("includes all must flip after a skipped commit")
	}
	if b.IsVisible(999, 50) {
		t.Fatalf("unknown transaction visible")
	}
}

func TestBuilder_NewCidMarksCatalogModifying(t *testing.T) {
	b, buf := newTestBuilder(t, Options{InitialXminHorizon: 100})
	reachConsistent(t, b)
	mustCommit(t, b, Commit{LSN: 30, Xid: 151})

	queued, err := b.ProcessNewCid(context.Background(), NewCid{LSN: 40, Xid: 160})
	if err != nil || !queued {
		t.Fatalf("ProcessNewCid = %v, %v", queued, err)
	}
	if len(buf.newCids) != 1 || !buf.HasBaseSnapshot(160) {
		t.Fatalf("new cid not forwarded or no base snapshot set")
	}

	mustCommit(t, b, Commit{LSN: 50, Xid: 160})
	if !b.Committed().Contains(160) {
		t.Fatalf("transaction with a new cid must be recorded as catalog modifying")
	}
	if len(buf.distributed) != 1 {
		t.Fatalf("distributed %d snapshots, want 1", len(buf.distributed))
	}
	if !buf.distributed[0].Snapshot().XidVisible(160) {
		t.Fatalf("distributed snapshot must see 160")
	}

	if _, err := b.ProcessNewCid(context.Background(), NewCid{LSN: 60, Xid: 171, TopXid: 170}); err != nil {
		t.Fatalf("ProcessNewCid: %v", err)
	}
	if !buf.HasBaseSnapshot(170) || buf.HasBaseSnapshot(171) {
		t.Fatalf("base snapshot must be set for the top-level transaction")
	}
	if got := b.State().CatalogChanges; !reflect.DeepEqual(got, []xid.XID{170, 171}) {
		t.Fatalf("in-progress catalog changes = %v", got)
	}

	mustCommit(t, b, Commit{LSN: 70, Xid: 170, Subxids: []xid.XID{171, 172}})
	c := b.Committed()
	if !c.Contains(170) || !c.Contains(171) || c.Contains(172) {
		t.Fatalf("committed = %v, want 170 and 171 only", c.XIDs())
	}
	if b.Xmax() != 173 {
		t.Fatalf("xmax = %s, want 173", b.Xmax())
	}
	if got := b.State().CatalogChanges; len(got) != 0 {
		t.Fatalf("committed transactions still in progress: %v", got)
	}
}

func TestBuilder_ProcessChangeSetsBaseSnapshotOnce(t *testing.T) {
	b, buf := newTestBuilder(t, Options{})
	if b.ProcessChange(200, 1) {
		t.Fatalf("change decoded before full snapshot")
	}

	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 100})
	first := b.ProcessChange(200, 11)
	second := b.ProcessChange(200, 12)
	if !first || !second {
		t.Fatalf("ProcessChange = %v, %v", first, second)
	}
	ref := buf.bases[200]
	if ref == nil {
		t.Fatalf("no base snapshot")
	}
	if ref.Snapshot().Xmin() != 100 {
		t.Fatalf("base snapshot xmin = %s", ref.Snapshot().Xmin())
	}
}

func TestBuilder_PurgeOnProbe(t *testing.T) {
	b, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, BuildingFullSnapshot: true})
	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 100})
	for i, x := range []xid.XID{150, 120, 130, 110} {
		mustCommit(t, b, Commit{LSN: lsn.LSN(20 + i), Xid: x, CatalogChanged: true})
	}
	if _, err := b.ProcessNewCid(context.Background(), NewCid{LSN: 30, Xid: 115}); err != nil {
		t.Fatalf("ProcessNewCid: %v", err)
	}

	mustProbe(t, b, RunningXacts{LSN: 40, Xmin: 125, Xmax: 160})
	if b.Xmin() != 125 {
		t.Fatalf("xmin = %s", b.Xmin())
	}
	for _, x := range b.Committed().XIDs() {
		if x.Precedes(125) {
			t.Fatalf("committed still holds %s", x)
		}
	}
	if !b.Committed().Contains(130) || !b.Committed().Contains(150) {
		t.Fatalf("committed = %v", b.Committed().XIDs())
	}
	if got := b.State().CatalogChanges; len(got) != 0 {
		t.Fatalf("aborted catalog transaction not purged: %v", got)
	}
}

func TestBuilder_SnapshotFollowsHorizons(t *testing.T) {
	b, _ := newTestBuilder(t, Options{InitialXminHorizon: 100})
	reachConsistent(t, b)

	ref, err := b.GetOrBuildSnapshot()
	if err != nil {
		t.Fatalf("GetOrBuildSnapshot: %v", err)
	}
	if ref.Snapshot().Xmin() != 100 || ref.Snapshot().Xmax() != 151 {
		t.Fatalf("snapshot xmin/xmax = %s/%s", ref.Snapshot().Xmin(), ref.Snapshot().Xmax())
	}
	ref.Release()

	// Nothing is purged, only the horizons move.
	mustProbe(t, b, RunningXacts{LSN: 30, Xmin: 120, Xmax: 400})
	ref, err = b.GetOrBuildSnapshot()
	if err != nil {
		t.Fatalf("GetOrBuildSnapshot: %v", err)
	}
	defer ref.Release()
	if ref.Snapshot().Xmin() != b.Xmin() || ref.Snapshot().Xmax() != b.Xmax() {
		t.Fatalf("snapshot xmin/xmax = %s/%s, builder %s/%s",
			ref.Snapshot().Xmin(), ref.Snapshot().Xmax(), b.Xmin(), b.Xmax())
	}
	if !ref.Snapshot().XidVisible(150) {
		t.Fatalf("rebuilt snapshot lost committed 150")
	}
}

func TestBuilder_SerializeAndRestore(t *testing.T) {
	store := newTestStore(t)
	metrics := newCountingMetrics()

	a, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store, Metrics: metrics})
	reachConsistent(t, a)
	mustProbe(t, a, RunningXacts{LSN: 100, Xmin: 110, Xmax: 130, Xids: []xid.XID{120}})

	if ok, err := store.Exists(100); err != nil || !ok {
		t.Fatalf("snapshot at 100 not written: %v, %v", ok, err)
	}
	if a.LastSerialized() != 100 {
		t.Fatalf("last serialized = %s", a.LastSerialized())
	}
	mustProbe(t, a, RunningXacts{LSN: 100, Xmin: 110, Xmax: 130, Xids: []xid.XID{120}})
	if metrics.serializations["ok"] != 1 || metrics.serializations["skipped"] != 1 {
		t.Fatalf("serializations = %v", metrics.serializations)
	}

	b, buf := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store, Metrics: metrics})
	mustProbe(t, b, RunningXacts{LSN: 100, Xmin: 110, Xmax: 130, Xids: []xid.XID{120}})
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s, want consistent after restore", b.Phase())
	}
	if !reflect.DeepEqual(buf.phases, []Phase{PhaseBuildingSnapshot, PhaseConsistent}) {
		t.Fatalf("phases = %v", buf.phases)
	}
	if b.Xmin() != 110 || b.Xmax() != 151 {
		t.Fatalf("xmin/xmax = %s/%s", b.Xmin(), b.Xmax())
	}
	if !reflect.DeepEqual(b.Committed().XIDs(), []xid.XID{150}) {
		t.Fatalf("committed = %v", b.Committed().XIDs())
	}
	if metrics.restores["ok"] != 1 {
		t.Fatalf("restores = %v", metrics.restores)
	}

	// Writing the restored state again reproduces the file.
	orig, err := os.ReadFile(store.Path(100))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	st := b.State()
	st.LastSerialized = 100
	again, err := snapfile.Encode(st)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(orig, again) {
		t.Fatalf("re-encoded restored state differs from the file")
	}
}

func TestBuilder_RestoreRaisesXminFloor(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Write(25, &snapfile.State{Phase: int32(PhaseConsistent), Xmin: 200, Xmax: 210}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b, _ := newTestBuilder(t, Options{Store: store})
	mustProbe(t, b, RunningXacts{LSN: 10, Xmin: 100, Xmax: 100})
	if err := b.SerializationPoint(context.Background(), 25); err != nil {
		t.Fatalf("SerializationPoint: %v", err)
	}
	if b.Phase() != PhaseConsistent || b.Xmin() != 200 {
		t.Fatalf("after restore phase = %s, xmin = %s", b.Phase(), b.Xmin())
	}

	err := b.ProcessRunningXacts(context.Background(), RunningXacts{LSN: 30, Xmin: 150, Xmax: 220})
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("probe below restored xmin err = %v, want ErrContractViolation", err)
	}
	if b.Xmin() != 200 {
		t.Fatalf("xmin moved from 200 to %s", b.Xmin())
	}
}

func TestBuilder_RestoreSkippedInCreationModes(t *testing.T) {
	store := newTestStore(t)
	a, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store})
	reachConsistent(t, a)
	mustProbe(t, a, RunningXacts{LSN: 100, Xmin: 110, Xmax: 130, Xids: []xid.XID{120}})

	for _, opts := range []Options{
		{InitialXminHorizon: 100, Store: store, BuildingFullSnapshot: true},
		{InitialXminHorizon: 100, Store: store, InSlotCreation: true},
	} {
		b, _ := newTestBuilder(t, opts)
		mustProbe(t, b, RunningXacts{LSN: 100, Xmin: 110, Xmax: 130, Xids: []xid.XID{120}})
		if b.Phase() != PhaseFullSnapshot {
			t.Fatalf("%+v: phase = %s, want full_snapshot", opts, b.Phase())
		}
	}
}

func TestBuilder_InSlotCreationNeverSerializes(t *testing.T) {
	store := newTestStore(t)
	b, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store, InSlotCreation: true})
	reachConsistent(t, b)
	mustProbe(t, b, RunningXacts{LSN: 100, Xmin: 110, Xmax: 130})
	if err := b.SerializationPoint(context.Background(), 110); err != nil {
		t.Fatalf("SerializationPoint: %v", err)
	}
	if n := len(store.List()); n != 0 {
		t.Fatalf("%d files written during slot creation", n)
	}
}

func TestBuilder_CorruptFileLeavesStateUntouched(t *testing.T) {
	store := newTestStore(t)
	a, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store})
	reachConsistent(t, a)
	mustProbe(t, a, RunningXacts{LSN: 100, Xmin: 110, Xmax: 130, Xids: []xid.XID{120}})

	path := store.Path(100)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[4] ^= 0xFF
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store})
	before := b.State()
	err = b.ProcessRunningXacts(context.Background(), RunningXacts{LSN: 100, Xmin: 110, Xmax: 130, Xids: []xid.XID{120}})
	if !errors.Is(err, snapfile.ErrCorrupted) || !errors.Is(err, snapfile.ErrChecksumMismatch) {
		t.Fatalf("err = %v, want checksum corruption", err)
	}
	if after := b.State(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed by failed restore:\nbefore %+v\nafter  %+v", before, after)
	}
	if b.Err() != nil {
		t.Fatalf("corruption must not be treated as a contract violation")
	}
}

func TestBuilder_SerializationPoint(t *testing.T) {
	store := newTestStore(t)
	a, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store})
	reachConsistent(t, a)
	if err := a.SerializationPoint(context.Background(), 200); err != nil {
		t.Fatalf("SerializationPoint: %v", err)
	}
	if ok, _ := store.Exists(200); !ok {
		t.Fatalf("consistent builder did not serialize")
	}

	b, _ := newTestBuilder(t, Options{Store: store})
	if err := b.SerializationPoint(context.Background(), 150); err != nil {
		t.Fatalf("SerializationPoint: %v", err)
	}
	if b.Phase() != PhaseBuildingSnapshot {
		t.Fatalf("restored from a position without a file")
	}
	if err := b.SerializationPoint(context.Background(), 200); err != nil {
		t.Fatalf("SerializationPoint: %v", err)
	}
	if b.Phase() != PhaseConsistent {
		t.Fatalf("phase = %s, want consistent", b.Phase())
	}
}

func TestBuilder_SerializeExistingFile(t *testing.T) {
	store := newTestStore(t)
	pre := &snapfile.State{Phase: int32(PhaseConsistent), Xmin: 1, Xmax: 2}
	if _, err := store.Write(300, pre); err != nil {
		t.Fatalf("Write: %v", err)
	}
	metrics := newCountingMetrics()

	b, _ := newTestBuilder(t, Options{InitialXminHorizon: 100, Store: store, Metrics: metrics})
	reachConsistent(t, b)
	if err := b.SerializationPoint(context.Background(), 300); err != nil {
		t.Fatalf("SerializationPoint: %v", err)
	}
	if b.LastSerialized() != 300 || metrics.serializations["exists"] != 1 {
		t.Fatalf("last serialized = %s, serializations = %v", b.LastSerialized(), metrics.serializations)
	}
	od, err := store.Read(300)
	if err != nil || od.State.Xmin != 1 {
		t.Fatalf("existing file replaced: %+v, %v", od, err)
	}
}

func TestBuilder_TwoPhaseAt(t *testing.T) {
	b, _ := newTestBuilder(t, Options{})
	if err := b.SetTwoPhaseAt(50); err != nil {
		t.Fatalf("SetTwoPhaseAt: %v", err)
	}
	if err := b.SetTwoPhaseAt(50); err != nil {
		t.Fatalf("setting the same position again: %v", err)
	}
	for _, l := range []lsn.LSN{40, 60} {
		if err := b.SetTwoPhaseAt(l); !errors.Is(err, ErrTwoPhaseAt) {
			t.Fatalf("SetTwoPhaseAt(%s) = %v", l, err)
		}
	}
	if b.TwoPhaseAt() != 50 {
		t.Fatalf("two phase at = %s", b.TwoPhaseAt())
	}
}

func TestBuilder_Close(t *testing.T) {
	b := New(Options{InitialXminHorizon: 100, Logger: quietLogger()})
	reachConsistent(t, b)

	ref, err := b.GetOrBuildSnapshot()
	if err != nil {
		t.Fatalf("GetOrBuildSnapshot: %v", err)
	}
	if ref.Snapshot().RefCount() != 2 {
		t.Fatalf("refs = %d, want builder's and caller's", ref.Snapshot().RefCount())
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ref.Snapshot().RefCount() != 1 {
		t.Fatalf("refs after close = %d", ref.Snapshot().RefCount())
	}
	ref.Release()

	if _, err := b.GetOrBuildSnapshot(); !errors.Is(err, ErrClosed) {
		t.Fatalf("GetOrBuildSnapshot after close = %v", err)
	}
	if err := b.ProcessCommit(context.Background(), Commit{LSN: 30, Xid: 160}); !errors.Is(err, ErrClosed) {
		t.Fatalf("ProcessCommit after close = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// randomFeed produces a well-formed event stream.
func randomFeed(seed int64, n int) []any {
	rng := rand.New(rand.NewSource(seed))
	next := xid.XID(100)
	var running []xid.XID
	var events []any
	pos := lsn.LSN(0)

	for i := 0; i < n; i++ {
		pos += lsn.LSN(1 + rng.Intn(3))
		switch op := rng.Intn(10); {
		case op < 3:
			running = append(running, next)
			next++
		case op < 6 && len(running) > 0:
			k := rng.Intn(len(running))
			x := running[k]
			running = append(running[:k], running[k+1:]...)
			events = append(events, Commit{LSN: pos, Xid: x, CatalogChanged: rng.Intn(4) == 0})
		case op < 7 && len(running) > 0:
			events = append(events, NewCid{LSN: pos, Xid: running[rng.Intn(len(running))]})
		default:
			xmin := next
			for _, x := range running {
				if x.Precedes(xmin) {
					xmin = x
				}
			}
			ids := make([]xid.XID, len(running))
			copy(ids, running)
			events = append(events, RunningXacts{LSN: pos, Xmin: xmin, Xmax: next, Xids: ids})
		}
	}
	return events
}

func apply(t *testing.T, b *Builder, ev any) {
	t.Helper()
	ctx := context.Background()
	var err error
	switch e := ev.(type) {
	case Commit:
		err = b.ProcessCommit(ctx, e)
	case NewCid:
		_, err = b.ProcessNewCid(ctx, e)
	case RunningXacts:
		err = b.ProcessRunningXacts(ctx, e)
	}
	if err != nil {
		t.Fatalf("apply %+v: %v", ev, err)
	}
}

func TestBuilder_RandomFeedMonotonic(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		b, _ := newTestBuilder(t, Options{})
		phase, xmin, xmax := b.Phase(), b.Xmin(), b.Xmax()

		for _, ev := range randomFeed(seed, 300) {
			apply(t, b, ev)
			if b.Phase() < phase {
				t.Fatalf("seed %d: phase went from %s to %s", seed, phase, b.Phase())
			}
			if xmin.IsValid() && b.Xmin().Precedes(xmin) {
				t.Fatalf("seed %d: xmin went from %s to %s", seed, xmin, b.Xmin())
			}
			if xmax.IsValid() && b.Xmax().Precedes(xmax) {
				t.Fatalf("seed %d: xmax went from %s to %s", seed, xmax, b.Xmax())
			}
			if b.Xmin().IsValid() && b.Xmax().Precedes(b.Xmin()) {
				t.Fatalf("seed %d: xmax %s precedes xmin %s", seed, b.Xmax(), b.Xmin())
			}
			phase, xmin, xmax = b.Phase(), b.Xmin(), b.Xmax()
		}
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	feed := randomFeed(42, 400)

	encode := func() []byte {
		b, _ := newTestBuilder(t, Options{})
		for _, ev := range feed {
			apply(t, b, ev)
		}
		data, err := snapfile.Encode(b.State())
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		return data
	}

	if !bytes.Equal(encode(), encode()) {
		t.Fatalf("same feed produced different serialized state")
	}
}
