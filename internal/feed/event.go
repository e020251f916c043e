package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yndnr/logicalsnap/internal/lsn"
	"github.com/yndnr/logicalsnap/internal/snapbuild"
	"github.com/yndnr/logicalsnap/internal/xid"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindCommit             Kind = "commit"
	KindNewCid             Kind = "new_cid"
	KindRunningXacts       Kind = "running_xacts"
	KindSerializationPoint Kind = "serialization_point"
)

var (
	ErrUnknownKind = errors.New("feed: unknown event type")
	ErrMissingLSN  = errors.New("feed: event without lsn")
)

// Event is one decoded feed entry. Only the field matching Kind is set.
type Event struct {
	Kind    Kind
	LSN     lsn.LSN
	Commit  snapbuild.Commit
	NewCid  snapbuild.NewCid
	Running snapbuild.RunningXacts
}

// CommitEvent wraps c.
func CommitEvent(c snapbuild.Commit) Event {
	return Event{Kind: KindCommit, LSN: c.LSN, Commit: c}
}

// NewCidEvent wraps c.
func NewCidEvent(c snapbuild.NewCid) Event {
	return Event{Kind: KindNewCid, LSN: c.LSN, NewCid: c}
}

// RunningXactsEvent wraps r.
func RunningXactsEvent(r snapbuild.RunningXacts) Event {
	return Event{Kind: KindRunningXacts, LSN: r.LSN, Running: r}
}

// SerializationPointEvent marks l as a restart point.
func SerializationPointEvent(l lsn.LSN) Event {
	return Event{Kind: KindSerializationPoint, LSN: l}
}

type locator struct {
	Spc uint32 `json:"spc"`
	DB  uint32 `json:"db"`
	Rel uint32 `json:"rel"`
}

// record is the wire form shared by all event types.
type record struct {
	Type Kind     `json:"type"`
	LSN  *lsn.LSN `json:"lsn"`

	Xid            xid.XID   `json:"xid,omitempty"`
	Subxids        []xid.XID `json:"subxids,omitempty"`
	CatalogChanged bool      `json:"catalog_changed,omitempty"`

	TopXid   xid.XID  `json:"top_xid,omitempty"`
	Cmin     uint32   `json:"cmin,omitempty"`
	Cmax     uint32   `json:"cmax,omitempty"`
	Combocid uint32   `json:"combocid,omitempty"`
	Locator  *locator `json:"locator,omitempty"`

	Xmin xid.XID   `json:"xmin,omitempty"`
	Xmax xid.XID   `json:"xmax,omitempty"`
	Xids []xid.XID `json:"xids,omitempty"`
}

// Decode parses one JSON line.
func Decode(line []byte) (Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, fmt.Errorf("feed: decode event: %w", err)
	}
	if rec.LSN == nil {
		return Event{}, fmt.Errorf("%w: %s", ErrMissingLSN, rec.Type)
	}
	at := *rec.LSN

	switch rec.Type {
	case KindCommit:
		return CommitEvent(snapbuild.Commit{
			LSN:            at,
			Xid:            rec.Xid,
			Subxids:        rec.Subxids,
			CatalogChanged: rec.CatalogChanged,
		}), nil
	case KindNewCid:
		ev := snapbuild.NewCid{
			LSN:      at,
			Xid:      rec.Xid,
			TopXid:   rec.TopXid,
			Cmin:     rec.Cmin,
			Cmax:     rec.Cmax,
			Combocid: rec.Combocid,
		}
		if rec.Locator != nil {
			ev.Locator = snapbuild.RelFileLocator{Spc: rec.Locator.Spc, DB: rec.Locator.DB, Rel: rec.Locator.Rel}
		}
		return NewCidEvent(ev), nil
	case KindRunningXacts:
		return RunningXactsEvent(snapbuild.RunningXacts{
			LSN:  at,
			Xmin: rec.Xmin,
			Xmax: rec.Xmax,
			Xids: rec.Xids,
		}), nil
	case KindSerializationPoint:
		return SerializationPointEvent(at), nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Type)
	}
}

// Encode renders ev as one JSON line without the trailing newline.
func Encode(ev Event) ([]byte, error) {
	at := ev.LSN
	rec := record{Type: ev.Kind, LSN: &at}

	switch ev.Kind {
	case KindCommit:
		rec.Xid = ev.Commit.Xid
		rec.Subxids = ev.Commit.Subxids
		rec.CatalogChanged = ev.Commit.CatalogChanged
	case KindNewCid:
		c := ev.NewCid
		rec.Xid, rec.TopXid = c.Xid, c.TopXid
		rec.Cmin, rec.Cmax, rec.Combocid = c.Cmin, c.Cmax, c.Combocid
		if c.Locator != (snapbuild.RelFileLocator{}) {
			rec.Locator = &locator{Spc: c.Locator.Spc, DB: c.Locator.DB, Rel: c.Locator.Rel}
		}
	case KindRunningXacts:
		rec.Xmin = ev.Running.Xmin
		rec.Xmax = ev.Running.Xmax
		rec.Xids = ev.Running.Xids
	case KindSerializationPoint:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	return json.Marshal(&rec)
}
