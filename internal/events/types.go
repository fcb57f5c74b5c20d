package events

import (
	"encoding/json"
	"time"
)

// Event enumerates state-transition topics inside the engine.
type Event string

const (
	EventSignalQueued   Event = "signal.queued"
	EventEntryPromoted  Event = "entry.promoted"
	EventEntrySpreadBad Event = "entry.spread_retry"
	EventEntryExpired   Event = "entry.expired"
	EventEntryCancelled Event = "entry.cancelled"
	EventEntryFilled    Event = "entry.filled"
	EventFillRejected   Event = "fill.rejected"

	EventPartialClose    Event = "position.partial_close"
	EventStopMoved       Event = "position.stop_moved"
	EventPositionClosed  Event = "position.closed"
	EventPositionAdopted Event = "position.adopted"

	EventDrawdownTier Event = "drawdown.tier"
	EventRollover     Event = "drawdown.rollover"
	EventHalt         Event = "drawdown.halt"
	EventCloseAll     Event = "drawdown.close_all"
)

// Record is the durable form of a transition: enough to reconstruct the
// trade history without replaying the engine.
type Record struct {
	Time       time.Time       `json:"time"`
	Symbol     string          `json:"symbol"`
	Transition Event           `json:"transition"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// NewRecord marshals before/after snapshots into a Record. Marshal failures
// degrade to empty payloads; a transition must never be lost to a bad value.
func NewRecord(ts time.Time, symbol string, tr Event, before, after any, note string) Record {
	rec := Record{Time: ts, Symbol: symbol, Transition: tr, Note: note}
	if before != nil {
		if b, err := json.Marshal(before); err == nil {
			rec.Before = b
		}
	}
	if after != nil {
		if a, err := json.Marshal(after); err == nil {
			rec.After = a
		}
	}
	return rec
}
