package db

import "time"

// PayloadRow is a snapshot record: the ID plus its JSON payload. Decoding
// happens in the state layer so one corrupt payload never aborts a load.
type PayloadRow struct {
	ID      string
	Symbol  string
	Payload string
}

// TradeRow is an archived closed trade.
type TradeRow struct {
	ID           string
	PositionID   string
	Symbol       string
	Direction    string
	EntryPrice   float64
	ExitPrice    float64
	OriginalSize float64
	RealizedPnL  float64
	OpenedAt     time.Time
	ClosedAt     time.Time
	Reason       string
}

// EventRow is one record of the structured transition log.
type EventRow struct {
	ID         int64
	Time       time.Time
	Symbol     string
	Transition string
	Before     string
	After      string
	Note       string
}
