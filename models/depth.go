package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Side classifies an order entry as ask (sell) or bid (buy).
type Side string

const (
	SideAsk Side = "ask"
	SideBid Side = "bid"
)

// RawFeedMessage is a single frame received from the depth feed. Payload is
// left undecoded so that the decoder owns validation.
type RawFeedMessage struct {
	Exchange   string
	Payload    []byte
	ReceivedAt time.Time
}

// OrderEntry is one price level reported for one side of the book.
type OrderEntry struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthUpdate is the validated payload of a depth message.
type DepthUpdate struct {
	Symbol        string
	EventTime     int64
	FirstUpdateID int64
	FinalUpdateID int64
	Asks          []OrderEntry
	Bids          []OrderEntry
	ReceivedAt    time.Time
}

// EntryCount returns the number of ask and bid entries in the update.
func (u DepthUpdate) EntryCount() int {
	return len(u.Asks) + len(u.Bids)
}

// NormalizedRecord is the unit of persistence: one price-per-unit observation.
// The write timestamp is assigned by the store.
type NormalizedRecord struct {
	PricePerUnit decimal.Decimal
	Side         Side
	Symbol       string
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceDepthEnvelope mirrors a combined-stream frame. Error frames carry an
// "error" object, or an "e" marker at the top level, instead of data.
type BinanceDepthEnvelope struct {
	Stream string            `json:"stream,omitempty"`
	Error  json.RawMessage   `json:"error,omitempty"`
	Event  json.RawMessage   `json:"e,omitempty"`
	Data   *BinanceDepthData `json:"data,omitempty"`
}

// BinanceDepthData mirrors Binance's depthUpdate event. Levels are
// [price, quantity] pairs of decimal strings. The symbol arrives as "s" on the
// exchange stream and as "symbol" from relays that spell it out. Nil level
// lists mean the key was absent.
type BinanceDepthData struct {
	Event         string      `json:"e"`
	Time          int64       `json:"E"`
	Symbol        string      `json:"s,omitempty"`
	SymbolName    string      `json:"symbol,omitempty"`
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	Bids          *[][]string `json:"b"`
	Asks          *[][]string `json:"a"`
}

// SymbolOrName returns "symbol" when present and falls back to "s".
func (d *BinanceDepthData) SymbolOrName() string {
	if d.SymbolName != "" {
		return d.SymbolName
	}
	return d.Symbol
}
