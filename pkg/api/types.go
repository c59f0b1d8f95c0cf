package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/feedbook/pkg/book"
	"github.com/uhyunpark/feedbook/pkg/candles"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// PairInfo is one streamed market as listed by /api/v1/pairs
type PairInfo struct {
	Pair         string  `json:"pair"`
	Status       string  `json:"status"`       // session state, e.g. "LIVE"
	MarketStatus string  `json:"marketStatus"` // exchange trading status, e.g. "ACTIVE"
	Sequence     int64   `json:"sequence"`
	Intervals    []int64 `json:"intervals"` // candle intervals in seconds
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Pair      string       `json:"pair"`
	Sequence  int64        `json:"sequence"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // exchange time of the last applied message
}

// PriceLevel is the aggregate of every order resting at one price
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Orders int             `json:"orders"`
}

func toLevels(in []book.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price, Volume: l.Volume, Orders: len(l.IDs)}
	}
	return out
}

type TickerInfo struct {
	Pair      string              `json:"pair"`
	Ask       decimal.Decimal     `json:"ask"`
	Bid       decimal.Decimal     `json:"bid"`
	Spread    decimal.Decimal     `json:"spread"`
	LastTrade decimal.NullDecimal `json:"lastTrade"`
}

// TradeInfo represents a recorded trade
type TradeInfo struct {
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Counter   decimal.Decimal `json:"counter"`
	MakerID   string          `json:"makerOrderId,omitempty"`
	TakerID   string          `json:"takerOrderId,omitempty"`
}

// CandlesResponse carries the backfilled series plus the bars still forming
// from live trades after its last closed bar.
type CandlesResponse struct {
	Pair     string        `json:"pair"`
	Interval int64         `json:"interval"`
	Ready    bool          `json:"ready"`
	Candles  []candles.Bar `json:"candles"`
	Forming  []candles.Bar `json:"forming"`
}

type SeriesStatus struct {
	Interval int64 `json:"interval"`
	Bars     int   `json:"bars"`
	Ready    bool  `json:"ready"`
	Loading  bool  `json:"loading"`
}

// PairStatus is the stream health of one pair
type PairStatus struct {
	Pair          string         `json:"pair"`
	Status        string         `json:"status"`
	MarketStatus  string         `json:"marketStatus"`
	Generation    uint64         `json:"generation"`
	Sequence      int64          `json:"sequence"`
	LastMessageAt int64          `json:"lastMessageAt"`
	Subscribers   int            `json:"subscribers"` // sinks attached to the pair
	Series        []SeriesStatus `json:"series"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:XBTMYR", "candles:XBTMYR:60"]
}

// OrderbookUpdate is broadcast on every applied stream message
type OrderbookUpdate struct {
	Type      string       `json:"type"` // "orderbook"
	Pair      string       `json:"pair"`
	Sequence  int64        `json:"sequence"`
	Status    string       `json:"status,omitempty"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// CandleUpdate is broadcast when a series accepts a closed bar
type CandleUpdate struct {
	Type     string      `json:"type"` // "candle"
	Pair     string      `json:"pair"`
	Interval int64       `json:"interval"`
	Bar      candles.Bar `json:"bar"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
