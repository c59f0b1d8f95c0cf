package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/feedbook/pkg/book"
)

// WireOrder is a resting order as listed in a snapshot.
type WireOrder struct {
	ID     string          `json:"id"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

type CreateUpdate struct {
	OrderID string          `json:"order_id"`
	Type    book.Side       `json:"type"`
	Price   decimal.Decimal `json:"price"`
	Volume  decimal.Decimal `json:"volume"`
}

type DeleteUpdate struct {
	OrderID string `json:"order_id"`
}

type TradeUpdate struct {
	Base         decimal.Decimal     `json:"base"`
	Counter      decimal.NullDecimal `json:"counter"`
	MakerOrderID string              `json:"maker_order_id"`
	TakerOrderID string              `json:"taker_order_id"`
}

type StatusUpdate struct {
	Status string `json:"status"`
}

// Message is one stream frame. The first frame of a connection carries
// Asks/Bids/Status; later frames carry the update fields.
type Message struct {
	Sequence  string `json:"sequence"`
	Timestamp int64  `json:"timestamp"`

	Asks   []WireOrder `json:"asks,omitempty"`
	Bids   []WireOrder `json:"bids,omitempty"`
	Status string      `json:"status,omitempty"`

	TradeUpdates []TradeUpdate `json:"trade_updates,omitempty"`
	CreateUpdate *CreateUpdate `json:"create_update,omitempty"`
	DeleteUpdate *DeleteUpdate `json:"delete_update,omitempty"`
	StatusUpdate *StatusUpdate `json:"status_update,omitempty"`
}

var keepAlive = []byte(`""`)

// ParseMessage decodes a frame. ok is false for keep-alive frames, which
// carry no sequence and must be ignored.
func ParseMessage(frame []byte) (msg Message, ok bool, err error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || bytes.Equal(frame, keepAlive) {
		return Message{}, false, nil
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, false, fmt.Errorf("decode frame: %w", err)
	}
	return msg, true, nil
}

func (m Message) Seq() (int64, error) {
	n, err := strconv.ParseInt(m.Sequence, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad sequence %q: %w", m.Sequence, err)
	}
	return n, nil
}

func toOrders(in []WireOrder, side book.Side) []book.Order {
	out := make([]book.Order, 0, len(in))
	for _, o := range in {
		out = append(out, book.Order{ID: o.ID, Price: o.Price, Volume: o.Volume, Side: side})
	}
	return out
}
