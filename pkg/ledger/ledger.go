// Package ledger keeps the trade history of one pair, bucketed by second.
package ledger

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/feedbook/pkg/storage"
	"github.com/uhyunpark/feedbook/pkg/util"
)

// Trade is an executed trade. Timestamp is unix ms as received.
type Trade struct {
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Counter   decimal.Decimal `json:"counter"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// Bucket truncates a unix ms timestamp to its second.
func Bucket(ts int64) int64 {
	b := ts / 1000 * 1000
	if ts < 0 && ts%1000 != 0 {
		b -= 1000
	}
	return b
}

// Ledger appends trades to a TradeStore and tracks the watermark, the
// bucket of the most recently recorded trade.
//
// Record is called from a single session goroutine; reads are safe from
// any goroutine.
type Ledger struct {
	pair      string
	store     *storage.TradeStore
	watermark atomic.Int64
	log       *zap.SugaredLogger
}

func New(pair string, store *storage.TradeStore, log *zap.SugaredLogger) *Ledger {
	l := &Ledger{pair: pair, store: store, log: util.OrNop(log)}
	l.watermark.Store(-1)
	return l
}

func (l *Ledger) Pair() string { return l.pair }

// Record appends a trade. A zero counter (Valid == false) is computed as
// price*volume.
func (l *Ledger) Record(ts int64, price, volume decimal.Decimal, counter decimal.NullDecimal, meta map[string]any) (Trade, error) {
	t := Trade{
		Timestamp: ts,
		Price:     price,
		Volume:    volume,
		Counter:   counter.Decimal,
		Meta:      meta,
	}
	if !counter.Valid {
		t.Counter = price.Mul(volume)
	}
	bucket := Bucket(ts)
	if err := l.store.Append(l.pair, bucket, t); err != nil {
		return Trade{}, fmt.Errorf("record trade for %s: %w", l.pair, err)
	}
	l.watermark.Store(bucket)
	return t, nil
}

// Watermark returns the bucket of the last recorded trade.
func (l *Ledger) Watermark() (int64, bool) {
	w := l.watermark.Load()
	return w, w >= 0
}

// ResetWatermark forgets the watermark; history stays.
func (l *Ledger) ResetWatermark() { l.watermark.Store(-1) }

// Last returns the most recent trade at the watermark second.
func (l *Ledger) Last() (Trade, bool) {
	w, ok := l.Watermark()
	if !ok {
		return Trade{}, false
	}
	trades, err := l.scan(w, w)
	if err != nil {
		l.log.Warnw("ledger_read_failed", "pair", l.pair, "bucket", w, "err", err)
		return Trade{}, false
	}
	if len(trades) == 0 {
		return Trade{}, false
	}
	return trades[len(trades)-1], true
}

// Since returns trades from buckets strictly after sinceMs up to the
// watermark, oldest first.
func (l *Ledger) Since(sinceMs int64) ([]Trade, error) {
	w, ok := l.Watermark()
	if !ok {
		return nil, nil
	}
	from := Bucket(sinceMs) + 1000
	return l.scan(from, w)
}

// All returns every stored trade, oldest first.
func (l *Ledger) All() ([]Trade, error) { return l.scan(0, math.MaxInt64) }

func (l *Ledger) scan(from, to int64) ([]Trade, error) {
	var out []Trade
	err := l.store.Scan(l.pair, from, to, func(_ int64, dec storage.Decoder) error {
		var t Trade
		if err := dec(&t); err != nil {
			return fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, t)
		return nil
	})
	return out, err
}
