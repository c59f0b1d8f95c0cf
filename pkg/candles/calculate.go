// Package candles aggregates trades into fixed-interval OHLCV bars and keeps
// contiguous bar series per interval.
package candles

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/feedbook/pkg/ledger"
)

// Bar is one OHLCV candle. Timestamp is the bucket start in unix ms.
type Bar struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	Close     decimal.Decimal `json:"close"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
}

// Calculate folds trades into bars of interval seconds. Buckets without
// trades produce no bar. The input slice is not modified.
func Calculate(trades []ledger.Trade, interval int64) []Bar {
	if len(trades) == 0 || interval <= 0 {
		return []Bar{}
	}
	sorted := make([]ledger.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	width := interval * 1000
	bars := make([]Bar, 0, 4)
	for _, t := range sorted {
		bucket := floorDiv(t.Timestamp, width) * width
		if n := len(bars); n > 0 && bars[n-1].Timestamp == bucket {
			b := &bars[n-1]
			b.Close = t.Price
			b.Volume = b.Volume.Add(t.Volume)
			if t.Price.GreaterThan(b.High) {
				b.High = t.Price
			}
			if t.Price.LessThan(b.Low) {
				b.Low = t.Price
			}
			continue
		}
		bars = append(bars, Bar{
			Timestamp: bucket,
			Open:      t.Price,
			Close:     t.Price,
			High:      t.Price,
			Low:       t.Price,
			Volume:    t.Volume,
		})
	}
	return bars
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
