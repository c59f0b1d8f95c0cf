package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/feedbook/pkg/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, pair string) *Ledger {
	t.Helper()
	store, err := storage.NewTradeStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(pair, store, nil)
}

func TestBucket(t *testing.T) {
	tests := []struct {
		ts   int64
		want int64
	}{
		{ts: 0, want: 0},
		{ts: 999, want: 0},
		{ts: 1000, want: 1000},
		{ts: 1651376760500, want: 1651376760000},
		{ts: -1, want: -1000},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Bucket(tt.ts), "ts=%d", tt.ts)
	}
}

func TestRecord_ComputesCounter(t *testing.T) {
	l := newTestLedger(t, "XBTMYR")

	tr, err := l.Record(1500, d("0.1"), d("3"), decimal.NullDecimal{}, nil)
	require.NoError(t, err)
	require.True(t, tr.Counter.Equal(d("0.3")))

	tr, err = l.Record(1600, d("10"), d("2"), decimal.NewNullDecimal(d("19.5")), nil)
	require.NoError(t, err)
	require.True(t, tr.Counter.Equal(d("19.5")))

	w, ok := l.Watermark()
	require.True(t, ok)
	require.Equal(t, int64(1000), w)
}

func TestLast(t *testing.T) {
	l := newTestLedger(t, "XBTMYR")
	_, ok := l.Last()
	require.False(t, ok)

	_, err := l.Record(5100, d("100"), d("1"), decimal.NullDecimal{}, nil)
	require.NoError(t, err)
	_, err = l.Record(5900, d("101"), d("1"), decimal.NullDecimal{}, map[string]any{"maker_order_id": "m1"})
	require.NoError(t, err)

	last, ok := l.Last()
	require.True(t, ok)
	require.True(t, last.Price.Equal(d("101")))
	require.Equal(t, "m1", last.Meta["maker_order_id"])

	l.ResetWatermark()
	_, ok = l.Last()
	require.False(t, ok)

	all, err := l.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSince(t *testing.T) {
	l := newTestLedger(t, "XBTMYR")
	for _, ts := range []int64{1000, 2500, 3000, 3999, 5000} {
		_, err := l.Record(ts, d("1"), d("1"), decimal.NullDecimal{}, nil)
		require.NoError(t, err)
	}

	got, err := l.Since(2000)
	require.NoError(t, err)
	var stamps []int64
	for _, tr := range got {
		stamps = append(stamps, tr.Timestamp)
	}
	require.Equal(t, []int64{3000, 3999, 5000}, stamps)

	got, err = l.Since(5000)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPairsAreIsolated(t *testing.T) {
	store, err := storage.NewTradeStore("")
	require.NoError(t, err)
	defer store.Close()

	a := New("A", store, nil)
	b := New("B", store, nil)
	_, err = a.Record(1000, d("1"), d("1"), decimal.NullDecimal{}, nil)
	require.NoError(t, err)

	_, ok := b.Last()
	require.False(t, ok)
	all, err := b.All()
	require.NoError(t, err)
	require.Empty(t, all)
}
