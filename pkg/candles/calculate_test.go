package candles

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/feedbook/pkg/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(ts int64, price, volume string) ledger.Trade {
	return ledger.Trade{Timestamp: ts, Price: d(price), Volume: d(volume)}
}

func TestCalculate_Empty(t *testing.T) {
	require.Equal(t, []Bar{}, Calculate(nil, 60))
	require.Equal(t, []Bar{}, Calculate([]ledger.Trade{}, 60))
}

func TestCalculate_SameBucket(t *testing.T) {
	bars := Calculate([]ledger.Trade{
		trade(1651376761200, "169488.00000000", "0.0005"),
		trade(1651376760500, "169480.00000000", "0.013"),
	}, 60)

	require.Len(t, bars, 1)
	b := bars[0]
	require.Equal(t, int64(1651376760000), b.Timestamp)
	require.True(t, b.Open.Equal(d("169480")))
	require.True(t, b.Close.Equal(d("169488")))
	require.True(t, b.High.Equal(d("169488")))
	require.True(t, b.Low.Equal(d("169480")))
	require.Equal(t, "0.0135", b.Volume.String())
}

func TestCalculate_HighAndLowAreIndependent(t *testing.T) {
	// The third trade is a new low while the second was a new high.
	bars := Calculate([]ledger.Trade{
		trade(1000, "10", "1"),
		trade(2000, "12", "1"),
		trade(3000, "8", "1"),
		trade(4000, "11", "1"),
	}, 60)

	require.Len(t, bars, 1)
	require.True(t, bars[0].High.Equal(d("12")))
	require.True(t, bars[0].Low.Equal(d("8")))
	require.True(t, bars[0].Close.Equal(d("11")))
	require.True(t, bars[0].Volume.Equal(d("4")))
}

func TestCalculate_SkipsEmptyBuckets(t *testing.T) {
	bars := Calculate([]ledger.Trade{
		trade(0, "1", "1"),
		trade(60_500, "2", "1"),
		trade(180_000, "3", "1"),
	}, 60)

	var stamps []int64
	for _, b := range bars {
		stamps = append(stamps, b.Timestamp)
	}
	require.Equal(t, []int64{0, 60_000, 180_000}, stamps)
}

func TestCalculate_DoesNotReorderInput(t *testing.T) {
	in := []ledger.Trade{trade(5000, "1", "1"), trade(1000, "2", "1")}
	Calculate(in, 1)
	require.Equal(t, int64(5000), in[0].Timestamp)
}
