package book

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ask(id, price, volume string) Order {
	return Order{ID: id, Price: d(price), Volume: d(volume), Side: Ask}
}

func bid(id, price, volume string) Order {
	return Order{ID: id, Price: d(price), Volume: d(volume), Side: Bid}
}

// requireConsistent checks every level volume equals the sum of its members.
func requireConsistent(t *testing.T, o *Orders) {
	t.Helper()
	total := 0
	for _, lvl := range o.Prices(0) {
		sum := decimal.Zero
		for _, id := range lvl.IDs {
			ord, ok := o.Get(id)
			require.True(t, ok, "level lists unknown id %s", id)
			require.True(t, ord.Price.Equal(lvl.Price))
			sum = sum.Add(ord.Volume)
		}
		require.True(t, sum.Equal(lvl.Volume), "level %s volume %s != members %s", lvl.Price, lvl.Volume, sum)
		total += len(lvl.IDs)
	}
	require.Equal(t, o.Count(), total)
}

func TestOrders_AskPriority(t *testing.T) {
	o := NewOrders(Ask)
	require.NoError(t, o.Add(ask("a1", "101", "1")))
	require.NoError(t, o.Add(ask("a2", "100", "2")))
	require.NoError(t, o.Add(ask("a3", "100", "3")))
	require.NoError(t, o.Add(ask("a4", "99.5", "1")))

	levels := o.Prices(0)
	require.Len(t, levels, 3)
	require.Equal(t, "99.5", levels[0].Price.String())
	require.Equal(t, "100", levels[1].Price.String())
	require.Equal(t, []string{"a2", "a3"}, levels[1].IDs)
	require.True(t, levels[1].Volume.Equal(d("5")))
	require.Equal(t, "101", levels[2].Price.String())

	best, ok := o.Best()
	require.True(t, ok)
	require.True(t, best.Equal(d("99.5")))

	top := o.Top(3)
	require.Equal(t, []string{"a4", "a2", "a3"}, []string{top[0].ID, top[1].ID, top[2].ID})
	requireConsistent(t, o)
}

func TestOrders_BidPriority(t *testing.T) {
	o := NewOrders(Bid)
	require.NoError(t, o.Add(bid("b1", "99", "1")))
	require.NoError(t, o.Add(bid("b2", "100", "1")))
	require.NoError(t, o.Add(bid("b3", "98", "1")))

	levels := o.Prices(2)
	require.Len(t, levels, 2)
	require.Equal(t, "100", levels[0].Price.String())
	require.Equal(t, "99", levels[1].Price.String())
}

func TestOrders_SamePriceDifferentScale(t *testing.T) {
	o := NewOrders(Ask)
	require.NoError(t, o.Add(ask("a1", "100", "1")))
	require.NoError(t, o.Add(ask("a2", "100.00", "1")))

	require.Equal(t, 1, o.Size())
	require.Equal(t, []string{"a1", "a2"}, o.Prices(0)[0].IDs)
}

func TestOrders_Reduce(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		wantOrder  bool
		wantVolume string
		wantLevels int
	}{
		{name: "partial", amount: "0.4", wantOrder: true, wantVolume: "1.6", wantLevels: 1},
		{name: "exact", amount: "2", wantOrder: false, wantLevels: 0},
		{name: "overfill", amount: "5", wantOrder: false, wantLevels: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrders(Ask)
			require.NoError(t, o.Add(ask("a1", "100", "2")))

			require.NoError(t, o.Reduce("a1", d(tt.amount)))

			got, ok := o.Get("a1")
			require.Equal(t, tt.wantOrder, ok)
			if ok {
				require.True(t, got.Volume.Equal(d(tt.wantVolume)))
			}
			require.Equal(t, tt.wantLevels, o.Size())
			requireConsistent(t, o)
		})
	}
}

func TestOrders_OverfillLeavesSiblingVolume(t *testing.T) {
	o := NewOrders(Bid)
	require.NoError(t, o.Add(bid("b1", "50", "1")))
	require.NoError(t, o.Add(bid("b2", "50", "3")))

	require.NoError(t, o.Reduce("b1", d("10")))

	levels := o.Prices(0)
	require.Len(t, levels, 1)
	require.Equal(t, []string{"b2"}, levels[0].IDs)
	require.True(t, levels[0].Volume.Equal(d("3")))
}

func TestOrders_Errors(t *testing.T) {
	o := NewOrders(Ask)
	require.NoError(t, o.Add(ask("a1", "100", "1")))

	require.ErrorIs(t, o.Add(ask("a1", "101", "1")), ErrDuplicateOrderID)
	require.ErrorIs(t, o.Add(bid("b1", "100", "1")), ErrSideMismatch)
	require.ErrorIs(t, o.Reduce("missing", d("1")), ErrOrderNotFound)
	require.ErrorIs(t, o.Delete("missing"), ErrOrderNotFound)
	require.Equal(t, 1, o.Count())
}

func TestOrders_DeleteMiddleOfLevel(t *testing.T) {
	o := NewOrders(Ask)
	for i := 1; i <= 3; i++ {
		require.NoError(t, o.Add(ask(fmt.Sprintf("a%d", i), "100", "1")))
	}
	require.NoError(t, o.Delete("a2"))
	require.Equal(t, []string{"a1", "a3"}, o.Prices(0)[0].IDs)

	require.NoError(t, o.Add(ask("a4", "100", "1")))
	require.Equal(t, []string{"a1", "a3", "a4"}, o.Prices(0)[0].IDs)
	requireConsistent(t, o)
}

func TestOrders_ArenaReusesSlots(t *testing.T) {
	o := NewOrders(Ask)
	for i := 0; i < 10; i++ {
		require.NoError(t, o.Add(ask(fmt.Sprintf("a%d", i), fmt.Sprint(100+i), "1")))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, o.Delete(fmt.Sprintf("a%d", i)))
	}
	require.Equal(t, 0, o.Count())
	require.Equal(t, 0, o.Size())

	for i := 0; i < 10; i++ {
		require.NoError(t, o.Add(ask(fmt.Sprintf("b%d", i), "100", "1")))
	}
	require.Len(t, o.nodes, 10)
	requireConsistent(t, o)
}

func TestOrders_Reset(t *testing.T) {
	o := NewOrders(Bid)
	require.NoError(t, o.Add(bid("b1", "10", "1")))
	o.Reset()

	require.Equal(t, 0, o.Count())
	require.Empty(t, o.Prices(0))
	_, ok := o.Best()
	require.False(t, ok)
	require.NoError(t, o.Add(bid("b1", "10", "1")))
}

func BenchmarkOrdersAddDelete(b *testing.B) {
	o := NewOrders(Ask)
	for i := 0; i < 100; i++ {
		_ = o.Add(Order{ID: fmt.Sprintf("seed-%d", i), Price: decimal.NewFromInt(int64(1000 + i)), Volume: decimal.NewFromInt(1), Side: Ask})
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("o-%d", i)
		_ = o.Add(Order{ID: id, Price: decimal.NewFromInt(int64(1000 + i%100)), Volume: decimal.NewFromInt(1), Side: Ask})
		_ = o.Delete(id)
	}
}
