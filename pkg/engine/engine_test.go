package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/feedbook/params"
	"github.com/uhyunpark/feedbook/pkg/candles"
	"github.com/uhyunpark/feedbook/pkg/feed"
	"github.com/uhyunpark/feedbook/pkg/gateway"
	"github.com/uhyunpark/feedbook/pkg/notify"
	"github.com/uhyunpark/feedbook/pkg/storage"
	"github.com/uhyunpark/feedbook/pkg/util"
)

const minute = int64(60_000)

var start = time.UnixMilli(27522950 * minute)

// fakeGateway serves closed one-minute bars up to the clock's now.
type fakeGateway struct {
	clock    *util.ManualClock
	barCalls atomic.Int32
	trades   []gateway.Trade

	mu     sync.Mutex
	seeded []string
}

func (g *fakeGateway) FetchTrades(_ context.Context, pair string, _ int64) ([]gateway.Trade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seeded = append(g.seeded, pair)
	return g.trades, nil
}

func (g *fakeGateway) Bars(pair string) candles.BarFetcher {
	return candles.BarFetcherFunc(func(_ context.Context, since, interval int64) ([]candles.Bar, error) {
		g.barCalls.Add(1)
		width := interval * 1000
		now := g.clock.Now().UnixMilli()
		var out []candles.Bar
		for ts := since; ts+width <= now; ts += width {
			one := decimal.NewFromInt(1)
			out = append(out, candles.Bar{Timestamp: ts, Open: one, Close: one, High: one, Low: one, Volume: one})
		}
		return out, nil
	})
}

type pipeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *pipeConn) Read() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *pipeConn) Terminate() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type pipeTransport struct {
	mu    sync.Mutex
	conns map[string]*pipeConn
}

func (t *pipeTransport) Dial(_ context.Context, pair string) (feed.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &pipeConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
	t.conns[pair] = c
	return c, nil
}

func (t *pipeTransport) conn(pair string) *pipeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[pair]
}

type countingSink struct{ n atomic.Int32 }

func (s *countingSink) Publish(notify.Update) { s.n.Add(1) }

func newTestEngine(t *testing.T, clock *util.ManualClock, gw *fakeGateway, tr *pipeTransport, sinks ...notify.Sink) *Engine {
	t.Helper()
	store, err := storage.NewTradeStore("")
	require.NoError(t, err)
	e, err := New(Params{
		Pairs:            []params.Pair{{ID: "XBTMYR", Intervals: []int64{60}}, {ID: "ETHMYR", Intervals: []int64{60}}},
		Gateway:          gw,
		Transport:        tr,
		Store:            store,
		Sinks:            sinks,
		TopN:             5,
		ReconnectDelay:   time.Second,
		BackfillLookback: 5 * time.Minute,
		Clock:            clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNew_BuildsMarkets(t *testing.T) {
	clock := util.NewManualClock(start)
	e := newTestEngine(t, clock, &fakeGateway{clock: clock}, &pipeTransport{conns: map[string]*pipeConn{}})

	require.Equal(t, 2, e.Registry().Count())
	list := e.Registry().List()
	require.Equal(t, "ETHMYR", list[0].Pair)
	require.Equal(t, "XBTMYR", list[1].Pair)

	m, err := e.Market("XBTMYR")
	require.NoError(t, err)
	_, ok := m.Series(60)
	require.True(t, ok)
	require.Equal(t, []int64{60}, m.Intervals())

	_, err = e.Market("DOGEMYR")
	require.Error(t, err)
}

func TestNew_DuplicatePair(t *testing.T) {
	store, err := storage.NewTradeStore("")
	require.NoError(t, err)
	defer store.Close()
	clock := util.NewManualClock(start)
	_, err = New(Params{
		Pairs:     []params.Pair{{ID: "A"}, {ID: "A"}},
		Gateway:   &fakeGateway{clock: clock},
		Transport: &pipeTransport{conns: map[string]*pipeConn{}},
		Store:     store,
		Clock:     clock,
	})
	require.Error(t, err)
}

func TestWarm_BackfillsAndSeeds(t *testing.T) {
	clock := util.NewManualClock(start)
	gw := &fakeGateway{clock: clock, trades: []gateway.Trade{
		{Timestamp: start.UnixMilli() - 2000, Price: decimal.NewFromInt(11), Volume: decimal.NewFromInt(1), IsBuy: true},
		{Timestamp: start.UnixMilli() - 5000, Price: decimal.NewFromInt(10), Volume: decimal.NewFromInt(2)},
	}}
	e := newTestEngine(t, clock, gw, &pipeTransport{conns: map[string]*pipeConn{}})
	m, err := e.Market("XBTMYR")
	require.NoError(t, err)

	e.Warm(context.Background(), m)

	s, _ := m.Series(60)
	require.True(t, s.Ready())
	require.Equal(t, 5, s.Len())
	require.Equal(t, []string{"XBTMYR"}, gw.seeded)
	require.Positive(t, gw.barCalls.Load())

	last, ok := m.Ledger.Last()
	require.True(t, ok)
	require.True(t, last.Price.Equal(decimal.NewFromInt(11)))
	require.Equal(t, true, last.Meta["is_buy"])
}

func TestWarm_CancelledLeavesSeriesNotReady(t *testing.T) {
	clock := util.NewManualClock(start)
	e := newTestEngine(t, clock, &fakeGateway{clock: clock}, &pipeTransport{conns: map[string]*pipeConn{}})
	m, _ := e.Market("XBTMYR")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Warm(ctx, m)

	s, _ := m.Series(60)
	require.False(t, s.Ready())
}

func TestRun_TradesRefreshReadySeries(t *testing.T) {
	clock := util.NewManualClock(start)
	gw := &fakeGateway{clock: clock}
	tr := &pipeTransport{conns: map[string]*pipeConn{}}
	sink := &countingSink{}
	e := newTestEngine(t, clock, gw, tr, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return tr.conn("XBTMYR") != nil }, time.Second, time.Millisecond)
	m, _ := e.Market("XBTMYR")
	s, _ := m.Series(60)
	require.True(t, s.Ready())
	require.Equal(t, 5, s.Len())

	c := tr.conn("XBTMYR")
	c.frames <- []byte(`{"sequence":"1","asks":[{"id":"a1","price":"100","volume":"5"}],"bids":[],"status":"ACTIVE","timestamp":1}`)
	require.Eventually(t, func() bool { return m.Session.Status() == feed.Live }, time.Second, time.Millisecond)

	clock.Advance(time.Minute)
	c.frames <- []byte(`{"sequence":"2","timestamp":2,"trade_updates":[{"base":"1","maker_order_id":"a1","taker_order_id":"t"}]}`)
	require.Eventually(t, func() bool { return s.Len() == 6 }, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, sink.n.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
