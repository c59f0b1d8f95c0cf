// Package engine wires one stream session, trade ledger and candle series
// set per configured pair and runs them.
package engine

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/feedbook/params"
	"github.com/uhyunpark/feedbook/pkg/candles"
	"github.com/uhyunpark/feedbook/pkg/feed"
	"github.com/uhyunpark/feedbook/pkg/gateway"
	"github.com/uhyunpark/feedbook/pkg/ledger"
	"github.com/uhyunpark/feedbook/pkg/metrics"
	"github.com/uhyunpark/feedbook/pkg/notify"
	"github.com/uhyunpark/feedbook/pkg/storage"
	"github.com/uhyunpark/feedbook/pkg/util"
)

// Gateway is the REST surface the engine needs.
type Gateway interface {
	FetchTrades(ctx context.Context, pair string, sinceMs int64) ([]gateway.Trade, error)
	Bars(pair string) candles.BarFetcher
}

type Params struct {
	Pairs     []params.Pair
	Gateway   Gateway
	Transport feed.Transport
	Store     *storage.TradeStore
	// Sinks are subscribed to every pair.
	Sinks []notify.Sink
	// OnBar is called for every bar a series accepts.
	OnBar func(pair string, interval int64, bar candles.Bar)

	TopN             int
	ReconnectDelay   time.Duration
	BackfillDelay    time.Duration
	BackfillLookback time.Duration

	Clock  util.Clock
	Logger *zap.SugaredLogger
	// Closers are closed by Close after the store.
	Closers []io.Closer
}

type Engine struct {
	p      Params
	reg    *Registry
	fanout *notify.Fanout
	log    *zap.SugaredLogger

	loads sync.WaitGroup
}

func New(p Params) (*Engine, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("engine: trade store is required")
	}
	if p.Gateway == nil || p.Transport == nil {
		return nil, fmt.Errorf("engine: gateway and transport are required")
	}
	if p.Clock == nil {
		p.Clock = util.RealClock{}
	}
	e := &Engine{
		p:      p,
		reg:    NewRegistry(),
		fanout: notify.NewFanout(),
		log:    util.OrNop(p.Logger),
	}
	for _, pair := range p.Pairs {
		if err := e.reg.Register(e.newMarket(pair)); err != nil {
			return nil, err
		}
		for _, s := range p.Sinks {
			e.fanout.Subscribe(pair.ID, s)
		}
	}
	return e, nil
}

func (e *Engine) newMarket(pair params.Pair) *Market {
	m := &Market{
		Pair:   pair.ID,
		Ledger: ledger.New(pair.ID, e.p.Store, e.log),
		series: make(map[int64]*candles.Series),
	}
	for _, iv := range pair.Intervals {
		if _, dup := m.series[iv]; dup {
			continue
		}
		m.series[iv] = candles.NewSeries(candles.SeriesParams{
			Pair:     pair.ID,
			Interval: iv,
			Clock:    e.p.Clock,
			Delay:    e.p.BackfillDelay,
			OnAppend: e.onBar,
			Logger:   e.log,
		})
		m.intervals = append(m.intervals, iv)
	}
	slices.Sort(m.intervals)

	m.Session = feed.NewSession(feed.Params{
		Pair:           pair.ID,
		Transport:      e.p.Transport,
		Ledger:         m.Ledger,
		Sink:           e.fanout,
		TopN:           e.p.TopN,
		ReconnectDelay: e.p.ReconnectDelay,
		Clock:          e.p.Clock,
		OnTrades:       func(ctx context.Context) { e.refresh(ctx, m) },
		Logger:         e.log,
	})
	return m
}

func (e *Engine) Registry() *Registry    { return e.reg }
func (e *Engine) Fanout() *notify.Fanout { return e.fanout }

func (e *Engine) Market(pair string) (*Market, error) {
	return e.reg.Get(pair)
}

// Run warms every market and then streams it until ctx is done. Each pair
// runs on its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range e.reg.List() {
		m := m
		g.Go(func() error {
			e.Warm(gctx, m)
			return m.Session.Run(gctx)
		})
	}
	err := g.Wait()
	e.loads.Wait()
	return err
}

// Warm seeds recent trades into the ledger, backfills every series over
// the lookback window and marks the series ready.
func (e *Engine) Warm(ctx context.Context, m *Market) {
	now := e.p.Clock.Now()
	log := e.log.With("pair", m.Pair)

	if len(m.intervals) > 0 {
		widest := m.intervals[len(m.intervals)-1]
		since := now.Add(-time.Duration(widest) * time.Second).UnixMilli()
		n := e.seedTrades(ctx, m, since)
		log.Infow("trades_seeded", "since", since, "count", n)
	}

	since := now.Add(-e.p.BackfillLookback).UnixMilli()
	fetch := e.p.Gateway.Bars(m.Pair)
	for _, iv := range m.intervals {
		iv := iv
		s := m.series[iv]
		added, err := s.Load(ctx, fetch, since)
		if err != nil {
			log.Infow("backfill_aborted", "interval", iv, "err", err)
			return
		}
		s.SetReady()
		log.Infow("candles_initialized", "interval", iv, "added", added, "len", s.Len())
	}
}

func (e *Engine) seedTrades(ctx context.Context, m *Market, since int64) int {
	trades, err := e.p.Gateway.FetchTrades(ctx, m.Pair, since)
	if err != nil {
		e.log.Warnw("trades_seed_failed", "pair", m.Pair, "err", err)
		return 0
	}
	slices.SortStableFunc(trades, func(a, b gateway.Trade) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	n := 0
	for _, t := range trades {
		meta := map[string]any{
			"is_buy":   t.IsBuy,
			"sequence": t.Sequence,
			"source":   "gateway",
		}
		if _, err := m.Ledger.Record(t.Timestamp, t.Price, t.Volume, decimal.NullDecimal{}, meta); err != nil {
			e.log.Warnw("trade_seed_record_failed", "pair", m.Pair, "err", err)
			continue
		}
		n++
	}
	return n
}

// refresh starts a backfill on every ready series. It never blocks the
// session; overlapping loads are rejected by the series itself.
func (e *Engine) refresh(ctx context.Context, m *Market) {
	fetch := e.p.Gateway.Bars(m.Pair)
	for _, iv := range m.intervals {
		iv := iv
		s := m.series[iv]
		if !s.Ready() || s.Loading() {
			continue
		}
		e.loads.Add(1)
		go func() {
			defer e.loads.Done()
			if _, err := s.Load(ctx, fetch, 0); err != nil {
				e.log.Debugw("refresh_abandoned", "pair", m.Pair, "interval", iv, "err", err)
			}
		}()
	}
}

func (e *Engine) onBar(pair string, interval int64, bar candles.Bar) {
	metrics.BarsAppendedTotal.WithLabelValues(pair, strconv.FormatInt(interval, 10)).Inc()
	if e.p.OnBar != nil {
		e.p.OnBar(pair, interval, bar)
	}
}

// Close releases the trade store and every extra closer.
func (e *Engine) Close() error {
	err := e.p.Store.Close()
	for _, c := range e.p.Closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
