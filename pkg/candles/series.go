package candles

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/feedbook/pkg/ledger"
	"github.com/uhyunpark/feedbook/pkg/util"
)

// BarFetcher returns bars of interval seconds starting at since (unix ms),
// oldest first. A nil slice means no data this round.
type BarFetcher interface {
	FetchBars(ctx context.Context, since int64, interval int64) ([]Bar, error)
}

type BarFetcherFunc func(ctx context.Context, since int64, interval int64) ([]Bar, error)

func (f BarFetcherFunc) FetchBars(ctx context.Context, since int64, interval int64) ([]Bar, error) {
	return f(ctx, since, interval)
}

type SeriesParams struct {
	Pair     string
	Interval int64 // seconds
	Clock    util.Clock
	// Delay is the pause between two backfill pages.
	Delay time.Duration
	// OnAppend, if set, is called once per accepted bar, outside the series lock.
	OnAppend func(pair string, interval int64, bar Bar)
	Logger   *zap.SugaredLogger
}

// Series is a gap-free run of bars for one pair and interval: consecutive
// timestamps differ by exactly Interval*1000.
type Series struct {
	p SeriesParams

	mu   sync.RWMutex
	bars []Bar

	ready   atomic.Bool
	loading atomic.Bool
}

func NewSeries(p SeriesParams) *Series {
	if p.Clock == nil {
		p.Clock = util.RealClock{}
	}
	p.Logger = util.OrNop(p.Logger)
	return &Series{p: p}
}

func (s *Series) Pair() string    { return s.p.Pair }
func (s *Series) Interval() int64 { return s.p.Interval }
func (s *Series) width() int64    { return s.p.Interval * 1000 }

// Append adds bar to the end of the series and reports how many bars were
// added (0 or 1). A bar that does not directly follow the latest one is
// rejected.
func (s *Series) Append(bar Bar) int {
	n, _ := s.appendIn(context.Background(), bar)
	return n
}

func (s *Series) appendIn(ctx context.Context, bar Bar) (int, error) {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if n := len(s.bars); n > 0 && bar.Timestamp-s.bars[n-1].Timestamp != s.width() {
		s.mu.Unlock()
		return 0, nil
	}
	s.bars = append(s.bars, bar)
	s.mu.Unlock()

	if s.p.OnAppend != nil {
		s.p.OnAppend(s.p.Pair, s.p.Interval, bar)
	}
	return 1, nil
}

func (s *Series) Latest() (Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		return Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Bars returns a copy of the series, oldest first.
func (s *Series) Bars() []Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// BarsFrom aggregates trades at this series' interval.
func (s *Series) BarsFrom(trades []ledger.Trade) []Bar {
	return Calculate(trades, s.p.Interval)
}

// Ready reports whether the series may drive trade-triggered refreshes.
func (s *Series) Ready() bool { return s.ready.Load() }

func (s *Series) SetReady() { s.ready.Store(true) }

// Loading reports whether a backfill is in flight.
func (s *Series) Loading() bool { return s.loading.Load() }

// Load backfills the series from fetch and returns how many bars it added.
//
// since <= 0 resumes from the latest bar, or from now when the series is
// empty. Only one Load runs per series; a concurrent call returns 0 at once.
// Pages are requested Delay apart until fetch has nothing new, the series
// is within one interval of now, or ctx is done. Fetch failures end the
// loop quietly; the next trigger retries.
func (s *Series) Load(ctx context.Context, fetch BarFetcher, since int64) (int, error) {
	ts := since
	if ts <= 0 {
		ts = s.p.Clock.Now().UnixMilli()
		if latest, ok := s.Latest(); ok {
			ts = latest.Timestamp
		}
	}
	if s.p.Clock.Now().UnixMilli()-ts < s.width() {
		return 0, nil
	}
	if !s.loading.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.loading.Store(false)

	log := s.p.Logger.With("pair", s.p.Pair, "interval", s.p.Interval)
	added := 0
	for {
		bars, err := fetch.FetchBars(ctx, ts, s.p.Interval)
		if err != nil {
			if ctx.Err() != nil {
				return added, ctx.Err()
			}
			log.Warnw("backfill_fetch_failed", "since", ts, "err", err)
			return added, nil
		}
		if len(bars) == 0 {
			break
		}

		accepted := 0
		for _, b := range bars {
			n, err := s.appendIn(ctx, b)
			if err != nil {
				return added, err
			}
			accepted += n
		}
		added += accepted
		log.Debugw("backfill_page", "since", ts, "received", len(bars), "accepted", accepted)

		latest, ok := s.Latest()
		if accepted == 0 || !ok || latest.Timestamp == ts {
			break
		}
		ts = latest.Timestamp + s.width()
		if s.p.Clock.Now().UnixMilli()-ts < s.width() {
			break
		}

		select {
		case <-ctx.Done():
			return added, ctx.Err()
		case <-s.p.Clock.After(s.p.Delay):
		}
	}

	if added > 0 {
		log.Infow("backfill_done", "added", added, "len", s.Len())
	}
	return added, nil
}
