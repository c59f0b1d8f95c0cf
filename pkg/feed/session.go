package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/feedbook/pkg/book"
	"github.com/uhyunpark/feedbook/pkg/ledger"
	"github.com/uhyunpark/feedbook/pkg/metrics"
	"github.com/uhyunpark/feedbook/pkg/notify"
	"github.com/uhyunpark/feedbook/pkg/util"
)

var (
	ErrGapDetected       = errors.New("sequence gap detected")
	ErrMakerOrderMissing = errors.New("maker order missing")
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	AwaitingSnapshot
	Live
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingSnapshot:
		return "awaiting_snapshot"
	case Live:
		return "live"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Params struct {
	Pair      string
	Transport Transport
	Ledger    *ledger.Ledger
	Sink      notify.Sink
	// TopN is how many price levels per side go to the sink.
	TopN           int
	ReconnectDelay time.Duration
	Clock          util.Clock
	// OnTrades runs after a Live message that recorded at least one trade.
	// ctx belongs to the current generation.
	OnTrades func(ctx context.Context)
	Logger   *zap.SugaredLogger
}

// Session keeps one pair's book in step with the stream:
//
//	Disconnected -> Connecting -> AwaitingSnapshot -> Live
//
// Any fault resets the generation state and reconnects after
// ReconnectDelay. Messages are applied on the Run goroutine; the read
// methods may be called from anywhere.
type Session struct {
	p   Params
	log *zap.SugaredLogger

	mu           sync.RWMutex
	status       Status
	state        *State
	generation   uint64
	marketStatus string
	lastMessage  int64
}

func NewSession(p Params) *Session {
	if p.Clock == nil {
		p.Clock = util.RealClock{}
	}
	if p.TopN <= 0 {
		p.TopN = 10
	}
	s := &Session{p: p, log: util.OrNop(p.Logger).With("pair", p.Pair)}
	s.state = newState(context.Background(), 0)
	s.state.cancel()
	return s
}

func (s *Session) Pair() string { return s.p.Pair }

// Run connects and keeps reconnecting until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			s.reset("shutdown")
			return nil
		}
		reason := "closed"
		if errors.Is(err, ErrGapDetected) {
			reason = "gap"
		} else if err != nil {
			s.log.Warnw("stream_fault", "err", err)
			reason = "error"
		}
		s.reset(reason)

		select {
		case <-ctx.Done():
			return nil
		case <-s.p.Clock.After(s.p.ReconnectDelay):
		}
	}
}

func (s *Session) connect(ctx context.Context) error {
	st := s.begin(ctx)
	connID := uuid.NewString()
	log := s.log.With("generation", st.Generation, "conn", connID)

	conn, err := s.p.Transport.Dial(st.Context(), s.p.Pair)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	stop := context.AfterFunc(st.Context(), func() { conn.Terminate() })
	defer stop()
	defer conn.Terminate()

	s.setStatus(AwaitingSnapshot)
	log.Infow("stream_awaiting_snapshot")

	for {
		frame, err := conn.Read()
		if err != nil {
			log.Infow("stream_closed", "err", err)
			return nil
		}
		msg, ok, err := ParseMessage(frame)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.Apply(msg); err != nil {
			if errors.Is(err, ErrGapDetected) {
				conn.Terminate()
			}
			return err
		}
	}
}

// begin opens a new generation with an empty book.
func (s *Session) begin(parent context.Context) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.state = newState(parent, s.generation)
	s.status = Connecting
	metrics.SessionState.WithLabelValues(s.p.Pair).Set(float64(Connecting))
	return s.state
}

// reset clears the book and sequence and cancels work bound to the
// current generation.
func (s *Session) reset(reason string) {
	s.mu.Lock()
	s.state.reset()
	s.status = Disconnected
	gen := s.state.Generation
	s.mu.Unlock()

	if s.p.Ledger != nil {
		s.p.Ledger.ResetWatermark()
	}
	metrics.SessionState.WithLabelValues(s.p.Pair).Set(float64(Disconnected))
	metrics.ReconnectsTotal.WithLabelValues(s.p.Pair, reason).Inc()
	s.updateBookGauges(0, 0)
	s.log.Infow("session_reset", "reason", reason, "generation", gen, "reconnect_in", s.p.ReconnectDelay)
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	metrics.SessionState.WithLabelValues(s.p.Pair).Set(float64(st))
}

// Apply feeds one message to the state machine. It returns ErrGapDetected
// when the message does not follow the last accepted sequence; the caller
// must then drop the connection and reset. Book faults inside an update
// are logged and skipped.
func (s *Session) Apply(msg Message) error {
	seq, err := msg.Seq()
	if err != nil {
		return err
	}

	s.mu.Lock()
	var (
		update notify.Update
		traded int
		st     = s.state
	)
	switch s.status {
	case AwaitingSnapshot:
		err = s.applySnapshot(st, seq, msg)
	case Live:
		if seq != st.LastSequence+1 {
			err = fmt.Errorf("%w: want %d, got %d", ErrGapDetected, st.LastSequence+1, seq)
			break
		}
		st.LastSequence = seq
		traded = s.applyUpdate(st, msg)
	default:
		err = fmt.Errorf("message in state %s", s.status)
	}
	if err == nil {
		s.lastMessage = msg.Timestamp
		update = notify.Update{
			Pair:      s.p.Pair,
			Sequence:  st.LastSequence,
			Timestamp: msg.Timestamp,
			Status:    s.marketStatus,
			Asks:      st.Book.TopAsks(s.p.TopN),
			Bids:      st.Book.TopBids(s.p.TopN),
		}
	}
	asks, bids := st.Book.Asks().Count(), st.Book.Bids().Count()
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrGapDetected) {
			metrics.GapsTotal.WithLabelValues(s.p.Pair).Inc()
			s.log.Warnw("sequence_gap", "generation", st.Generation, "err", err)
		}
		return err
	}

	s.updateBookGauges(asks, bids)
	if s.p.Sink != nil {
		s.p.Sink.Publish(update)
	}
	if traded > 0 && s.p.OnTrades != nil {
		s.p.OnTrades(st.Context())
	}
	return nil
}

func (s *Session) applySnapshot(st *State, seq int64, msg Message) error {
	if err := st.Book.Install(toOrders(msg.Asks, book.Ask), toOrders(msg.Bids, book.Bid)); err != nil {
		st.Book.Reset()
		return fmt.Errorf("install snapshot: %w", err)
	}
	st.LastSequence = seq
	s.marketStatus = msg.Status
	s.status = Live
	metrics.SessionState.WithLabelValues(s.p.Pair).Set(float64(Live))
	metrics.MessagesTotal.WithLabelValues(s.p.Pair, "snapshot").Inc()
	s.log.Infow("snapshot_installed",
		"generation", st.Generation,
		"sequence", seq,
		"asks", st.Book.Asks().Count(),
		"bids", st.Book.Bids().Count(),
		"status", msg.Status)
	return nil
}

// applyUpdate runs delete, create, trades, status in that order and
// returns how many trades were recorded.
func (s *Session) applyUpdate(st *State, msg Message) int {
	metrics.MessagesTotal.WithLabelValues(s.p.Pair, "update").Inc()

	if d := msg.DeleteUpdate; d != nil {
		if err := st.Book.Delete(d.OrderID); err != nil {
			s.bookFault("delete", d.OrderID, err)
		}
	}

	if c := msg.CreateUpdate; c != nil {
		o := book.Order{ID: c.OrderID, Price: c.Price, Volume: c.Volume, Side: c.Type}
		if err := st.Book.Add(o); err != nil {
			s.bookFault("create", c.OrderID, err)
		}
	}

	traded := 0
	for _, tu := range msg.TradeUpdates {
		if s.applyTrade(st, msg, tu) {
			traded++
		}
	}

	if su := msg.StatusUpdate; su != nil {
		s.log.Infow("market_status", "status", su.Status, "previous", s.marketStatus)
		s.marketStatus = su.Status
	}
	return traded
}

func (s *Session) applyTrade(st *State, msg Message, tu TradeUpdate) bool {
	maker, err := st.Book.Order(tu.MakerOrderID)
	if err != nil {
		if errors.Is(err, book.ErrOrderNotFound) {
			metrics.MakerMissingTotal.WithLabelValues(s.p.Pair).Inc()
			s.log.Warnw("trade_skipped",
				"err", fmt.Errorf("%w: %s", ErrMakerOrderMissing, tu.MakerOrderID),
				"taker", tu.TakerOrderID,
				"sequence", st.LastSequence)
			return false
		}
		s.bookFault("trade", tu.MakerOrderID, err)
		return false
	}

	recorded := false
	if s.p.Ledger != nil {
		meta := map[string]any{
			"maker_order_id": maker.ID,
			"taker_order_id": tu.TakerOrderID,
			"order_type":     maker.Side.String(),
			"sequence":       st.LastSequence,
		}
		if _, err := s.p.Ledger.Record(msg.Timestamp, maker.Price, tu.Base, tu.Counter, meta); err != nil {
			s.log.Errorw("trade_record_failed", "maker", maker.ID, "err", err)
		} else {
			recorded = true
			metrics.TradesTotal.WithLabelValues(s.p.Pair).Inc()
		}
	}

	if err := st.Book.Trade(maker.ID, tu.Base); err != nil {
		s.bookFault("trade", maker.ID, err)
	}
	return recorded
}

func (s *Session) bookFault(op, id string, err error) {
	metrics.BookFaultsTotal.WithLabelValues(s.p.Pair, op).Inc()
	s.log.Warnw("book_fault", "op", op, "order_id", id, "err", err)
}

func (s *Session) updateBookGauges(asks, bids int) {
	metrics.BookOrders.WithLabelValues(s.p.Pair, "ask").Set(float64(asks))
	metrics.BookOrders.WithLabelValues(s.p.Pair, "bid").Set(float64(bids))
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// MarketStatus is the exchange-reported trading status, e.g. ACTIVE.
func (s *Session) MarketStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketStatus
}

func (s *Session) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSequence
}

func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Generation
}

// LastMessageAt is the exchange timestamp of the last applied message.
func (s *Session) LastMessageAt() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMessage
}

// Depth returns up to n best-first price levels per side; n <= 0 returns
// every level.
func (s *Session) Depth(n int) (asks, bids []book.PriceLevel) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Book.TopAsks(n), s.state.Book.TopBids(n)
}

// Order looks up a resting order in the current generation's book.
func (s *Session) Order(id string) (book.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Book.Order(id)
}

func (s *Session) Ticker() (Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeTicker(s.state.Book, s.p.Ledger)
}

