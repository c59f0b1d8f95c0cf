// Package api serves the read-only query surface over the engine: REST
// views of each pair's book, ticker, trades and candles, plus a websocket
// hub streaming book and candle updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/feedbook/pkg/candles"
	"github.com/uhyunpark/feedbook/pkg/engine"
	"github.com/uhyunpark/feedbook/pkg/ledger"
	"github.com/uhyunpark/feedbook/pkg/util"
)

const defaultDepth = 50

type Params struct {
	Addr   string
	Engine *engine.Engine
	Hub    *Hub
	// Metrics is mounted on /metrics when set.
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	p      Params
	engine *engine.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(p Params) *Server {
	if p.Hub == nil {
		p.Hub = NewHub(p.Logger)
	}
	if len(p.AllowedOrigins) == 0 {
		p.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		p:      p,
		engine: p.Engine,
		router: mux.NewRouter(),
		hub:    p.Hub,
		log:    util.OrNop(p.Logger),
	}
	s.hub.SetSnapshot(s.channelSnapshot)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/pairs", s.handleGetPairs).Methods("GET")
	api.HandleFunc("/pairs/{pair}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/pairs/{pair}/ticker", s.handleGetTicker).Methods("GET")
	api.HandleFunc("/pairs/{pair}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/pairs/{pair}/candles/{interval}", s.handleGetCandles).Methods("GET")
	api.HandleFunc("/pairs/{pair}/status", s.handleGetStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.ServeWS)
	if s.p.Metrics != nil {
		s.router.Handle("/metrics", s.p.Metrics).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.p.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) Hub() *Hub { return s.hub }

// Run serves until ctx is done and then shuts down gracefully. The hub is
// run alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.p.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("api_listening", "addr", s.p.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Infow("api_stopped")
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	markets := s.engine.Registry().List()

	response := make([]PairInfo, len(markets))
	for i, m := range markets {
		response[i] = PairInfo{
			Pair:         m.Pair,
			Status:       m.Session.Status().String(),
			MarketStatus: m.Session.MarketStatus(),
			Sequence:     m.Session.Sequence(),
			Intervals:    m.Intervals(),
		}
	}

	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}

	limit := defaultDepth
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = v
	}

	respondJSON(w, s.orderbook(m, limit))
}

func (s *Server) orderbook(m *engine.Market, limit int) OrderbookSnapshot {
	asks, bids := m.Session.Depth(limit)
	return OrderbookSnapshot{
		Pair:      m.Pair,
		Sequence:  m.Session.Sequence(),
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
		Timestamp: m.Session.LastMessageAt(),
	}
}

func (s *Server) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}

	t, ok := m.Session.Ticker()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "ticker unavailable", "one side of the book is empty")
		return
	}

	respondJSON(w, TickerInfo{
		Pair:      m.Pair,
		Ask:       t.Ask,
		Bid:       t.Bid,
		Spread:    t.Spread,
		LastTrade: t.LastTrade,
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}

	var (
		trades []ledger.Trade
		err    error
	)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			respondError(w, http.StatusBadRequest, "invalid since", raw)
			return
		}
		trades, err = m.Ledger.Since(since)
	} else {
		trades, err = m.Ledger.All()
	}
	if err != nil {
		s.log.Warnw("trades_read_failed", "pair", m.Pair, "err", err)
		respondError(w, http.StatusInternalServerError, "trades unavailable", err.Error())
		return
	}

	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = TradeInfo{
			Timestamp: t.Timestamp,
			Price:     t.Price,
			Volume:    t.Volume,
			Counter:   t.Counter,
			MakerID:   metaString(t.Meta, "maker_order_id"),
			TakerID:   metaString(t.Meta, "taker_order_id"),
		}
	}

	respondJSON(w, response)
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}

	raw := mux.Vars(r)["interval"]
	interval, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || interval <= 0 {
		respondError(w, http.StatusBadRequest, "invalid interval", raw)
		return
	}
	series, ok := m.Series(interval)
	if !ok {
		respondError(w, http.StatusNotFound, "interval not tracked", raw)
		return
	}

	forming, err := formingBars(series, m.Ledger)
	if err != nil {
		s.log.Warnw("trades_read_failed", "pair", m.Pair, "err", err)
		respondError(w, http.StatusInternalServerError, "trades unavailable", err.Error())
		return
	}

	respondJSON(w, CandlesResponse{
		Pair:     m.Pair,
		Interval: interval,
		Ready:    series.Ready(),
		Candles:  series.Bars(),
		Forming:  forming,
	})
}

// formingBars aggregates the ledger's trades that fall after the series'
// last closed bar.
func formingBars(series *candles.Series, l *ledger.Ledger) ([]candles.Bar, error) {
	latest, ok := series.Latest()
	if !ok {
		trades, err := l.All()
		if err != nil {
			return nil, err
		}
		return series.BarsFrom(trades), nil
	}

	next := latest.Timestamp + series.Interval()*1000
	trades, err := l.Since(next - 1000)
	if err != nil {
		return nil, err
	}
	out := []candles.Bar{}
	for _, b := range series.BarsFrom(trades) {
		if b.Timestamp >= next {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}

	response := PairStatus{
		Pair:          m.Pair,
		Status:        m.Session.Status().String(),
		MarketStatus:  m.Session.MarketStatus(),
		Generation:    m.Session.Generation(),
		Sequence:      m.Session.Sequence(),
		LastMessageAt: m.Session.LastMessageAt(),
		Subscribers:   s.engine.Fanout().Subscribers(m.Pair),
		Series:        []SeriesStatus{},
	}
	for _, iv := range m.Intervals() {
		series, _ := m.Series(iv)
		response.Series = append(response.Series, SeriesStatus{
			Interval: iv,
			Bars:     series.Len(),
			Ready:    series.Ready(),
			Loading:  series.Loading(),
		})
	}

	respondJSON(w, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// channelSnapshot greets orderbook subscribers with the current book.
func (s *Server) channelSnapshot(channel string) (any, bool) {
	pair, ok := strings.CutPrefix(channel, "orderbook:")
	if !ok {
		return nil, false
	}
	m, err := s.engine.Market(pair)
	if err != nil {
		return nil, false
	}
	snap := s.orderbook(m, defaultDepth)
	return OrderbookUpdate{
		Type:      "orderbook",
		Pair:      snap.Pair,
		Sequence:  snap.Sequence,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.Timestamp,
	}, true
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) market(w http.ResponseWriter, r *http.Request) (*engine.Market, bool) {
	pair := mux.Vars(r)["pair"]
	m, err := s.engine.Market(pair)
	if err != nil {
		respondError(w, http.StatusNotFound, "pair not found", err.Error())
		return nil, false
	}
	return m, true
}

func metaString(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
