package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	MessagesTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_messages_total", Help: "Stream messages applied by pair and kind"}, []string{"pair", "kind"})
	GapsTotal         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_sequence_gaps_total", Help: "Sequence gaps detected by pair"}, []string{"pair"})
	ReconnectsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Session resets by pair and reason"}, []string{"pair", "reason"})
	MakerMissingTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_maker_missing_total", Help: "Trade updates skipped because the maker order was not resting"}, []string{"pair"})
	BookFaultsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_faults_total", Help: "Rejected book mutations by pair and op"}, []string{"pair", "op"})
	TradesTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ledger_trades_total", Help: "Trades recorded by pair"}, []string{"pair"})
	BookOrders        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_orders", Help: "Resting orders by pair and side"}, []string{"pair", "side"})
	SessionState      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "feed_session_state", Help: "Session state by pair (0 disconnected, 1 connecting, 2 awaiting snapshot, 3 live)"}, []string{"pair"})
	BarsAppendedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "candles_appended_total", Help: "Bars appended by pair and interval"}, []string{"pair", "interval"})
	GatewayRequests   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_requests_total", Help: "Gateway requests by endpoint and outcome"}, []string{"endpoint", "outcome"})
	GatewayLatencyMs  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "gateway_latency_ms", Help: "Gateway round trip", Buckets: prometheus.ExponentialBuckets(5, 2, 12)}, []string{"endpoint"})
	SinkDroppedTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_dropped_total", Help: "Updates dropped by a full sink buffer"}, []string{"sink"})
	HubClients        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "api_ws_clients", Help: "Connected websocket clients"})
)

// Init registers every collector into a fresh registry.
func Init(log *zap.SugaredLogger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		MessagesTotal, GapsTotal, ReconnectsTotal, MakerMissingTotal, BookFaultsTotal,
		TradesTotal, BookOrders, SessionState, BarsAppendedTotal,
		GatewayRequests, GatewayLatencyMs, SinkDroppedTotal, HubClients,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil && log != nil {
			log.Warnw("metrics_register_failed", "err", err)
		}
	}
	if log != nil {
		log.Infow("metrics_initialized", "collectors", len(toRegister))
	}
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
