package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/feedbook/params"
	"github.com/uhyunpark/feedbook/pkg/api"
	"github.com/uhyunpark/feedbook/pkg/engine"
	"github.com/uhyunpark/feedbook/pkg/feed"
	"github.com/uhyunpark/feedbook/pkg/gateway"
	"github.com/uhyunpark/feedbook/pkg/metrics"
	"github.com/uhyunpark/feedbook/pkg/notify"
	"github.com/uhyunpark/feedbook/pkg/storage"
	"github.com/uhyunpark/feedbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Server.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Server.LogFile, cfg.Server.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Server.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Server.LogFile, "level", cfg.Server.LogLevel)

	reg := metrics.Init(sugar)

	// Trades live in memory only; nothing survives a restart.
	store, err := storage.NewTradeStore("")
	if err != nil {
		sugar.Fatalw("trade_store_open_failed", "err", err)
	}

	gw := gateway.New(gateway.Params{
		BaseURL:      cfg.Upstream.APIHost,
		APIKeyID:     cfg.Upstream.APIKeyID,
		APIKeySecret: cfg.Upstream.APIKeySecret,
		RequestRate:  cfg.Upstream.RequestRate,
		Logger:       sugar,
	})
	transport := &feed.WSTransport{
		BaseURL:      cfg.Upstream.StreamHost,
		APIKeyID:     cfg.Upstream.APIKeyID,
		APIKeySecret: cfg.Upstream.APIKeySecret,
		Logger:       sugar,
	}

	// ---- Notification sinks ----
	hub := api.NewHub(sugar)
	sinks := []notify.Sink{hub}
	var closers []io.Closer
	var kafkaSink *notify.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink = notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), 1024, sugar)
		sinks = append(sinks, kafkaSink)
		closers = append(closers, kafkaSink)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	eng, err := engine.New(engine.Params{
		Pairs:            cfg.Feed.Pairs,
		Gateway:          gw,
		Transport:        transport,
		Store:            store,
		Sinks:            sinks,
		OnBar:            hub.PublishBar,
		TopN:             cfg.Feed.TopN,
		ReconnectDelay:   cfg.Feed.ReconnectDelay,
		BackfillDelay:    cfg.Feed.BackfillDelay,
		BackfillLookback: cfg.Feed.BackfillLookback,
		Logger:           sugar,
		Closers:          closers,
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			sugar.Warnw("engine_close_failed", "err", err)
		}
	}()

	apiServer := api.NewServer(api.Params{
		Addr:    cfg.Server.Addr,
		Engine:  eng,
		Hub:     hub,
		Metrics: metrics.Handler(reg),
		Logger:  sugar,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pairs := make([]string, len(cfg.Feed.Pairs))
	for i, p := range cfg.Feed.Pairs {
		pairs[i] = p.ID
	}
	sugar.Infow("feedbook_starting",
		"pairs", pairs,
		"api_addr", cfg.Server.Addr,
		"top_n", cfg.Feed.TopN,
		"backfill_lookback", cfg.Feed.BackfillLookback)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return apiServer.Run(gctx) })
	if kafkaSink != nil {
		g.Go(func() error { return kafkaSink.Run(gctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		sugar.Errorw("feedbook_failed", "err", err)
		return
	}
	sugar.Infow("feedbook_stopped")
}
