package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/feedbook/pkg/metrics"
	"github.com/uhyunpark/feedbook/pkg/util"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaSink publishes updates keyed by pair. Publish only enqueues; Run
// drains the queue into the writer. When the queue is full the update is
// dropped and counted.
type KafkaSink struct {
	w     MessageWriter
	queue chan Update
	log   *zap.SugaredLogger
}

func NewKafkaSink(w MessageWriter, buffer int, log *zap.SugaredLogger) *KafkaSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaSink{w: w, queue: make(chan Update, buffer), log: util.OrNop(log)}
}

func (k *KafkaSink) Publish(u Update) {
	select {
	case k.queue <- u:
	default:
		metrics.SinkDroppedTotal.WithLabelValues("kafka").Inc()
	}
}

// Run writes queued updates until ctx is done.
func (k *KafkaSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-k.queue:
			val, err := json.Marshal(u)
			if err != nil {
				k.log.Errorw("kafka_encode_failed", "pair", u.Pair, "err", err)
				continue
			}
			msg := kafka.Message{Key: []byte(u.Pair), Value: val}
			if err := k.w.WriteMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				k.log.Warnw("kafka_write_failed", "pair", u.Pair, "sequence", u.Sequence, "err", err)
			}
		}
	}
}

func (k *KafkaSink) Close() error { return k.w.Close() }
