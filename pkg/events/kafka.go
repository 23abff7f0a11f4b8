package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
)

// KafkaSink forwards records to a topic. Publish never blocks the book:
// records are queued and a background loop produces them in sequence order.
// A record that still fails after the producer's retries is logged and
// dropped; consumers can backfill from the node's event log.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan orderbook.EventRecord
	done     chan struct{}
	logger   *zap.SugaredLogger
}

func NewKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return cfg
}

func DialKafka(brokers []string, topic string, logger *zap.SugaredLogger) (*KafkaSink, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, err
	}
	return NewKafkaSink(producer, topic, logger), nil
}

func NewKafkaSink(producer sarama.SyncProducer, topic string, logger *zap.SugaredLogger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		queue:    make(chan orderbook.EventRecord, 4096),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (k *KafkaSink) Publish(rec orderbook.EventRecord) {
	select {
	case k.queue <- rec:
	default:
		k.logger.Warnw("kafka_queue_full", "seq", rec.Seq)
	}
}

// Run produces queued records until ctx is done, then drains what is left.
func (k *KafkaSink) Run(ctx context.Context) {
	defer close(k.done)
	for {
		select {
		case rec := <-k.queue:
			k.send(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-k.queue:
					k.send(rec)
				default:
					return
				}
			}
		}
	}
}

func (k *KafkaSink) send(rec orderbook.EventRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		k.logger.Errorw("kafka_marshal_failed", "seq", rec.Seq, "err", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		// One key keeps every record on one partition, in seq order.
		Key:   sarama.StringEncoder(k.topic),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(rec.Type)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		k.logger.Errorw("kafka_send_failed", "seq", rec.Seq, "err", err)
		return
	}
	k.logger.Debugw("kafka_sent", "seq", rec.Seq, "partition", partition, "offset", offset)
}

// Close waits for Run to return and closes the producer. Run must have been
// started.
func (k *KafkaSink) Close() error {
	<-k.done
	return k.producer.Close()
}
