package notify

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/notification"
)

// KafkaConfig configures the Kafka notification sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	DialTimeout  time.Duration
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications as JSON records keyed by account when present.
type Kafka struct {
	writer messageWriter
	topic  string
}

type kafkaEvent struct {
	Level   string            `json:"level"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Fields  map[string]string `json:"fields,omitempty"`
	Created time.Time         `json:"created"`
}

// NewKafka constructs a Kafka notifier with a least-bytes balanced writer.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errs.Configuration("kafka notifier requires brokers and topic")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 200 * time.Millisecond
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		Dialer:       &kafka.Dialer{Timeout: dialTimeout, DualStack: true},
		BatchTimeout: batchTimeout,
		RequiredAcks: int(kafka.RequireOne),
	})
	return &Kafka{writer: writer, topic: cfg.Topic}, nil
}

// Notify implements notification.Notifier.
func (k *Kafka) Notify(ctx context.Context, msg notification.Message) error {
	msg = stamp(msg)
	payload, err := json.Marshal(kafkaEvent{
		Level:   string(msg.Level),
		Title:   msg.Title,
		Body:    msg.Body,
		Fields:  msg.Fields,
		Created: msg.Created,
	})
	if err != nil {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("encode notification"), errs.WithCause(err))
	}
	key := msg.Fields["account_id"]
	if key == "" {
		key = msg.Fields["bot_id"]
	}
	record := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  msg.Created,
		Headers: []kafka.Header{
			{Key: "level", Value: []byte(msg.Level)},
		},
	}
	if err := k.writer.WriteMessages(ctx, record); err != nil {
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("publish notification"),
			errs.WithCause(err), errs.WithField("topic", k.topic))
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
