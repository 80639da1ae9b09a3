package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/minor-industries/gaswatch/broker"
	"github.com/minor-industries/gaswatch/messages"
	"github.com/minor-industries/gaswatch/schema"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

type Mirror struct {
	w            Writer
	log          *slog.Logger
	writeTimeout time.Duration
}

func New(w Writer, log *slog.Logger) *Mirror {
	return &Mirror{
		w:            w,
		log:          log.With("component", "mirror"),
		writeTimeout: 5 * time.Second,
	}
}

// Run forwards every published batch until ctx is done or the broker stops.
func (m *Mirror) Run(ctx context.Context, br *broker.Broker) {
	msgCh := br.Subscribe()
	defer br.Unsubscribe(msgCh)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			batch, ok := msg.(schema.Batch)
			if !ok {
				continue
			}
			if err := m.publish(ctx, batch); err != nil {
				m.log.Error("kafka write failed", "err", err, "readings", len(batch.Readings))
			}
		}
	}
}

func (m *Mirror) publish(ctx context.Context, batch schema.Batch) error {
	if len(batch.Readings) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(batch.Readings))
	for i, r := range batch.Readings {
		value, err := json.Marshal(messages.FromReading(r))
		if err != nil {
			return errors.Wrap(err, "marshal reading")
		}
		msgs[i] = kafka.Message{
			Key:   []byte(strconv.Itoa(r.SensorID)),
			Value: value,
			Time:  r.Timestamp,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	if err := m.w.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrap(err, "write messages")
	}
	return nil
}

func (m *Mirror) Close() error {
	return m.w.Close()
}
