package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler produces the response for one inbound request.
type Handler interface {
	Handle(ctx context.Context, routingKey string, body []byte) Response
}

// KafkaConfig holds broker connection settings.
type KafkaConfig struct {
	Brokers       []string
	RequestTopic  string
	ResponseTopic string
	GroupID       string
}

// KafkaTransport consumes requests from the request topic and publishes
// one response per request to the response topic. The routing key travels
// as the message key; responses are keyed by msg_id.
type KafkaTransport struct {
	reader  *kafka.Reader
	writer  *kafka.Writer
	handler Handler
	logger  *slog.Logger
}

// NewKafkaTransport creates a transport for cfg.
func NewKafkaTransport(cfg KafkaConfig, handler Handler, logger *slog.Logger) *KafkaTransport {
	return &KafkaTransport{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.RequestTopic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.ResponseTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		handler: handler,
		logger:  logger.With(slog.String("component", "kafka_transport")),
	}
}

// Run processes requests until ctx is cancelled. An offset is committed
// only after the response for its message has been written.
func (t *KafkaTransport) Run(ctx context.Context) error {
	t.logger.Info("kafka consumer started",
		slog.String("topic", t.reader.Config().Topic),
		slog.String("group", t.reader.Config().GroupID),
	)

	for {
		msg, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error("kafka fetch failed", slog.String("error", err.Error()))
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if err := t.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error("failed to publish response",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			// Leave the offset uncommitted so the request is redelivered.
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if err := t.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			t.logger.Error("failed to commit offset", slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
		}
	}
}

func (t *KafkaTransport) process(ctx context.Context, msg kafka.Message) error {
	resp := t.handler.Handle(ctx, routingKey(msg), msg.Value)

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(resp.MsgID, 10)),
		Value: body,
	})
}

// Close releases the reader and writer.
func (t *KafkaTransport) Close() error {
	return errors.Join(t.reader.Close(), t.writer.Close())
}

// routingKey prefers an explicit routing-key header over the message key.
func routingKey(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == "routing-key" {
			return string(h.Value)
		}
	}
	return string(msg.Key)
}

// SplitBrokers parses a comma-separated broker list.
func SplitBrokers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
