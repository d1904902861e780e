package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/helios/pkg/config"
)

const (
	envelopeField  = "envelope"
	streamMaxLen   = 100000
	readBlock      = 5 * time.Second
	readBatch      = 32
	readRetryDelay = 2 * time.Second
)

// Sink accepts raw deliveries.
type Sink interface {
	Submit(ctx context.Context, env Envelope) error
}

// StreamProducer appends deliveries to a Redis stream so any replica can process them.
type StreamProducer struct {
	client redis.Cmdable
	stream string
}

// NewStreamProducer constructs a producer for stream.
func NewStreamProducer(client redis.Cmdable, stream string) StreamProducer {
	return StreamProducer{client: client, stream: stream}
}

// Submit implements Sink.
func (p StreamProducer) Submit(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{envelopeField: string(data)},
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append to %s: %w", p.stream, err)
	}
	return nil
}

// StreamConsumer reads deliveries from a Redis stream consumer group and submits them.
type StreamConsumer struct {
	client   redis.Cmdable
	sink     Sink
	logger   *slog.Logger
	stream   string
	group    string
	consumer string
}

// NewStreamConsumer constructs a consumer. It returns nil when no stream is configured.
func NewStreamConsumer(client redis.Cmdable, sink Sink, logger *slog.Logger, cfg config.APIConfig) *StreamConsumer {
	if client == nil || strings.TrimSpace(cfg.WebhookStream) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "helios"
	}
	return &StreamConsumer{
		client:   client,
		sink:     sink,
		logger:   logger.With("component", "webhook", "stream", cfg.WebhookStream),
		stream:   cfg.WebhookStream,
		group:    cfg.WebhookGroup,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run reads until ctx is cancelled. Messages are acknowledged once submitted, including
// malformed ones, which are logged and discarded.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("webhook stream consumer started", "group", c.group, "consumer", c.consumer)
	for {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if ctx.Err() != nil {
			c.logger.Info("webhook stream consumer stopped")
			return nil
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Warn("stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *StreamConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.group, err)
	}
	return nil
}

func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) {
	env, err := decodeMessage(msg)
	if err != nil {
		c.logger.Warn("malformed stream message discarded", "message_id", msg.ID, "error", err)
	} else if err := c.sink.Submit(ctx, env); err != nil {
		c.logger.Warn("webhook event dropped", "event", env.Category, "delivery_id", env.DeliveryID, "error", err)
	}
	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		c.logger.Warn("stream ack failed", "message_id", msg.ID, "error", err)
	}
}

func decodeMessage(msg redis.XMessage) (Envelope, error) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		return Envelope{}, errors.New("missing envelope field")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
