package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/channel"
	"github.com/surveikedaikopi/sms-ocr-server/internal/redisstream"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	readBlock      = 2 * time.Second
)

// DefaultClaimIdle pending entries idle this long belong to a dead reader
const DefaultClaimIdle = time.Minute

// StreamPublisher publishes inbound messages to the ingest stream ("stream"
// ingest mode); any replica's IngestConsumer may process them
type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

// Dispatch implements Dispatcher
func (p *StreamPublisher) Dispatch(ctx context.Context, in channel.Inbound) error {
	if _, err := redisstream.PublishJSON(ctx, p.client, p.stream, in); err != nil {
		return fmt.Errorf("publish inbound: %w", err)
	}
	return nil
}

// IngestConsumer reads the ingest stream as one consumer of a group and runs
// each entry through the handler
type IngestConsumer struct {
	client   *redis.Client
	handler  Handler
	stream   string
	group    string
	consumer string
	workers  int
	batch    int64
	logger   *zap.Logger
	metrics  *Metrics

	// claimIdle <= 0 disables reclaiming
	claimIdle time.Duration

	wg sync.WaitGroup
}

func NewIngestConsumer(client *redis.Client, handler Handler, stream, group, consumer string, workers int, batch int64, logger *zap.Logger) *IngestConsumer {
	if workers <= 0 {
		workers = 1
	}
	if batch <= 0 {
		batch = 10
	}
	return &IngestConsumer{
		client:    client,
		handler:   handler,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		workers:   workers,
		batch:     batch,
		logger:    logger,
		metrics:   newMetrics(),
		claimIdle: DefaultClaimIdle,
	}
}

// SetClaimIdle sets how long an entry stays pending before another reader
// takes it over. Call before Start.
func (c *IngestConsumer) SetClaimIdle(d time.Duration) {
	c.claimIdle = d
}

// Start creates the group and launches the readers; it returns once they run
func (c *IngestConsumer) Start(ctx context.Context) error {
	if err := redisstream.CreateGroup(ctx, c.client, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.stream, err)
	}

	c.logger.Info("Ingest consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.group),
		zap.String("consumer_name", c.consumer),
		zap.Int("workers", c.workers),
	)

	for i := 0; i < c.workers; i++ {
		name := fmt.Sprintf("%s-%d", c.consumer, i)
		// one reader per replica sweeps the pending list
		reclaim := i == 0 && c.claimIdle > 0
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run(ctx, name, reclaim)
		}()
	}
	return nil
}

// Wait blocks until every reader has returned (after ctx ends)
func (c *IngestConsumer) Wait() {
	c.wg.Wait()
}

func (c *IngestConsumer) Metrics() Metrics { return c.metrics.Snapshot() }

func (c *IngestConsumer) run(ctx context.Context, name string, reclaim bool) {
	backoff := initialBackoff
	var lastClaim time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if reclaim && time.Since(lastClaim) >= c.claimIdle {
			if err := c.reclaim(ctx, name); err != nil && ctx.Err() == nil {
				c.logger.Warn("Failed to reclaim pending entries", zap.String("consumer_name", name), zap.Error(err))
			}
			lastClaim = time.Now()
		}

		if err := c.consume(ctx, name); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to consume stream",
				zap.String("consumer_name", name),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = initialBackoff
	}
}

func (c *IngestConsumer) consume(ctx context.Context, name string) error {
	msgs, err := redisstream.ReadGroup(ctx, c.client, c.stream, c.group, name, c.batch, readBlock)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	c.handleAll(ctx, msgs)
	return nil
}

// reclaim processes entries left pending by readers that stopped before
// acking them (a replica killed mid batch)
func (c *IngestConsumer) reclaim(ctx context.Context, name string) error {
	msgs, err := redisstream.ClaimStale(ctx, c.client, c.stream, c.group, name, c.claimIdle, c.batch)
	if err != nil {
		return fmt.Errorf("failed to claim pending entries: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	c.logger.Info("Reclaimed pending entries",
		zap.String("consumer_name", name),
		zap.Int("count", len(msgs)),
	)
	c.handleAll(ctx, msgs)
	return nil
}

func (c *IngestConsumer) handleAll(ctx context.Context, msgs []redisstream.Message) {
	for _, msg := range msgs {
		c.process(ctx, msg)
		// entries that cannot be decoded are acked too; redelivery would not fix them
		if err := redisstream.Ack(ctx, c.client, c.stream, c.group, msg.ID); err != nil {
			c.logger.Warn("Failed to ack entry", zap.String("stream_id", msg.ID), zap.Error(err))
		}
	}
}

func (c *IngestConsumer) process(ctx context.Context, msg redisstream.Message) {
	data, err := msg.Data()
	if err != nil {
		c.metrics.drop()
		c.logger.Error("Invalid stream entry", zap.String("stream_id", msg.ID), zap.Error(err))
		return
	}
	var in channel.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.metrics.drop()
		c.logger.Error("Failed to parse inbound entry", zap.String("stream_id", msg.ID), zap.Error(err))
		return
	}

	start := time.Now()
	out := c.handler.Handle(ctx, in)
	c.metrics.record(out, time.Since(start))
}
