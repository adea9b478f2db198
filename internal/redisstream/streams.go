package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message one stream entry
type Message struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// Data returns the JSON payload written by PublishJSON
func (m Message) Data() ([]byte, error) {
	raw, ok := m.Values["data"]
	if !ok {
		return nil, fmt.Errorf("stream message %s has no data field", m.ID)
	}
	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("stream message %s: unexpected data type %T", m.ID, raw)
	}
}

// PublishJSON appends data (JSON encoded) to stream
func PublishJSON(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
}

// ReadGroup reads new entries for consumer, blocking up to block
func ReadGroup(ctx context.Context, client *redis.Client, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, err
	}

	var messages []Message
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, Message{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages, nil
}

// ClaimStale takes over entries another consumer read but did not ack within
// minIdle, walking the whole pending list
func ClaimStale(ctx context.Context, client *redis.Client, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	var messages []Message
	start := "0-0"
	for {
		msgs, next, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
			Consumer: consumer,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return messages, nil
			}
			return nil, err
		}
		for _, msg := range msgs {
			messages = append(messages, Message{Stream: stream, ID: msg.ID, Values: msg.Values})
		}
		if next == "" || next == "0-0" {
			return messages, nil
		}
		start = next
	}
}

// Ack acknowledges processed entries
func Ack(ctx context.Context, client *redis.Client, stream, group string, ids ...string) error {
	return client.XAck(ctx, stream, group, ids...).Err()
}

// CreateGroup creates the consumer group (and the stream); an existing group is fine
func CreateGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}
