package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Inbox capped per-channel list of the most recent raw inbound messages
type Inbox struct {
	client *redis.Client
	prefix string
	size   int64
}

// NewInbox size <= 0 keeps 10000 entries per channel
func NewInbox(client *redis.Client, size int64) *Inbox {
	if size <= 0 {
		size = 10000
	}
	return &Inbox{client: client, prefix: "quickcount:inbox:", size: size}
}

func (i *Inbox) key(channel string) string {
	return i.prefix + channel
}

// Append stores v (JSON) as the newest entry and trims the oldest
func (i *Inbox) Append(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal inbox entry: %w", err)
	}

	key := i.key(channel)
	pipe := i.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -i.size, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append inbox %s: %w", channel, err)
	}
	return nil
}

// Recent returns up to limit newest entries, oldest first
func (i *Inbox) Recent(ctx context.Context, channel string, limit int64) ([]json.RawMessage, error) {
	if limit <= 0 || limit > i.size {
		limit = i.size
	}
	vals, err := i.client.LRange(ctx, i.key(channel), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox %s: %w", channel, err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

// Len number of entries currently kept for channel
func (i *Inbox) Len(ctx context.Context, channel string) (int64, error) {
	return i.client.LLen(ctx, i.key(channel)).Result()
}
