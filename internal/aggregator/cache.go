package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/store"
)

// ErrNoResults no cycle has produced results for the event yet
var ErrNoResults = errors.New("aggregator: no results")

// CacheManager keeps the latest results per event in the KV store for the
// dashboard read path
type CacheManager struct {
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
}

func NewCacheManager(kv store.KV, ttl time.Duration, logger *zap.Logger) *CacheManager {
	return &CacheManager{kv: kv, ttl: ttl, logger: logger}
}

func resultsKey(eventID string) string {
	return fmt.Sprintf("quickcount:results:%s", eventID)
}

// Publish implements Sink
func (c *CacheManager) Publish(ctx context.Context, res *EventResults) error {
	key := resultsKey(res.EventID)

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := c.kv.Set(ctx, key, string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	c.logger.Debug("Updated results cache",
		zap.String("event_id", res.EventID),
		zap.String("key", key),
	)
	return nil
}

// Latest cached results for eventID
func (c *CacheManager) Latest(ctx context.Context, eventID string) (*EventResults, error) {
	raw, err := c.kv.Get(ctx, resultsKey(eventID))
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return nil, ErrNoResults
		}
		return nil, err
	}
	var res EventResults
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return &res, nil
}
