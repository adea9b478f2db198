package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/store"
)

const catalogPrefix = "quickcount:catalog:"

// Cached keeps catalog lookups (events, station sets) in the KV store so
// every inbound message does not cost a registry round trip. Record reads
// and writes always go to the backend.
type Cached struct {
	Backend
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
}

func NewCached(backend Backend, kv store.KV, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{Backend: backend, kv: kv, ttl: ttl, logger: logger}
}

func eventKey(eventID string) string {
	return catalogPrefix + models.NormalizeEventID(eventID) + ":event"
}

func stationsKey(eventID string) string {
	return catalogPrefix + models.NormalizeEventID(eventID) + ":stations"
}

const activeKey = catalogPrefix + "active"

// load reads key into v; ok=false on miss or on a corrupt entry
func (c *Cached) load(ctx context.Context, key string, v interface{}) bool {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			c.logger.Warn("Catalog cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		c.logger.Warn("Catalog cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Cached) save(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key, string(data), c.ttl); err != nil {
		c.logger.Warn("Catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cached) Event(ctx context.Context, eventID string) (*models.Event, error) {
	var ev models.Event
	if c.load(ctx, eventKey(eventID), &ev) {
		return &ev, nil
	}
	got, err := c.Backend.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	c.save(ctx, eventKey(eventID), got)
	return got, nil
}

func (c *Cached) ActiveEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	if c.load(ctx, activeKey, &events) {
		return events, nil
	}
	events, err := c.Backend.ActiveEvents(ctx)
	if err != nil {
		return nil, err
	}
	c.save(ctx, activeKey, events)
	return events, nil
}

func (c *Cached) CandidateCount(ctx context.Context, eventID string) (int, error) {
	ev, err := c.Event(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if ev.CandidateCount <= 0 {
		return 0, fmt.Errorf("event %s: %w", eventID, ErrNotConfigured)
	}
	return ev.CandidateCount, nil
}

func (c *Cached) RegisteredStations(ctx context.Context, eventID string) (map[string]struct{}, error) {
	var uids []string
	if c.load(ctx, stationsKey(eventID), &uids) {
		return stationSet(uids), nil
	}
	set, err := c.Backend.RegisteredStations(ctx, eventID)
	if err != nil {
		return nil, err
	}
	uids = make([]string, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	c.save(ctx, stationsKey(eventID), uids)
	return set, nil
}

// Invalidate drops every cached entry of eventID and the active event list
func (c *Cached) Invalidate(ctx context.Context, eventID string) error {
	keys, err := c.kv.ScanKeys(ctx, catalogPrefix+models.NormalizeEventID(eventID)+":*")
	if err != nil {
		return fmt.Errorf("failed to scan catalog keys: %w", err)
	}
	keys = append(keys, activeKey)
	if err := c.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to drop catalog keys: %w", err)
	}
	c.logger.Info("Catalog cache invalidated",
		zap.String("event_id", eventID),
		zap.Int("keys", len(keys)),
	)
	return nil
}
