package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

// bubblePageSize Data API maximum page size
const bubblePageSize = 100

type constraint struct {
	Key            string      `json:"key"`
	ConstraintType string      `json:"constraint_type"`
	Value          interface{} `json:"value,omitempty"`
}

func equals(key string, value interface{}) constraint {
	return constraint{Key: key, ConstraintType: "equals", Value: value}
}

type listResponse struct {
	Response struct {
		Cursor    int               `json:"cursor"`
		Results   []json.RawMessage `json:"results"`
		Remaining int               `json:"remaining"`
		Count     int               `json:"count"`
	} `json:"response"`
}

type createResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// BubbleClient Backend over the Bubble Data API. baseURL is the object
// endpoint root, e.g. https://app.example.com/api/1.1/obj
type BubbleClient struct {
	httpClient *resty.Client
	regionURLs map[models.EventType]string
	logger     *zap.Logger

	mu         sync.RWMutex
	stationIDs map[string]map[string]string // event -> uid -> _id
}

// NewBubbleClient regionURLs maps event types to the workflow endpoints that
// return per-region vote sums.
func NewBubbleClient(baseURL, apiKey string, timeout time.Duration, regionURLs map[models.EventType]string, logger *zap.Logger) *BubbleClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &BubbleClient{
		httpClient: client,
		regionURLs: regionURLs,
		logger:     logger,
		stationIDs: make(map[string]map[string]string),
	}
}

// list pages through typ, calling fn for every row
func (c *BubbleClient) list(ctx context.Context, typ string, cons []constraint, fn func(json.RawMessage) error) error {
	params := map[string]string{"limit": fmt.Sprint(bubblePageSize)}
	if len(cons) > 0 {
		raw, err := json.Marshal(cons)
		if err != nil {
			return fmt.Errorf("failed to marshal constraints: %w", err)
		}
		params["constraints"] = string(raw)
	}

	cursor := 0
	for {
		params["cursor"] = fmt.Sprint(cursor)

		var out listResponse
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&out).
			Get("/" + typ)
		if err != nil {
			return fmt.Errorf("bubble list %s: %w", typ, err)
		}
		if resp.IsError() {
			return fmt.Errorf("bubble list %s: status %d", typ, resp.StatusCode())
		}

		for _, row := range out.Response.Results {
			if err := fn(row); err != nil {
				return err
			}
		}
		if out.Response.Remaining <= 0 || len(out.Response.Results) == 0 {
			return nil
		}
		cursor += len(out.Response.Results)
	}
}

func (c *BubbleClient) patch(ctx context.Context, typ, id string, body interface{}) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Patch("/" + typ + "/" + id)
	if err != nil {
		return fmt.Errorf("bubble patch %s/%s: %w", typ, id, err)
	}
	if resp.StatusCode() == 404 {
		return fmt.Errorf("bubble patch %s/%s: %w", typ, id, ErrNotFound)
	}
	if resp.IsError() {
		return fmt.Errorf("bubble patch %s/%s: status %d", typ, id, resp.StatusCode())
	}
	return nil
}

func (c *BubbleClient) create(ctx context.Context, typ string, body interface{}) (string, error) {
	var out createResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/" + typ)
	if err != nil {
		return "", fmt.Errorf("bubble create %s: %w", typ, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("bubble create %s: status %d", typ, resp.StatusCode())
	}
	return out.ID, nil
}

func (c *BubbleClient) Event(ctx context.Context, eventID string) (*models.Event, error) {
	var found *models.Event
	err := c.list(ctx, typeEvent, []constraint{equals("Event ID", models.NormalizeEventID(eventID))}, func(raw json.RawMessage) error {
		var row bubbleEvent
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if found == nil {
			ev := row.toEvent()
			found = &ev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotConfigured)
	}
	return found, nil
}

func (c *BubbleClient) ActiveEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	err := c.list(ctx, typeEvent, []constraint{equals("Active", true)}, func(raw json.RawMessage) error {
		var row bubbleEvent
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		ev := row.toEvent()
		if ev.Type == "" {
			c.logger.Warn("Skipping event with unknown type",
				zap.String("event_id", ev.ID),
				zap.String("type", row.Type),
			)
			return nil
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

func (c *BubbleClient) CandidateCount(ctx context.Context, eventID string) (int, error) {
	ev, err := c.Event(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if ev.CandidateCount <= 0 {
		return 0, fmt.Errorf("event %s: %w", eventID, ErrNotConfigured)
	}
	return ev.CandidateCount, nil
}

// RegisteredStations lists the event's Votes rows and refreshes the _id cache
func (c *BubbleClient) RegisteredStations(ctx context.Context, eventID string) (map[string]struct{}, error) {
	eventID = models.NormalizeEventID(eventID)
	ids := make(map[string]string)
	err := c.list(ctx, typeVotes, []constraint{equals("Event ID", eventID)}, func(raw json.RawMessage) error {
		var row struct {
			ID  string `json:"_id"`
			UID string `json:"UID"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode station: %w", err)
		}
		ids[models.NormalizeUID(row.UID)] = row.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stationIDs[eventID] = ids
	c.mu.Unlock()

	set := make(map[string]struct{}, len(ids))
	for uid := range ids {
		set[uid] = struct{}{}
	}
	return set, nil
}

func (c *BubbleClient) cachedID(eventID, uid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.stationIDs[eventID][uid]
	return id, ok
}

func (c *BubbleClient) rememberID(eventID, uid, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stationIDs[eventID] == nil {
		c.stationIDs[eventID] = make(map[string]string)
	}
	c.stationIDs[eventID][uid] = id
}

func (c *BubbleClient) GetRecord(ctx context.Context, eventID, uid string) (*models.StationVoteRecord, error) {
	eventID, uid = models.NormalizeEventID(eventID), models.NormalizeUID(uid)

	var rec *models.StationVoteRecord
	cons := []constraint{equals("UID", uid), equals("Event ID", eventID)}
	err := c.list(ctx, typeVotes, cons, func(raw json.RawMessage) error {
		var row bubbleVote
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode vote record: %w", err)
		}
		if rec == nil {
			rec = row.toRecord()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("station %s/%s: %w", eventID, uid, ErrNotFound)
	}
	c.rememberID(eventID, uid, rec.RecordID)
	return rec, nil
}

// UpsertRecord a single PATCH on the station's row; Bubble applies it atomically
func (c *BubbleClient) UpsertRecord(ctx context.Context, eventID, uid string, u *models.RecordUpdate) error {
	eventID, uid = models.NormalizeEventID(eventID), models.NormalizeUID(uid)

	id, ok := c.cachedID(eventID, uid)
	if !ok {
		rec, err := c.GetRecord(ctx, eventID, uid)
		if err != nil {
			return err
		}
		id = rec.RecordID
	}
	return c.patch(ctx, typeVotes, id, updateFields(uid, eventID, u))
}

func (c *BubbleClient) RegionVoteSums(ctx context.Context, ev models.Event) ([]models.RegionVotes, error) {
	url, ok := c.regionURLs[ev.Type]
	if !ok || url == "" {
		return nil, fmt.Errorf("no region sum endpoint for event type %q", ev.Type)
	}

	var out struct {
		Response regionSums `json:"response"`
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("Event ID", ev.ID).
		SetResult(&out).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("region sums %s: %w", ev.ID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("region sums %s: status %d", ev.ID, resp.StatusCode())
	}
	return out.Response.toRegionVotes(ev.CandidateCount), nil
}

// TouchGateway patches the gateway's check row, creating it on first contact
func (c *BubbleClient) TouchGateway(ctx context.Context, hb models.GatewayHeartbeat) error {
	typ := typeGatewayCheckSMS
	if hb.Channel == models.ChannelWhatsApp {
		typ = typeGatewayCheckWA
	}

	var id string
	err := c.list(ctx, typ, []constraint{equals("Gateway ID", hb.GatewayID)}, func(raw json.RawMessage) error {
		var row struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if id == "" {
			id = row.ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"Gateway ID":     hb.GatewayID,
		"Gateway Port":   hb.GatewayPort,
		"Gateway Status": hb.Status == models.GatewayActive,
		"Last Check":     formatBubbleTime(hb.LastCheck),
	}
	if id == "" {
		_, err = c.create(ctx, typ, body)
		return err
	}
	return c.patch(ctx, typ, id, body)
}

func (c *BubbleClient) LogRawMessage(ctx context.Context, m models.RawMessage) error {
	typ, body := rawMessageFields(m)
	_, err := c.create(ctx, typ, body)
	return err
}

// ListAggregates matches eventID ignoring case and surrounding spaces.
// The Data API "equals" constraint is exact, so rows are filtered here.
func (c *BubbleClient) ListAggregates(ctx context.Context, eventID string) ([]models.AggregateRecord, error) {
	want := strings.TrimSpace(eventID)
	var out []models.AggregateRecord
	err := c.list(ctx, typeAggregateRegion, nil, func(raw json.RawMessage) error {
		var row bubbleAggregate
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode aggregate: %w", err)
		}
		rec := row.toRecord()
		if want == "" || strings.EqualFold(strings.TrimSpace(rec.EventID), want) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (c *BubbleClient) InsertAggregate(ctx context.Context, rec models.AggregateRecord) (string, error) {
	return c.create(ctx, typeAggregateRegion, newBubbleAggregate(rec))
}

func (c *BubbleClient) UpdateAggregate(ctx context.Context, rec models.AggregateRecord) error {
	return c.patch(ctx, typeAggregateRegion, rec.ID, newBubbleAggregate(rec))
}
