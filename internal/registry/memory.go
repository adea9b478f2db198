package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

// Memory in-process Backend for tests and local runs
type Memory struct {
	mu         sync.Mutex
	events     map[string]models.Event
	records    map[string]*models.StationVoteRecord
	gateways   map[string]models.GatewayHeartbeat
	raw        []models.RawMessage
	aggregates map[string]models.AggregateRecord
	writes     int
}

func NewMemory() *Memory {
	return &Memory{
		events:     make(map[string]models.Event),
		records:    make(map[string]*models.StationVoteRecord),
		gateways:   make(map[string]models.GatewayHeartbeat),
		aggregates: make(map[string]models.AggregateRecord),
	}
}

func recordKey(eventID, uid string) string {
	return models.NormalizeEventID(eventID) + "|" + models.NormalizeUID(uid)
}

// AddEvent registers ev and an empty record per uid
func (m *Memory) AddEvent(ev models.Event, uids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = models.NormalizeEventID(ev.ID)
	m.events[ev.ID] = ev
	for _, uid := range uids {
		m.records[recordKey(ev.ID, uid)] = &models.StationVoteRecord{
			RecordID: uuid.NewString(),
			UID:      models.NormalizeUID(uid),
			EventID:  ev.ID,
			Status:   models.StatusEmpty,
		}
	}
}

// SetRegion sets the administrative region of a station
func (m *Memory) SetRegion(eventID, uid string, region models.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[recordKey(eventID, uid)]; ok {
		rec.Region = region
	}
}

// Writes number of successful UpsertRecord calls
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// RawMessages copy of the audit log
func (m *Memory) RawMessages() []models.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RawMessage(nil), m.raw...)
}

// Gateway last heartbeat for gatewayID
func (m *Memory) Gateway(channel models.Channel, gatewayID string) (models.GatewayHeartbeat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.gateways[string(channel)+"|"+gatewayID]
	return hb, ok
}

func (m *Memory) Event(ctx context.Context, eventID string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[models.NormalizeEventID(eventID)]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotConfigured)
	}
	return &ev, nil
}

func (m *Memory) ActiveEvents(ctx context.Context) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events {
		if ev.Active {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CandidateCount(ctx context.Context, eventID string) (int, error) {
	ev, err := m.Event(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if ev.CandidateCount <= 0 {
		return 0, fmt.Errorf("event %s: %w", eventID, ErrNotConfigured)
	}
	return ev.CandidateCount, nil
}

func (m *Memory) RegisteredStations(ctx context.Context, eventID string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := models.NormalizeEventID(eventID) + "|"
	var uids []string
	for k, rec := range m.records {
		if strings.HasPrefix(k, prefix) {
			uids = append(uids, rec.UID)
		}
	}
	return stationSet(uids), nil
}

func (m *Memory) GetRecord(ctx context.Context, eventID, uid string) (*models.StationVoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(eventID, uid)]
	if !ok {
		return nil, fmt.Errorf("station %s/%s: %w", eventID, uid, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) UpsertRecord(ctx context.Context, eventID, uid string, u *models.RecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(eventID, uid)]
	if !ok {
		return fmt.Errorf("station %s/%s: %w", eventID, uid, ErrNotFound)
	}
	u.Apply(rec)
	m.writes++
	return nil
}

// RegionVoteSums sums the SMS-slot tally of active stations, falling back to the SCTO slot
func (m *Memory) RegionVoteSums(ctx context.Context, ev models.Event) ([]models.RegionVotes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level := ev.Type.RegionLevel()
	prefix := models.NormalizeEventID(ev.ID) + "|"
	sums := make(map[string][]int)
	var order []string
	for k, rec := range m.records {
		if !strings.HasPrefix(k, prefix) || !rec.Active {
			continue
		}
		report := rec.SMS
		if report == nil {
			report = rec.SCTO
		}
		if report == nil {
			continue
		}
		label := rec.Region.Label(level)
		if _, ok := sums[label]; !ok {
			sums[label] = make([]int, ev.CandidateCount)
			order = append(order, label)
		}
		for i := 0; i < len(report.Votes) && i < ev.CandidateCount; i++ {
			sums[label][i] += report.Votes[i]
		}
	}

	sort.Strings(order)
	out := make([]models.RegionVotes, 0, len(order))
	for _, label := range order {
		out = append(out, models.RegionVotes{Region: label, Votes: sums[label]})
	}
	return out, nil
}

func (m *Memory) TouchGateway(ctx context.Context, hb models.GatewayHeartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[string(hb.Channel)+"|"+hb.GatewayID] = hb
	return nil
}

func (m *Memory) LogRawMessage(ctx context.Context, msg models.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, msg)
	return nil
}

func (m *Memory) ListAggregates(ctx context.Context, eventID string) ([]models.AggregateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AggregateRecord
	for _, a := range m.aggregates {
		if eventID == "" || strings.EqualFold(strings.TrimSpace(a.EventID), strings.TrimSpace(eventID)) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *Memory) InsertAggregate(ctx context.Context, rec models.AggregateRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.NewString()
	m.aggregates[rec.ID] = rec
	return rec.ID, nil
}

func (m *Memory) UpdateAggregate(ctx context.Context, rec models.AggregateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.aggregates[rec.ID]; !ok {
		return fmt.Errorf("aggregate %s: %w", rec.ID, ErrNotFound)
	}
	m.aggregates[rec.ID] = rec
	return nil
}
