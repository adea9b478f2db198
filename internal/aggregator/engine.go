package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/registry"
)

// EventResults latest aggregates of one event
type EventResults struct {
	EventID        string                   `json:"event_id"`
	EventName      string                   `json:"event_name,omitempty"`
	Type           models.EventType         `json:"type"`
	CandidateCount int                      `json:"candidate_count"`
	Records        []models.AggregateRecord `json:"records"`
	ComputedAt     time.Time                `json:"computed_at"`
}

// Sink receives each event's results after they are stored
type Sink interface {
	Publish(ctx context.Context, res *EventResults) error
}

// Source what a cycle reads and writes
type Source interface {
	ActiveEvents(ctx context.Context) ([]models.Event, error)
	RegionVoteSums(ctx context.Context, ev models.Event) ([]models.RegionVotes, error)
	registry.ResultStore
}

// CycleStats counters of one aggregation cycle
type CycleStats struct {
	Events       int
	FailedEvents int
	Inserted     int
	Updated      int
	FailedWrites int
	Duration     time.Duration
}

// Engine aggregation engine
type Engine struct {
	source   Source
	sinks    []Sink
	exporter *Exporter
	workers  int
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(source Source, workers int, logger *zap.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		source:  source,
		workers: workers,
		logger:  logger,
		now:     time.Now,
	}
}

// AddSink registers a publication target
func (e *Engine) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// SetExporter writes the results artifact at the end of each cycle
func (e *Engine) SetExporter(x *Exporter) {
	e.exporter = x
}

// RunCycle aggregates every active event. A failing event or record is
// logged and skipped; the cycle itself never fails.
func (e *Engine) RunCycle(ctx context.Context) CycleStats {
	start := e.now()
	var stats CycleStats

	events, err := e.source.ActiveEvents(ctx)
	if err != nil {
		e.logger.Error("Failed to load active events", zap.Error(err))
		stats.Duration = e.now().Sub(start)
		return stats
	}
	stats.Events = len(events)

	var (
		mu      sync.Mutex
		results []*EventResults
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			res, w, err := e.aggregateEvent(gctx, ev)

			mu.Lock()
			defer mu.Unlock()
			stats.Inserted += w.inserted
			stats.Updated += w.updated
			stats.FailedWrites += w.failed
			if err != nil {
				stats.FailedEvents++
				e.logger.Error("Failed to aggregate event",
					zap.String("event_id", ev.ID),
					zap.Error(err),
				)
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].EventID < results[j].EventID })

	if e.exporter != nil && len(results) > 0 {
		if err := e.exporter.Write(results); err != nil {
			e.logger.Error("Failed to write results artifact", zap.Error(err))
		}
	}

	stats.Duration = e.now().Sub(start)
	e.logger.Info("Aggregation cycle completed",
		zap.Int("events", stats.Events),
		zap.Int("failed_events", stats.FailedEvents),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("failed_writes", stats.FailedWrites),
		zap.Duration("duration", stats.Duration),
	)
	return stats
}

type writeCounts struct {
	inserted, updated, failed int
}

func (e *Engine) aggregateEvent(ctx context.Context, ev models.Event) (*EventResults, writeCounts, error) {
	var w writeCounts

	sums, err := e.source.RegionVoteSums(ctx, ev)
	if err != nil {
		return nil, w, err
	}
	records := Compute(ev.ID, ev.CandidateCount, sums)

	existing, err := e.source.ListAggregates(ctx, ev.ID)
	if err != nil {
		return nil, w, err
	}
	ids := make(map[string]string, len(existing))
	for _, rec := range existing {
		ids[rec.Key()] = rec.ID
	}

	for i := range records {
		rec := &records[i]
		if id, ok := ids[rec.Key()]; ok {
			rec.ID = id
			if err := e.source.UpdateAggregate(ctx, *rec); err != nil {
				w.failed++
				e.logger.Warn("Failed to update aggregate",
					zap.String("event_id", rec.EventID),
					zap.String("region", rec.Region),
					zap.Error(err),
				)
				continue
			}
			w.updated++
			continue
		}

		id, err := e.source.InsertAggregate(ctx, *rec)
		if err != nil {
			w.failed++
			e.logger.Warn("Failed to insert aggregate",
				zap.String("event_id", rec.EventID),
				zap.String("region", rec.Region),
				zap.Error(err),
			)
			continue
		}
		rec.ID = id
		ids[rec.Key()] = id
		w.inserted++
	}

	res := &EventResults{
		EventID:        ev.ID,
		EventName:      ev.Name,
		Type:           ev.Type,
		CandidateCount: ev.CandidateCount,
		Records:        records,
		ComputedAt:     e.now().UTC(),
	}
	for _, s := range e.sinks {
		if err := s.Publish(ctx, res); err != nil {
			e.logger.Warn("Failed to publish results",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
	return res, w, nil
}
