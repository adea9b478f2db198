// Package registry is the station registry: event catalog, per-station vote
// records, gateway liveness, raw audit log and the aggregate results table.
package registry

import (
	"context"
	"errors"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

var (
	// ErrNotFound no record for (event, uid)
	ErrNotFound = errors.New("registry: record not found")
	// ErrNotConfigured event unknown or without a candidate count
	ErrNotConfigured = errors.New("registry: event not configured")
)

// Catalog per-event configuration
type Catalog interface {
	Event(ctx context.Context, eventID string) (*models.Event, error)
	ActiveEvents(ctx context.Context) ([]models.Event, error)
	CandidateCount(ctx context.Context, eventID string) (int, error)
	RegisteredStations(ctx context.Context, eventID string) (map[string]struct{}, error)
}

// Records station vote records
type Records interface {
	GetRecord(ctx context.Context, eventID, uid string) (*models.StationVoteRecord, error)
	// UpsertRecord changes only the supplied fields, atomically for one station
	UpsertRecord(ctx context.Context, eventID, uid string, u *models.RecordUpdate) error
	// RegionVoteSums valid votes summed per region at the event's region level
	RegionVoteSums(ctx context.Context, ev models.Event) ([]models.RegionVotes, error)
}

// Audit gateway liveness and raw message log
type Audit interface {
	TouchGateway(ctx context.Context, hb models.GatewayHeartbeat) error
	LogRawMessage(ctx context.Context, m models.RawMessage) error
}

// Registry everything the ingest path needs
type Registry interface {
	Catalog
	Records
	Audit
}

// ResultStore aggregate rows keyed by (event, region)
type ResultStore interface {
	ListAggregates(ctx context.Context, eventID string) ([]models.AggregateRecord, error)
	InsertAggregate(ctx context.Context, rec models.AggregateRecord) (string, error)
	UpdateAggregate(ctx context.Context, rec models.AggregateRecord) error
}

// Backend a full registry implementation
type Backend interface {
	Registry
	ResultStore
}

func stationSet(uids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(uids))
	for _, u := range uids {
		set[models.NormalizeUID(u)] = struct{}{}
	}
	return set
}
