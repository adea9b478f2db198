package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// regionColumns level -> station_votes column; never built from input
var regionColumns = map[models.RegionLevel]string{
	models.LevelProvinsi:  "provinsi",
	models.LevelKabKota:   "kab_kota",
	models.LevelKecamatan: "kecamatan",
}

// PostgresStore Backend on Postgres tables owned by this service
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates missing tables
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const eventColumns = `event_id, name, type, candidate_count, ceiling, scto_form_id, ocr_processor_id, active`

func scanEvent(row interface{ Scan(...interface{}) error }) (models.Event, error) {
	var (
		ev  models.Event
		typ string
	)
	if err := row.Scan(&ev.ID, &ev.Name, &typ, &ev.CandidateCount, &ev.Ceiling, &ev.SCTOFormID, &ev.OCRProcessorID, &ev.Active); err != nil {
		return ev, err
	}
	ev.Type, _ = models.ParseEventType(typ)
	return ev, nil
}

func (s *PostgresStore) Event(ctx context.Context, eventID string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_id = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, models.NormalizeEventID(eventID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotConfigured)
		}
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) ActiveEvents(ctx context.Context) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE active ORDER BY event_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.Type == "" {
			s.logger.Warn("Skipping event with unknown type", zap.String("event_id", ev.ID))
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) CandidateCount(ctx context.Context, eventID string) (int, error) {
	ev, err := s.Event(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if ev.CandidateCount <= 0 {
		return 0, fmt.Errorf("event %s: %w", eventID, ErrNotConfigured)
	}
	return ev.CandidateCount, nil
}

func (s *PostgresStore) RegisteredStations(ctx context.Context, eventID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM station_votes WHERE event_id = $1`, models.NormalizeEventID(eventID))
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stationSet(uids), nil
}

// slot nullable columns of one report slot
type slot struct {
	votes      pq.Int64Array
	invalid    sql.NullInt64
	receivedAt sql.NullTime
	meta       []byte
}

func (sl *slot) report() (*models.ChannelReport, error) {
	if sl.votes == nil {
		return nil, nil
	}
	r := &models.ChannelReport{
		Votes:   make([]int, len(sl.votes)),
		Invalid: int(sl.invalid.Int64),
	}
	for i, v := range sl.votes {
		r.Votes[i] = int(v)
	}
	if sl.receivedAt.Valid {
		r.ReceivedAt = sl.receivedAt.Time.UTC()
	}
	if len(sl.meta) > 0 {
		if err := json.Unmarshal(sl.meta, &r.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode report metadata: %w", err)
		}
	}
	return r, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, eventID, uid string) (*models.StationVoteRecord, error) {
	query := `
		SELECT record_id, uid, event_id, provinsi, kab_kota, kecamatan, kelurahan,
		       active, complete, status, validator, total_votes, delta_time, note,
		       sms_votes, sms_invalid, sms_received_at, sms_meta,
		       scto_votes, scto_invalid, scto_received_at, scto_meta
		FROM station_votes
		WHERE event_id = $1 AND uid = $2
	`

	var (
		rec       models.StationVoteRecord
		status    string
		delta     sql.NullFloat64
		note      sql.NullString
		sms, scto slot
	)
	err := s.db.QueryRowContext(ctx, query, models.NormalizeEventID(eventID), models.NormalizeUID(uid)).Scan(
		&rec.RecordID, &rec.UID, &rec.EventID,
		&rec.Region.Provinsi, &rec.Region.KabKota, &rec.Region.Kecamatan, &rec.Region.Kelurahan,
		&rec.Active, &rec.Complete, &status, &rec.Validator, &rec.TotalVotes, &delta, &note,
		&sms.votes, &sms.invalid, &sms.receivedAt, &sms.meta,
		&scto.votes, &scto.invalid, &scto.receivedAt, &scto.meta,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("station %s/%s: %w", eventID, uid, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query station record: %w", err)
	}

	rec.Status = models.Status(status)
	if delta.Valid {
		d := delta.Float64
		rec.DeltaTime = &d
	}
	if note.Valid {
		n := note.String
		rec.Note = &n
	}
	if rec.SMS, err = sms.report(); err != nil {
		return nil, err
	}
	if rec.SCTO, err = scto.report(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func toInt64s(v []int) pq.Int64Array {
	out := make(pq.Int64Array, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

// UpsertRecord one UPDATE with exactly the supplied columns
func (s *PostgresStore) UpsertRecord(ctx context.Context, eventID, uid string, u *models.RecordUpdate) error {
	var (
		sets []string
		args []interface{}
	)
	set := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Active != nil {
		set("active", *u.Active)
	}
	if u.Complete != nil {
		set("complete", *u.Complete)
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.Validator != nil {
		set("validator", *u.Validator)
	}
	if u.TotalVotes != nil {
		set("total_votes", *u.TotalVotes)
	}
	if u.DeltaTime != nil {
		set("delta_time", *u.DeltaTime)
	}
	if u.Note != nil {
		set("note", *u.Note)
	}
	if r := u.Report; r != nil {
		prefix := "sms"
		if u.Source == models.SourceSCTO {
			prefix = "scto"
		}
		meta, err := json.Marshal(r.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode report metadata: %w", err)
		}
		set(prefix+"_votes", toInt64s(r.Votes))
		set(prefix+"_invalid", r.Invalid)
		set(prefix+"_received_at", r.ReceivedAt.UTC())
		set(prefix+"_meta", meta)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, models.NormalizeEventID(eventID), models.NormalizeUID(uid))
	query := fmt.Sprintf(`UPDATE station_votes SET %s WHERE event_id = $%d AND uid = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update station record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("station %s/%s: %w", eventID, uid, ErrNotFound)
	}
	return nil
}

// RegionVoteSums sums each candidate slot per region. The gateway tally is
// used when present, otherwise the survey tally.
func (s *PostgresStore) RegionVoteSums(ctx context.Context, ev models.Event) ([]models.RegionVotes, error) {
	col, ok := regionColumns[ev.Type.RegionLevel()]
	if !ok {
		return nil, fmt.Errorf("no region column for event type %q", ev.Type)
	}

	query := fmt.Sprintf(`
		SELECT s.region, v.idx, SUM(v.val)
		FROM (
			SELECT %s AS region, COALESCE(sms_votes, scto_votes) AS votes
			FROM station_votes
			WHERE event_id = $1 AND active
		) s
		CROSS JOIN LATERAL unnest(s.votes) WITH ORDINALITY AS v(val, idx)
		WHERE v.idx <= $2
		GROUP BY s.region, v.idx
		ORDER BY s.region, v.idx
	`, col)

	rows, err := s.db.QueryContext(ctx, query, models.NormalizeEventID(ev.ID), ev.CandidateCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query region sums: %w", err)
	}
	defer rows.Close()

	var out []models.RegionVotes
	for rows.Next() {
		var (
			region string
			idx    int
			sum    int64
		)
		if err := rows.Scan(&region, &idx, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan region sum: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Region != region {
			out = append(out, models.RegionVotes{Region: region, Votes: make([]int, ev.CandidateCount)})
		}
		if idx >= 1 && idx <= ev.CandidateCount {
			out[len(out)-1].Votes[idx-1] = int(sum)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchGateway(ctx context.Context, hb models.GatewayHeartbeat) error {
	query := `
		INSERT INTO gateway_checks (channel, gateway_id, gateway_port, status, last_check)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel, gateway_id)
		DO UPDATE SET gateway_port = EXCLUDED.gateway_port, status = EXCLUDED.status, last_check = EXCLUDED.last_check
	`
	_, err := s.db.ExecContext(ctx, query, string(hb.Channel), hb.GatewayID, hb.GatewayPort, hb.Status, hb.LastCheck.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert gateway check: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogRawMessage(ctx context.Context, m models.RawMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	var errType sql.NullInt64
	if m.ErrorType != nil {
		errType = sql.NullInt64{Int64: int64(*m.ErrorType), Valid: true}
	}
	query := `
		INSERT INTO raw_messages (id, channel, message_id, received_at, sender, gateway_port, gateway_id, text, error_type, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, string(m.Channel), m.MessageID, m.ReceivedAt.UTC(), m.Sender,
		m.GatewayPort, m.GatewayID, m.Text, errType, string(m.Status), m.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert raw message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAggregates(ctx context.Context, eventID string) ([]models.AggregateRecord, error) {
	query := `SELECT id, event_id, region, percentages FROM aggregate_regions`
	var args []interface{}
	if eventID != "" {
		query += ` WHERE lower(trim(event_id)) = lower(trim($1))`
		args = append(args, eventID)
	}
	query += ` ORDER BY event_id, region`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var out []models.AggregateRecord
	for rows.Next() {
		var (
			rec  models.AggregateRecord
			pcts pq.Float64Array
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Region, &pcts); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		rec.Percentages = []float64(pcts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAggregate(ctx context.Context, rec models.AggregateRecord) (string, error) {
	id := uuid.NewString()
	query := `
		INSERT INTO aggregate_regions (id, event_id, region, percentages, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, id, rec.EventID, rec.Region, pq.Float64Array(rec.Percentages), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert aggregate: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateAggregate(ctx context.Context, rec models.AggregateRecord) error {
	query := `
		UPDATE aggregate_regions
		SET event_id = $2, region = $3, percentages = $4, updated_at = $5
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, rec.ID, rec.EventID, rec.Region, pq.Float64Array(rec.Percentages), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update aggregate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("aggregate %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}
