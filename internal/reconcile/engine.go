// Package reconcile merges channel reports into station records and builds
// the operator reply.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/parser"
	"github.com/surveikedaikopi/sms-ocr-server/internal/registry"
)

// ErrCeilingExceeded total votes above the event ceiling
var ErrCeilingExceeded = errors.New("reconcile: total votes exceed ceiling")

// Message inbound text plus where it came from
type Message struct {
	Text       string
	ReceivedAt time.Time
	Meta       models.SourceMetadata
}

// Report a tally already split into fields (gateway text after parsing, or a
// survey submission)
type Report struct {
	EventID    string
	UID        string
	Votes      []int
	Invalid    int
	ReceivedAt time.Time
	Meta       models.SourceMetadata
}

// Total valid plus invalid
func (r *Report) Total() int {
	return models.TallyTotal(r.Votes, r.Invalid)
}

// Result of an accepted report
type Result struct {
	EventID   string
	UID       string
	Status    models.Status
	Validator string
	Complete  bool
	DeltaTime *float64
}

// Outcome of one inbound message. Reply is empty when nothing should be sent.
type Outcome struct {
	Accepted  bool
	Heartbeat bool
	Foreign   bool
	EventID   string
	UID       string
	Reply     string
	ErrorType *models.ErrorType
	Result    *Result
	// Err processing failure (registry I/O); rejections are not errors
	Err error
}

// AuditStatus raw audit status for this outcome
func (o *Outcome) AuditStatus() models.AuditStatus {
	switch {
	case o.Heartbeat:
		return models.AuditCheckGateway
	case o.Accepted:
		return models.AuditAccepted
	}
	return models.AuditRejected
}

func errType(t models.ErrorType) *models.ErrorType {
	return &t
}

// Engine reconciliation engine
type Engine struct {
	registry       registry.Registry
	locks          *stripedLocks
	defaultCeiling int
	logger         *zap.Logger
}

func NewEngine(reg registry.Registry, defaultCeiling, lockShards int, logger *zap.Logger) *Engine {
	return &Engine{
		registry:       reg,
		locks:          newStripedLocks(lockShards),
		defaultCeiling: defaultCeiling,
		logger:         logger,
	}
}

// HandleText runs a gateway message through heartbeat detection, parsing,
// validation and reconciliation. It never panics on bad input and always
// returns an Outcome; processing failures are reported in Outcome.Err.
func (e *Engine) HandleText(ctx context.Context, msg Message) *Outcome {
	if parser.IsHeartbeat(msg.Text) {
		return e.heartbeat(ctx, msg)
	}

	// 1. header
	parsed, err := parser.Parse(msg.Text)
	if err != nil {
		return e.rejected(msg, err)
	}
	out := &Outcome{EventID: parsed.EventID, UID: parsed.UID}

	// 2. event configuration
	n, err := e.registry.CandidateCount(ctx, parsed.EventID)
	if err != nil {
		if errors.Is(err, registry.ErrNotConfigured) {
			return e.rejected(msg, &parser.Rejection{Kind: parser.Unparseable, UID: parsed.UID, EventID: parsed.EventID, Reason: "event not configured"})
		}
		return e.failed(out, msg, err)
	}

	// 3. station + arity + numerics
	stations, err := e.registry.RegisteredStations(ctx, parsed.EventID)
	if err != nil {
		return e.failed(out, msg, err)
	}
	rep, err := parsed.Report(n, stations)
	if err != nil {
		return e.rejected(msg, err)
	}

	// 4. merge
	report := Report{
		EventID:    rep.EventID,
		UID:        rep.UID,
		Votes:      rep.Votes,
		Invalid:    rep.Invalid,
		ReceivedAt: msg.ReceivedAt,
		Meta:       msg.Meta,
	}
	res, err := e.Reconcile(ctx, report)
	if err != nil {
		var ce *CeilingError
		if errors.As(err, &ce) {
			out.ErrorType = errType(models.ErrTypeCeiling)
			out.Reply = ceilingReply(rep.EventID, rep.Votes, rep.Invalid, ce.Ceiling)
			e.logger.Info("Report rejected",
				zap.String("event_id", rep.EventID),
				zap.String("uid", rep.UID),
				zap.String("channel", string(msg.Meta.Channel)),
				zap.Int("gateway_port", msg.Meta.GatewayPort),
				zap.Int("error_type", int(models.ErrTypeCeiling)),
				zap.Int("total", ce.Total),
			)
			return out
		}
		return e.failed(out, msg, err)
	}

	out.Accepted = true
	out.Result = res
	out.Reply = acceptedReply(rep.EventID, rep.Votes, rep.Invalid)
	return out
}

func (e *Engine) heartbeat(ctx context.Context, msg Message) *Outcome {
	out := &Outcome{Heartbeat: true}
	hb := models.GatewayHeartbeat{
		Channel:     msg.Meta.Channel,
		GatewayID:   msg.Meta.GatewayID,
		GatewayPort: msg.Meta.GatewayPort,
		Status:      models.GatewayActive,
		LastCheck:   msg.ReceivedAt,
	}
	if err := e.registry.TouchGateway(ctx, hb); err != nil {
		out.Err = fmt.Errorf("touch gateway %s: %w", msg.Meta.GatewayID, err)
		out.ErrorType = errType(models.ErrTypeProcessing)
		e.logger.Error("Failed to record gateway heartbeat",
			zap.String("channel", string(msg.Meta.Channel)),
			zap.String("gateway_id", msg.Meta.GatewayID),
			zap.Int("gateway_port", msg.Meta.GatewayPort),
			zap.Error(err),
		)
	}
	return out
}

func (e *Engine) rejected(msg Message, err error) *Outcome {
	var rej *parser.Rejection
	if !errors.As(err, &rej) {
		rej = &parser.Rejection{Kind: parser.Unparseable, Reason: err.Error()}
	}

	out := &Outcome{
		EventID:   rej.EventID,
		UID:       rej.UID,
		ErrorType: errType(rej.Kind.ErrorType()),
	}
	if rej.Kind == parser.UnrecognizedPrefix {
		// not addressed to us; audit only, no reply
		out.Foreign = true
		return out
	}
	out.Reply = rejectionReply(rej)

	e.logger.Info("Message rejected",
		zap.String("event_id", rej.EventID),
		zap.String("uid", rej.UID),
		zap.String("channel", string(msg.Meta.Channel)),
		zap.Int("gateway_port", msg.Meta.GatewayPort),
		zap.Int("error_type", int(*out.ErrorType)),
		zap.String("reason", rej.Error()),
	)
	return out
}

// failed processing error: the sender still gets the generic format reply
func (e *Engine) failed(out *Outcome, msg Message, err error) *Outcome {
	out.Err = err
	out.ErrorType = errType(models.ErrTypeProcessing)
	out.Reply = ReplyUnrecognized

	e.logger.Error("Failed to process message",
		zap.String("event_id", out.EventID),
		zap.String("uid", out.UID),
		zap.String("channel", string(msg.Meta.Channel)),
		zap.Int("gateway_port", msg.Meta.GatewayPort),
		zap.Int("error_type", int(models.ErrTypeProcessing)),
		zap.Error(err),
	)
	return out
}

// CeilingError report total above the event ceiling
type CeilingError struct {
	Total   int
	Ceiling int
}

func (c *CeilingError) Error() string {
	return fmt.Sprintf("total votes %d exceed ceiling %d", c.Total, c.Ceiling)
}

func (c *CeilingError) Unwrap() error { return ErrCeilingExceeded }

// Reconcile accepts r into its channel's slot, re-deriving the station's
// status against the other slot. The record is read and written under the
// station's lock. A report above the ceiling returns *CeilingError and
// leaves the registry untouched.
func (e *Engine) Reconcile(ctx context.Context, r Report) (*Result, error) {
	eventID, uid := models.NormalizeEventID(r.EventID), models.NormalizeUID(r.UID)

	ev, err := e.registry.Event(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}
	if len(r.Votes) != ev.CandidateCount {
		return nil, fmt.Errorf("report for %s/%s has %d votes, event has %d candidates", eventID, uid, len(r.Votes), ev.CandidateCount)
	}

	ceiling := ev.Ceiling
	if ceiling <= 0 {
		ceiling = e.defaultCeiling
	}
	if r.Invalid < 0 {
		return nil, fmt.Errorf("report for %s/%s has negative invalid count %d", eventID, uid, r.Invalid)
	}
	for i, v := range r.Votes {
		if v < 0 {
			return nil, fmt.Errorf("report for %s/%s has negative count %d for candidate %d", eventID, uid, v, i+1)
		}
	}
	if total := r.Total(); ceiling > 0 && total > ceiling {
		return nil, &CeilingError{Total: total, Ceiling: ceiling}
	}

	unlock := e.locks.lock(eventID + "|" + uid)
	defer unlock()

	rec, err := e.registry.GetRecord(ctx, eventID, uid)
	if err != nil {
		return nil, fmt.Errorf("load station %s/%s: %w", eventID, uid, err)
	}

	src := r.Meta.Channel.Source()
	incoming := &models.ChannelReport{
		Votes:      append([]int(nil), r.Votes...),
		Invalid:    r.Invalid,
		ReceivedAt: r.ReceivedAt.UTC(),
		Meta:       r.Meta,
	}
	d := Derive(rec, src, incoming)

	if err := e.registry.UpsertRecord(ctx, eventID, uid, &d.Update); err != nil {
		return nil, fmt.Errorf("update station %s/%s: %w", eventID, uid, err)
	}

	e.logger.Info("Report accepted",
		zap.String("event_id", eventID),
		zap.String("uid", uid),
		zap.String("channel", string(r.Meta.Channel)),
		zap.String("status", string(d.Status)),
		zap.Bool("complete", d.Complete),
	)

	return &Result{
		EventID:   eventID,
		UID:       uid,
		Status:    d.Status,
		Validator: d.Validator,
		Complete:  d.Complete,
		DeltaTime: d.DeltaTime,
	}, nil
}
