package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/aggregator"
	"github.com/surveikedaikopi/sms-ocr-server/internal/channel"
	"github.com/surveikedaikopi/sms-ocr-server/internal/consumer"
	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

const maxBodyBytes = 1 << 20

// InboxReader recent raw inbound messages per channel
type InboxReader interface {
	Recent(ctx context.Context, channel string, limit int64) ([]json.RawMessage, error)
}

// ResultsReader latest aggregates per event
type ResultsReader interface {
	Latest(ctx context.Context, eventID string) (*aggregator.EventResults, error)
}

// EventLister active events
type EventLister interface {
	ActiveEvents(ctx context.Context) ([]models.Event, error)
}

// ArtifactReader results export files
type ArtifactReader interface {
	Read(format string) ([]byte, error)
}

// CatalogInvalidator drops cached event configuration
type CatalogInvalidator interface {
	Invalidate(ctx context.Context, eventID string) error
}

// Deps everything the handlers use. Nil optional parts disable their routes'
// behaviour with a 503.
type Deps struct {
	Dispatcher       consumer.Dispatcher
	Inbox            InboxReader
	Senders          map[models.Channel]channel.Sender
	HeartbeatNumbers map[models.Channel]map[int]string
	Results          ResultsReader
	Events           EventLister
	Exporter         ArtifactReader
	Catalog          CatalogInvalidator
	Access           *AccessStore
	Limiter          *RateLimiter
	GatewayLocation  *time.Location
	Health           func(ctx context.Context) map[string]any
}

// Handler HTTP handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.GatewayLocation == nil {
		deps.GatewayLocation = time.UTC
	}
	return &Handler{deps: deps, logger: logger}
}

func gatewayChannel(r *http.Request) (models.Channel, bool) {
	ch, ok := models.ParseChannel(chi.URLParam(r, "channel"))
	if !ok || ch == models.ChannelSCTO {
		return "", false
	}
	return ch, true
}

// Receive POST /receive/{channel}/{port}
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ch, ok := gatewayChannel(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("unknown channel"))
		return
	}
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port <= 0 {
		writeJSON(w, http.StatusBadRequest, Fail("invalid gateway port"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid form"))
		return
	}

	in := channel.Inbound{
		ID:          strings.TrimSpace(r.PostForm.Get("id")),
		Channel:     ch,
		Port:        port,
		GatewayID:   strings.TrimSpace(r.PostForm.Get("gateway_number")),
		Sender:      strings.TrimSpace(r.PostForm.Get("originator")),
		Text:        r.PostForm.Get("msg"),
		ReceiveDate: strings.TrimSpace(r.PostForm.Get("receive_date")),
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.ReceivedAt = time.Now().UTC()
	if in.ReceiveDate != "" {
		if ts, err := time.ParseInLocation(channel.ReceiveDateLayout, in.ReceiveDate, h.deps.GatewayLocation); err == nil {
			in.ReceivedAt = ts.UTC()
		}
	}

	if err := h.deps.Dispatcher.Dispatch(r.Context(), in); err != nil {
		h.logger.Error("Failed to dispatch inbound message",
			zap.String("channel", string(ch)),
			zap.Int("gateway_port", port),
			zap.String("message_id", in.ID),
			zap.Error(err),
		)
		status := http.StatusInternalServerError
		if errors.Is(err, consumer.ErrQueueFull) || errors.Is(err, consumer.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, Fail("message not accepted"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"id": in.ID, "queued": true}))
}

// CheckGateways POST /gateways/{channel}/check
func (h *Handler) CheckGateways(w http.ResponseWriter, r *http.Request) {
	ch, ok := gatewayChannel(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("unknown channel"))
		return
	}
	sender := h.deps.Senders[ch]
	numbers := h.deps.HeartbeatNumbers[ch]
	if sender == nil || len(numbers) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, Fail("no gateways configured for "+string(ch)))
		return
	}

	sent := channel.TriggerHeartbeats(r.Context(), sender, numbers, h.logger)
	writeJSON(w, http.StatusOK, Ok(map[string]int{"sent": sent, "gateways": len(numbers)}))
}

// Inbox GET /inbox/{channel}?limit=
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	ch, ok := gatewayChannel(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("unknown channel"))
		return
	}
	if h.deps.Inbox == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("inbox not available"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	msgs, err := h.deps.Inbox.Recent(r.Context(), string(ch), int64(limit))
	if err != nil {
		h.logger.Error("Failed to read inbox", zap.String("channel", string(ch)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read inbox"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(msgs))
}

// Media POST /media
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	var infos []MediaInfo
	if err := readBodyJSON(r, maxBodyBytes, &infos); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid media info"))
		return
	}

	list := BuildAccessList(infos)
	if err := h.deps.Access.Replace(r.Context(), list); err != nil {
		h.logger.Error("Failed to store access list", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to store access list"))
		return
	}

	h.logger.Info("Access list replaced",
		zap.Int("media", len(infos)),
		zap.Int("ips", len(list.Whitelist)),
	)
	writeJSON(w, http.StatusOK, Ok(list))
}

// QuickCount GET /quickcount?event_id=
func (h *Handler) QuickCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	allowed, ok, err := h.deps.Access.Lookup(ctx, ip)
	if err != nil {
		h.logger.Error("Failed to load access list", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("access list unavailable"))
		return
	}
	if !ok {
		h.logger.Info("Quick count request forbidden", zap.String("ip", ip))
		writeJSON(w, http.StatusForbidden, Fail("Access Forbidden"))
		return
	}
	if !h.deps.Limiter.Allow(ip) {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.deps.Limiter.window.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, Fail("Too Many Requests"))
		return
	}

	events, err := h.deps.Events.ActiveEvents(ctx)
	if err != nil {
		h.logger.Error("Failed to load active events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to load events"))
		return
	}

	want := models.NormalizeEventID(r.URL.Query().Get("event_id"))
	permitted := func(id string) bool {
		if allowed == nil {
			return true
		}
		for _, a := range allowed {
			if a == id {
				return true
			}
		}
		return false
	}

	results := []*aggregator.EventResults{}
	for _, ev := range events {
		id := models.NormalizeEventID(ev.ID)
		if (want != "" && id != want) || !permitted(id) {
			continue
		}
		res, err := h.deps.Results.Latest(ctx, ev.ID)
		if err != nil {
			if !errors.Is(err, aggregator.ErrNoResults) {
				h.logger.Warn("Failed to read results", zap.String("event_id", ev.ID), zap.Error(err))
			}
			continue
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, Ok(results))
}

// ExportResults GET /results/export?format=xlsx|csv
func (h *Handler) ExportResults(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = aggregator.FormatXLSX
	}
	if format != aggregator.FormatXLSX && format != aggregator.FormatCSV {
		writeJSON(w, http.StatusBadRequest, Fail("format must be xlsx or csv"))
		return
	}

	data, err := h.deps.Exporter.Read(format)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, Fail("no results exported yet"))
			return
		}
		h.logger.Error("Failed to read results artifact", zap.String("format", format), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read results"))
		return
	}

	if format == aggregator.FormatXLSX {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", "attachment; filename=results."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// RefreshEvent POST /events/{eventID}/refresh
func (h *Handler) RefreshEvent(w http.ResponseWriter, r *http.Request) {
	eventID := models.NormalizeEventID(chi.URLParam(r, "eventID"))
	if h.deps.Catalog == nil {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"event_id": eventID}))
		return
	}
	if err := h.deps.Catalog.Invalidate(r.Context(), eventID); err != nil {
		h.logger.Error("Failed to invalidate catalog", zap.String("event_id", eventID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to refresh event"))
		return
	}
	h.logger.Info("Event catalog refreshed", zap.String("event_id", eventID))
	writeJSON(w, http.StatusOK, Ok(map[string]string{"event_id": eventID}))
}

// RegionAggregate POST /aggregate/region, form fields part_sum and total_sum
// (repeated or comma-separated integers)
func (h *Handler) RegionAggregate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid form"))
		return
	}
	parts, err := formInts(r.PostForm["part_sum"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid part_sum"))
		return
	}
	totals, err := formInts(r.PostForm["total_sum"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid total_sum"))
		return
	}

	ratios, err := aggregator.Ratios(parts, totals)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(ratios))
}

func formInts(values []string) ([]int, error) {
	var out []int
	for _, v := range values {
		for _, s := range splitList(v) {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// Health GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.deps.Health != nil {
		for k, v := range h.deps.Health(r.Context()) {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, Ok(body))
}
