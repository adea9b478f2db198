// Package channel wraps the reconciliation engine for the SMS and WhatsApp
// gateways: inbox copy, reply delivery and the raw audit record.
package channel

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/parser"
	"github.com/surveikedaikopi/sms-ocr-server/internal/reconcile"
	"github.com/surveikedaikopi/sms-ocr-server/internal/registry"
)

// ReceiveDateLayout gateway receive_date format (gateway local time)
const ReceiveDateLayout = "2006-01-02 15:04:05"

// Inbound one message as posted by a gateway
type Inbound struct {
	ID          string         `json:"id"`
	Channel     models.Channel `json:"channel"`
	Port        int            `json:"gateway_port"`
	GatewayID   string         `json:"gateway_id"`
	Sender      string         `json:"sender"`
	Text        string         `json:"message"`
	ReceiveDate string         `json:"receive_date"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// Inbox keeps a copy of every inbound message
type Inbox interface {
	Append(ctx context.Context, channel string, v interface{}) error
}

// Adapter turns gateway messages into engine calls
type Adapter struct {
	engine  *reconcile.Engine
	audit   registry.Audit
	inbox   Inbox
	senders map[models.Channel]Sender
	logger  *zap.Logger
}

func NewAdapter(engine *reconcile.Engine, audit registry.Audit, inbox Inbox, senders map[models.Channel]Sender, logger *zap.Logger) *Adapter {
	return &Adapter{
		engine:  engine,
		audit:   audit,
		inbox:   inbox,
		senders: senders,
		logger:  logger,
	}
}

// Handle processes one inbound message:
//  1. inbox copy
//  2. heartbeat / parse / reconcile
//  3. reply to the originator (not for foreign messages or heartbeats)
//  4. raw audit record, written even when processing failed
func (a *Adapter) Handle(ctx context.Context, in Inbound) *reconcile.Outcome {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}

	if a.inbox != nil {
		if err := a.inbox.Append(ctx, string(in.Channel), in); err != nil {
			a.logger.Warn("Failed to append inbox", zap.String("channel", string(in.Channel)), zap.Error(err))
		}
	}

	out := a.engine.HandleText(ctx, reconcile.Message{
		Text:       in.Text,
		ReceivedAt: in.ReceivedAt,
		Meta: models.SourceMetadata{
			Channel:     in.Channel,
			MessageID:   in.ID,
			GatewayPort: in.Port,
			GatewayID:   in.GatewayID,
			Sender:      in.Sender,
		},
	})

	if out.Reply != "" {
		if sender, ok := a.senders[in.Channel]; ok {
			if err := sender.Send(ctx, in.Port, in.Sender, out.Reply); err != nil {
				a.logger.Error("Failed to send reply",
					zap.String("channel", string(in.Channel)),
					zap.Int("gateway_port", in.Port),
					zap.String("event_id", out.EventID),
					zap.String("uid", out.UID),
					zap.Error(err),
				)
			}
		}
	}

	raw := models.RawMessage{
		ID:          uuid.NewString(),
		Channel:     in.Channel,
		MessageID:   in.ID,
		ReceivedAt:  in.ReceivedAt,
		Sender:      in.Sender,
		GatewayPort: in.Port,
		GatewayID:   in.GatewayID,
		Text:        in.Text,
		ErrorType:   out.ErrorType,
		Status:      out.AuditStatus(),
	}
	if out.Err != nil {
		raw.Error = out.Err.Error()
	}
	if err := a.audit.LogRawMessage(ctx, raw); err != nil {
		a.logger.Error("Failed to write raw audit record",
			zap.String("channel", string(in.Channel)),
			zap.String("message_id", in.ID),
			zap.Error(err),
		)
	}

	return out
}

// TriggerHeartbeats sends the heartbeat literal to each gateway number
// (keyed by port). Each gateway echoes it back through its receive
// endpoint, which refreshes its liveness record.
func TriggerHeartbeats(ctx context.Context, sender Sender, numbers map[int]string, logger *zap.Logger) int {
	ports := make([]int, 0, len(numbers))
	for port := range numbers {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	sent := 0
	for _, port := range ports {
		num := numbers[port]
		if num == "" {
			continue
		}
		if err := sender.Send(ctx, port, num, parser.HeartbeatText); err != nil {
			logger.Warn("Failed to trigger gateway heartbeat",
				zap.Int("gateway_port", port),
				zap.String("gateway_number", num),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}
