package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Sender delivers a reply to an originator through a gateway port
type Sender interface {
	Send(ctx context.Context, port int, to, text string) error
}

func newRestyClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")
}

// SMSSender SMS masking HTTP API (GET with credentials in the query)
type SMSSender struct {
	httpClient *resty.Client
	url        string
	user       string
	password   string
	logger     *zap.Logger
}

func NewSMSSender(url, user, password string, logger *zap.Logger) *SMSSender {
	return &SMSSender{
		httpClient: newRestyClient(15 * time.Second),
		url:        url,
		user:       user,
		password:   password,
		logger:     logger,
	}
}

// Send the masking API has no per-port sender; port is ignored
func (s *SMSSender) Send(ctx context.Context, port int, to, text string) error {
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":     s.user,
			"password": s.password,
			"SMSText":  text,
			"GSM":      to,
			"output":   "json",
		}).
		Get(s.url)
	if err != nil {
		return fmt.Errorf("send sms to %s: %w", to, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send sms to %s: status %d", to, resp.StatusCode())
	}

	s.logger.Debug("SMS sent", zap.String("to", to), zap.Int("status_code", resp.StatusCode()))
	return nil
}

// whatsAppPayload body of the WhatsApp gateway send call
type whatsAppPayload struct {
	Message            string `json:"message"`
	Destination        string `json:"destination"`
	Sender             string `json:"sender"`
	IncludeUnsubscribe bool   `json:"include_unsubscribe"`
}

// WhatsAppSender WhatsApp gateway API; each port has its own sender number
type WhatsAppSender struct {
	httpClient *resty.Client
	url        string
	senders    map[int]string
	logger     *zap.Logger
}

func NewWhatsAppSender(url, apiKey string, senders map[int]string, logger *zap.Logger) *WhatsAppSender {
	client := newRestyClient(15 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("APIKey", apiKey)

	return &WhatsAppSender{
		httpClient: client,
		url:        url,
		senders:    senders,
		logger:     logger,
	}
}

func (w *WhatsAppSender) Send(ctx context.Context, port int, to, text string) error {
	from, ok := w.senders[port]
	if !ok || from == "" {
		return fmt.Errorf("no whatsapp sender configured for port %d", port)
	}

	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetBody(whatsAppPayload{
			Message:            text,
			Destination:        to,
			Sender:             from,
			IncludeUnsubscribe: false,
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("send whatsapp to %s: %w", to, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send whatsapp to %s: status %d", to, resp.StatusCode())
	}

	w.logger.Debug("WhatsApp sent", zap.String("to", to), zap.Int("port", port))
	return nil
}
