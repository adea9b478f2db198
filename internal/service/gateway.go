package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/channel"
	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

// GatewayTarget gateways of one channel: the sender used to reach them and
// their numbers keyed by port
type GatewayTarget struct {
	Sender  channel.Sender
	Numbers map[int]string
}

// GatewayChecker sends the heartbeat text to every gateway number on a cron
// schedule; gateways answer through the normal receive path
type GatewayChecker struct {
	cron    *cron.Cron
	targets map[models.Channel]GatewayTarget
	logger  *zap.Logger
}

// NewGatewayChecker schedule uses the six-field cron format (with seconds)
// or descriptors such as "@every 1h". Targets without a sender or numbers
// are skipped.
func NewGatewayChecker(schedule string, targets map[models.Channel]GatewayTarget, logger *zap.Logger) (*GatewayChecker, error) {
	g := &GatewayChecker{
		cron:    cron.New(),
		targets: make(map[models.Channel]GatewayTarget, len(targets)),
		logger:  logger,
	}
	for ch, t := range targets {
		if t.Sender != nil && len(t.Numbers) > 0 {
			g.targets[ch] = t
		}
	}
	if len(g.targets) == 0 {
		return nil, fmt.Errorf("gateway check has no gateways to reach")
	}
	err := g.cron.AddFunc(schedule, func() {
		g.Trigger(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("invalid gateway check schedule %q: %w", schedule, err)
	}
	return g, nil
}

// Trigger sends one round of heartbeat requests on every channel
func (g *GatewayChecker) Trigger(ctx context.Context) int {
	channels := make([]string, 0, len(g.targets))
	for ch := range g.targets {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	total := 0
	for _, name := range channels {
		t := g.targets[models.Channel(name)]
		sent := channel.TriggerHeartbeats(ctx, t.Sender, t.Numbers, g.logger)
		g.logger.Info("Gateway check sent",
			zap.String("channel", name),
			zap.Int("sent", sent),
			zap.Int("gateways", len(t.Numbers)),
		)
		total += sent
	}
	return total
}

func (g *GatewayChecker) Start() {
	g.cron.Start()
}

func (g *GatewayChecker) Stop() {
	g.cron.Stop()
}
