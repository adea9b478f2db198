// Package service wires the quick-count components into one process.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/aggregator"
	"github.com/surveikedaikopi/sms-ocr-server/internal/channel"
	"github.com/surveikedaikopi/sms-ocr-server/internal/config"
	"github.com/surveikedaikopi/sms-ocr-server/internal/consumer"
	"github.com/surveikedaikopi/sms-ocr-server/internal/database"
	"github.com/surveikedaikopi/sms-ocr-server/internal/httpapi"
	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	mqttclient "github.com/surveikedaikopi/sms-ocr-server/internal/mqtt"
	"github.com/surveikedaikopi/sms-ocr-server/internal/ocr"
	"github.com/surveikedaikopi/sms-ocr-server/internal/reconcile"
	"github.com/surveikedaikopi/sms-ocr-server/internal/registry"
	"github.com/surveikedaikopi/sms-ocr-server/internal/scto"
	"github.com/surveikedaikopi/sms-ocr-server/internal/store"
)

// App the quick-count service
type App struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqtt        *mqttclient.Client

	registry  *registry.Cached
	adapter   *channel.Adapter
	pool      *consumer.Pool
	ingest    *consumer.IngestConsumer
	poller    *scto.Poller
	scheduler *Scheduler
	gateways  *GatewayChecker
	limiter   *httpapi.RateLimiter
	handler   http.Handler
	server    *Server
	cancel    context.CancelFunc
	gcDone    chan struct{}
}

// NewApp builds every component from cfg
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{config: cfg, logger: logger}

	a.redisClient = store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := a.redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	kv := store.NewRedisKV(a.redisClient)

	backend, err := a.newBackend()
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = registry.NewCached(backend, kv, cfg.Registry.CatalogTTL, logger)

	engine := reconcile.NewEngine(a.registry, cfg.Reconcile.DefaultCeiling, cfg.Reconcile.LockShards, logger)

	senders := map[models.Channel]channel.Sender{}
	if cfg.SMS.SendURL != "" {
		senders[models.ChannelSMS] = channel.NewSMSSender(cfg.SMS.SendURL, cfg.SMS.User, cfg.SMS.Password, logger)
	}
	if cfg.WhatsApp.SendURL != "" {
		senders[models.ChannelWhatsApp] = channel.NewWhatsAppSender(cfg.WhatsApp.SendURL, cfg.WhatsApp.APIKey, cfg.WhatsAppSenders(), logger)
	}

	inbox := store.NewInbox(a.redisClient, cfg.InboxSize)
	a.adapter = channel.NewAdapter(engine, a.registry, inbox, senders, logger)

	// ingest
	var dispatcher consumer.Dispatcher
	switch cfg.Ingest.Mode {
	case "stream":
		name := cfg.Ingest.Consumer
		if name == "" {
			name, _ = os.Hostname()
		}
		a.ingest = consumer.NewIngestConsumer(a.redisClient, a.adapter, cfg.Ingest.Stream, cfg.Ingest.Group, name,
			cfg.Ingest.Workers, int64(cfg.Ingest.BatchSize), logger)
		a.ingest.SetClaimIdle(cfg.Ingest.ClaimIdle)
		dispatcher = consumer.NewStreamPublisher(a.redisClient, cfg.Ingest.Stream)
	default:
		a.pool = consumer.NewPool(a.adapter, cfg.Ingest.Workers, cfg.Ingest.Workers*64, logger)
		dispatcher = a.pool
	}

	// survey pull
	if cfg.SurveyCTO.Enabled {
		var reader scto.Reader
		if cfg.OCR.URL != "" {
			reader = ocr.NewClient(cfg.OCR.URL, cfg.OCR.Timeout, logger)
		}
		client := scto.NewClient(cfg.SurveyCTO.ServerName, cfg.SurveyCTO.UserName, cfg.SurveyCTO.Password, cfg.Registry.Timeout, logger)
		a.poller = scto.NewPoller(client, reader, a.registry, engine, kv, cfg.SurveyCTO.PollInterval, cfg.SurveyCTO.Workers, logger)
	}

	// aggregation
	results := aggregator.NewCacheManager(kv, 3*cfg.Aggregation.Interval, logger)
	exporter := aggregator.NewExporter(cfg.Aggregation.ExportDir)
	agg := aggregator.NewEngine(a.registry, cfg.Aggregation.Workers, logger)
	agg.AddSink(results)
	agg.SetExporter(exporter)
	if cfg.MQTT.Enabled {
		a.mqtt, err = mqttclient.NewClient(&cfg.MQTT, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		agg.AddSink(aggregator.NewMQTTPublisher(a.mqtt, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS))
	}
	lease := NewLease(a.redisClient, cfg.Aggregation.LockKey, 2*cfg.Aggregation.Interval)
	a.scheduler = NewScheduler("aggregation", func(ctx context.Context) { agg.RunCycle(ctx) }, cfg.Aggregation.Interval, lease, logger)

	// gateway heartbeat
	heartbeat := map[models.Channel]map[int]string{
		models.ChannelSMS:      heartbeatNumbers(cfg.GatewayCheck.SMSNumbers),
		models.ChannelWhatsApp: heartbeatNumbers(cfg.GatewayCheck.WANumbers),
	}
	targets := map[models.Channel]GatewayTarget{}
	for ch, numbers := range heartbeat {
		if sender := senders[ch]; sender != nil && len(numbers) > 0 {
			targets[ch] = GatewayTarget{Sender: sender, Numbers: numbers}
		}
	}
	if cfg.GatewayCheck.Schedule != "" && len(targets) > 0 {
		a.gateways, err = NewGatewayChecker(cfg.GatewayCheck.Schedule, targets, logger)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	// http
	a.limiter = httpapi.NewRateLimiter(1, cfg.QuickCount.RateWindow)
	h := httpapi.NewHandler(httpapi.Deps{
		Dispatcher:       dispatcher,
		Inbox:            inbox,
		Senders:          senders,
		HeartbeatNumbers: heartbeat,
		Results:          results,
		Events:           a.registry,
		Exporter:         exporter,
		Catalog:          a.registry,
		Access:           httpapi.NewAccessStore(kv, cfg.QuickCount.IPWhitelist),
		Limiter:          a.limiter,
		GatewayLocation:  cfg.GatewayLocation(),
		Health:           a.health,
	}, logger)
	a.handler = httpapi.NewRouter(h, logger)
	a.server = NewServer(cfg.HTTP.Addr, a.handler, logger)

	return a, nil
}

func (a *App) newBackend() (registry.Backend, error) {
	cfg := a.config
	switch cfg.Registry.Backend {
	case "postgres":
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		pg := registry.NewPostgresStore(db, a.logger)
		if err := pg.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return pg, nil
	case "memory":
		return registry.NewMemory(), nil
	default:
		regionURLs := map[models.EventType]string{
			models.EventPilpres:   cfg.Registry.AggPilpresURL,
			models.EventPilgub:    cfg.Registry.AggProvURL,
			models.EventPilwalkot: cfg.Registry.AggKabKotaURL,
			models.EventPilbup:    cfg.Registry.AggKabKotaURL,
		}
		return registry.NewBubbleClient(cfg.Registry.BubbleURL, cfg.Registry.BubbleAPIKey, cfg.Registry.Timeout, regionURLs, a.logger), nil
	}
}

// heartbeatNumbers maps list position to gateway port (1-based)
func heartbeatNumbers(numbers []string) map[int]string {
	out := make(map[int]string, len(numbers))
	for i, n := range numbers {
		if n = strings.TrimSpace(n); n != "" {
			out[i+1] = n
		}
	}
	return out
}

func (a *App) health(ctx context.Context) map[string]any {
	out := map[string]any{"registry": a.config.Registry.Backend, "ingest": a.config.Ingest.Mode}
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		out["redis"] = err.Error()
	} else {
		out["redis"] = "ok"
	}
	var m consumer.Metrics
	if a.pool != nil {
		m = a.pool.Metrics()
	} else if a.ingest != nil {
		m = a.ingest.Metrics()
	}
	out["processed"] = m.Processed
	out["accepted"] = m.Accepted
	out["rejected"] = m.Rejected
	out["failed"] = m.Failed
	out["dropped"] = m.Dropped
	return out
}

// Handler the HTTP router
func (a *App) Handler() http.Handler { return a.handler }

// Start launches workers, pollers, schedulers and the HTTP server
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("Starting quick-count service",
		zap.String("registry_backend", a.config.Registry.Backend),
		zap.String("ingest_mode", a.config.Ingest.Mode),
		zap.Bool("scto_enabled", a.poller != nil),
		zap.Bool("mqtt_enabled", a.mqtt != nil),
	)

	if a.pool != nil {
		a.pool.Start(ctx)
	}
	if a.ingest != nil {
		if err := a.ingest.Start(ctx); err != nil {
			return err
		}
	}
	if a.poller != nil {
		if err := a.poller.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	if a.gateways != nil {
		a.gateways.Start()
	}

	a.gcDone = make(chan struct{})
	a.limiter.StartGC(5*time.Minute, a.gcDone)

	return a.server.Start()
}

// Stop shuts down in reverse order: stop taking requests, then drain workers
func (a *App) Stop(ctx context.Context) error {
	a.logger.Info("Stopping quick-count service")

	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	if a.gcDone != nil {
		close(a.gcDone)
	}
	if a.gateways != nil {
		a.gateways.Stop()
	}
	a.scheduler.Stop(ctx)
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.ingest != nil {
		a.ingest.Wait()
	}

	a.close()
	a.logger.Info("Quick-count service stopped")
	return nil
}

func (a *App) close() {
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("Error closing redis connection", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Error closing database connection", zap.Error(err))
		}
	}
}
