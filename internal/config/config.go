package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DatabaseConfig Postgres connection settings (registry backend "postgres")
type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	Database string `env:"DB_NAME" envDefault:"quickcount"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int    `env:"DB_MAX_CONNS" envDefault:"20"`
	MaxIdle  int    `env:"DB_MAX_IDLE" envDefault:"5"`
}

// GetDSN builds the lib/pq connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis settings
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// MQTTConfig results publication settings
type MQTTConfig struct {
	Enabled     bool   `env:"MQTT_ENABLED" envDefault:"false"`
	Broker      string `env:"MQTT_BROKER" envDefault:"tcp://localhost:1883"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"quickcount"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
	QoS         byte   `env:"MQTT_QOS" envDefault:"1"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"quickcount/results"`
}

// Config quick-count service configuration
type Config struct {
	HTTP struct {
		Addr string `env:"HTTP_ADDR" envDefault:":8080"`
	}

	Log struct {
		Level       string `env:"LOG_LEVEL" envDefault:"info"`
		Format      string `env:"LOG_FORMAT" envDefault:"json"`
		ServiceName string `env:"SERVICE_NAME" envDefault:"quickcount"`
	}

	// Registry selects where station records and aggregates live.
	// "bubble": hosted no-code database over its Data API
	// "postgres": tables managed by this service
	// "memory": in-process, for local runs
	Registry struct {
		Backend      string        `env:"REGISTRY_BACKEND" envDefault:"bubble"`
		BubbleURL    string        `env:"BUBBLE_URL"`
		BubbleAPIKey string        `env:"BUBBLE_API_KEY"`
		Timeout      time.Duration `env:"REGISTRY_TIMEOUT" envDefault:"15s"`
		CatalogTTL   time.Duration `env:"REGISTRY_CATALOG_TTL" envDefault:"5m"`

		// per event type workflow endpoints returning per-region vote sums
		AggPilpresURL string `env:"URL_VOTES_AGG_PILPRES"`
		AggProvURL    string `env:"URL_VOTES_AGG_PROVINSI"`
		AggKabKotaURL string `env:"URL_VOTES_AGG_KABKOTA"`
	}

	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	SMS struct {
		SendURL  string `env:"URL_SEND_SMS"`
		User     string `env:"NUSA_USER_NAME"`
		Password string `env:"NUSA_PASSWORD"`
	}

	WhatsApp struct {
		SendURL string `env:"URL_SEND_WA"`
		APIKey  string `env:"NUSA_API_KEY"`
		// port:number pairs, e.g. "1:62811...,2:62812..."
		Gateways map[string]string `env:"WA_GATEWAYS" envSeparator:"," envKeyValSeparator:":"`
	}

	SurveyCTO struct {
		Enabled      bool          `env:"SCTO_ENABLED" envDefault:"false"`
		ServerName   string        `env:"SCTO_SERVER_NAME"`
		UserName     string        `env:"SCTO_USER_NAME"`
		Password     string        `env:"SCTO_PASSWORD"`
		PollInterval time.Duration `env:"SCTO_POLL_INTERVAL" envDefault:"5m"`
		Workers      int           `env:"SCTO_WORKERS" envDefault:"8"`
	}

	OCR struct {
		URL     string        `env:"OCR_URL"`
		Timeout time.Duration `env:"OCR_TIMEOUT" envDefault:"20s"`
	}

	Reconcile struct {
		DefaultCeiling int `env:"VOTE_CEILING" envDefault:"700"`
		// offset of gateway receive_date timestamps from UTC (WIB = 7)
		GatewayTZOffsetHours int `env:"GATEWAY_TZ_OFFSET_HOURS" envDefault:"7"`
		LockShards           int `env:"RECONCILE_LOCK_SHARDS" envDefault:"64"`
	}

	Aggregation struct {
		Interval  time.Duration `env:"AGGREGATION_INTERVAL" envDefault:"5m"`
		ExportDir string        `env:"RESULTS_EXPORT_DIR" envDefault:"./data"`
		LockKey   string        `env:"AGGREGATION_LOCK_KEY" envDefault:"quickcount:scheduler:leader"`
		Workers   int           `env:"AGGREGATION_WORKERS" envDefault:"4"`
	}

	// Ingest selects how inbound gateway messages reach the workers.
	// "direct": bounded in-process pool
	// "stream": Redis stream + consumer group (multiple replicas)
	Ingest struct {
		Mode      string `env:"INGEST_MODE" envDefault:"direct"`
		Stream    string `env:"INGEST_STREAM" envDefault:"quickcount:inbound"`
		Group     string `env:"INGEST_GROUP" envDefault:"quickcount-ingest"`
		Consumer  string `env:"INGEST_CONSUMER"`
		Workers   int    `env:"INGEST_WORKERS" envDefault:"8"`
		BatchSize int    `env:"INGEST_BATCH_SIZE" envDefault:"10"`

		// entries pending longer than this are taken over from dead readers
		ClaimIdle time.Duration `env:"INGEST_CLAIM_IDLE" envDefault:"1m"`
	}

	// heartbeat target numbers; list position + 1 is the gateway port
	GatewayCheck struct {
		Schedule   string   `env:"GATEWAY_CHECK_SCHEDULE"`
		SMSNumbers []string `env:"GATEWAY_CHECK_SMS_NUMBERS" envSeparator:","`
		WANumbers  []string `env:"GATEWAY_CHECK_WA_NUMBERS" envSeparator:","`
	}

	QuickCount struct {
		RateWindow  time.Duration `env:"QUICKCOUNT_RATE_WINDOW" envDefault:"60s"`
		IPWhitelist []string      `env:"QUICKCOUNT_IP_WHITELIST" envSeparator:","`
	}

	InboxSize int64 `env:"INBOX_SIZE" envDefault:"10000"`
}

// Load loads configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Registry.Backend {
	case "bubble":
		if c.Registry.BubbleURL == "" {
			return fmt.Errorf("BUBBLE_URL is required for registry backend %q", c.Registry.Backend)
		}
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported registry backend: %s", c.Registry.Backend)
	}

	switch c.Ingest.Mode {
	case "direct", "stream":
	default:
		return fmt.Errorf("unsupported ingest mode: %s", c.Ingest.Mode)
	}

	if c.Aggregation.Interval <= 0 {
		return fmt.Errorf("AGGREGATION_INTERVAL must be positive")
	}
	if c.Reconcile.DefaultCeiling <= 0 {
		return fmt.Errorf("VOTE_CEILING must be positive")
	}
	return nil
}

// WhatsAppSenders returns the WhatsApp sender number per gateway port.
// Entries whose key is not a port number are skipped.
func (c *Config) WhatsAppSenders() map[int]string {
	out := make(map[int]string, len(c.WhatsApp.Gateways))
	for k, v := range c.WhatsApp.Gateways {
		port, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || port <= 0 {
			continue
		}
		out[port] = strings.TrimSpace(v)
	}
	return out
}

// GatewayLocation is the zone gateway receive timestamps are written in
func (c *Config) GatewayLocation() *time.Location {
	off := c.Reconcile.GatewayTZOffsetHours
	return time.FixedZone(fmt.Sprintf("UTC%+d", off), off*3600)
}
