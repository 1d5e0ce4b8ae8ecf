// Package config centralises runtime configuration for Helix services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Helix operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// MarkRule selects how the aggregator derives the mark price from the primary tick.
type MarkRule string

const (
	// MarkRuleLast uses the primary source's last trade price.
	MarkRuleLast MarkRule = "last"
	// MarkRuleMid uses the primary source's bid/ask midpoint.
	MarkRuleMid MarkRule = "mid"
	// MarkRuleVWAP volume-weights the last price across all fresh sources.
	MarkRuleVWAP MarkRule = "vwap"
)

// FeedSettings configures one upstream price source.
type FeedSettings struct {
	Name              string        `yaml:"name"`
	WebsocketURL      string        `yaml:"websocketUrl"`
	RestURL           string        `yaml:"restUrl"`
	Priority          int           `yaml:"priority"`
	MaxSymbols        int           `yaml:"maxSymbols"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	APIKey            string        `yaml:"apiKey"`
	APISecret         string        `yaml:"apiSecret"`
}

// AggregatorSettings tunes tick merging, outlier rejection, and failover.
type AggregatorSettings struct {
	MarkRule          MarkRule      `yaml:"markRule"`
	OutlierThreshold  float64       `yaml:"outlierThreshold"`
	StaleAfter        time.Duration `yaml:"staleAfter"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
	HealthInterval    time.Duration `yaml:"healthInterval"`
	FailoverQuality   float64       `yaml:"failoverQuality"`
	IdleReadTimeout   time.Duration `yaml:"idleReadTimeout"`
	MaxReconnects     int           `yaml:"maxReconnects"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
}

// TradingSettings tunes order admission and matching.
type TradingSettings struct {
	MakerFee      decimal.Decimal `yaml:"makerFee"`
	TakerFee      decimal.Decimal `yaml:"takerFee"`
	SubmitTimeout time.Duration   `yaml:"submitTimeout"`
	TriggerCycle  time.Duration   `yaml:"triggerCycle"`
}

// LiquidationSettings tunes the liquidation engine.
type LiquidationSettings struct {
	MonitorInterval    time.Duration   `yaml:"monitorInterval"`
	ProcessInterval    time.Duration   `yaml:"processInterval"`
	MaxConcurrent      int             `yaml:"maxConcurrent"`
	MarginCallRatio    decimal.Decimal `yaml:"marginCallRatio"`
	LiquidationRatio   decimal.Decimal `yaml:"liquidationRatio"`
	ADLRatio           decimal.Decimal `yaml:"adlRatio"`
	FeeRate            decimal.Decimal `yaml:"feeRate"`
	FundTarget         decimal.Decimal `yaml:"fundTarget"`
	FundInitial        decimal.Decimal `yaml:"fundInitial"`
	LowFundUtilisation decimal.Decimal `yaml:"lowFundUtilisation"`
}

// RiskSettings tunes the system-wide risk monitor.
type RiskSettings struct {
	Interval          time.Duration   `yaml:"interval"`
	MaxExposure       decimal.Decimal `yaml:"maxExposure"`
	ConcentrationPct  decimal.Decimal `yaml:"concentrationPct"`
	NearLiquidationAt decimal.Decimal `yaml:"nearLiquidationAt"`
}

// SessionSettings tunes the push fanout layer.
type SessionSettings struct {
	ListenAddr         string        `yaml:"listenAddr"`
	MaxSymbols         int           `yaml:"maxSymbols"`
	MaxChannels        int           `yaml:"maxChannels"`
	InboundPerSecond   int           `yaml:"inboundPerSecond"`
	ThrottleWindow     time.Duration `yaml:"throttleWindow"`
	SendQueueHighWater int           `yaml:"sendQueueHighWater"`
	WriteTimeout       time.Duration `yaml:"writeTimeout"`
}

// DatabaseSettings configures the postgres persistence layer.
type DatabaseSettings struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"autoMigrate"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	Debug        bool   `yaml:"debug"`
}

// Settings contains the Helix configuration tree loaded from defaults,
// an optional yaml file, and environment overrides.
type Settings struct {
	Environment Environment         `yaml:"environment"`
	Feeds       []FeedSettings      `yaml:"feeds"`
	Aggregator  AggregatorSettings  `yaml:"aggregator"`
	Trading     TradingSettings     `yaml:"trading"`
	Liquidation LiquidationSettings `yaml:"liquidation"`
	Risk        RiskSettings        `yaml:"risk"`
	Session     SessionSettings     `yaml:"session"`
	Database    DatabaseSettings    `yaml:"database"`
	Telemetry   TelemetrySettings   `yaml:"telemetry"`
}

// Default returns the default Helix configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Feeds: []FeedSettings{
			{
				Name:              "binance",
				WebsocketURL:      "wss://stream.binance.com:9443/stream",
				RestURL:           "https://api.binance.com",
				Priority:          1,
				MaxSymbols:        100,
				HeartbeatInterval: 30 * time.Second,
			},
			{
				Name:              "coinbase",
				WebsocketURL:      "wss://ws-feed.exchange.coinbase.com",
				RestURL:           "https://api.exchange.coinbase.com",
				Priority:          2,
				MaxSymbols:        100,
				HeartbeatInterval: 30 * time.Second,
			},
			{
				Name:         "kraken",
				RestURL:      "https://api.kraken.com",
				Priority:     3,
				MaxSymbols:   500,
				PollInterval: 2 * time.Second,
			},
		},
		Aggregator: AggregatorSettings{
			MarkRule:          MarkRuleLast,
			OutlierThreshold:  0.5,
			StaleAfter:        5 * time.Second,
			FlushInterval:     time.Second,
			HealthInterval:    30 * time.Second,
			FailoverQuality:   50,
			IdleReadTimeout:   60 * time.Second,
			MaxReconnects:     10,
			ReconnectInterval: 60 * time.Second,
		},
		Trading: TradingSettings{
			MakerFee:      decimal.NewFromFloat(0.0002),
			TakerFee:      decimal.NewFromFloat(0.0005),
			SubmitTimeout: 2 * time.Second,
			TriggerCycle:  500 * time.Millisecond,
		},
		Liquidation: LiquidationSettings{
			MonitorInterval:    time.Second,
			ProcessInterval:    500 * time.Millisecond,
			MaxConcurrent:      10,
			MarginCallRatio:    decimal.NewFromFloat(0.70),
			LiquidationRatio:   decimal.NewFromFloat(0.95),
			ADLRatio:           decimal.NewFromFloat(0.98),
			FeeRate:            decimal.NewFromFloat(0.005),
			FundTarget:         decimal.NewFromInt(1_000_000),
			FundInitial:        decimal.NewFromInt(100_000),
			LowFundUtilisation: decimal.NewFromFloat(0.25),
		},
		Risk: RiskSettings{
			Interval:          5 * time.Second,
			MaxExposure:       decimal.NewFromInt(50_000_000),
			ConcentrationPct:  decimal.NewFromFloat(0.25),
			NearLiquidationAt: decimal.NewFromFloat(0.85),
		},
		Session: SessionSettings{
			ListenAddr:         ":8443",
			MaxSymbols:         50,
			MaxChannels:        100,
			InboundPerSecond:   100,
			ThrottleWindow:     100 * time.Millisecond,
			SendQueueHighWater: 1000,
			WriteTimeout:       5 * time.Second,
		},
		Database: DatabaseSettings{
			DSN:         "",
			AutoMigrate: false,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "helix-engine",
			Debug:        false,
		},
	}
}

// Load reads a yaml settings file over the defaults. A missing path returns
// defaults untouched.
func Load(path string) (Settings, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv applies environment variable overrides to the settings.
func FromEnv(cfg Settings) Settings {
	if env := strings.TrimSpace(os.Getenv("HELIX_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("HELIX_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("HELIX_DATABASE_AUTO_MIGRATE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Database.AutoMigrate = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("HELIX_SESSION_LISTEN_ADDR")); v != "" {
		cfg.Session.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("HELIX_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("HELIX_LOG_DEBUG")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Debug = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("HELIX_MARK_RULE")); v != "" {
		cfg.Aggregator.MarkRule = MarkRule(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("HELIX_OUTLIER_THRESHOLD")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.Aggregator.OutlierThreshold = parsed
		}
	}
	for i := range cfg.Feeds {
		prefix := "HELIX_FEED_" + strings.ToUpper(cfg.Feeds[i].Name)
		if v := strings.TrimSpace(os.Getenv(prefix + "_WS_URL")); v != "" {
			cfg.Feeds[i].WebsocketURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_REST_URL")); v != "" {
			cfg.Feeds[i].RestURL = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_API_KEY")); v != "" {
			cfg.Feeds[i].APIKey = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_API_SECRET")); v != "" {
			cfg.Feeds[i].APISecret = v
		}
	}
	return cfg
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	if len(s.Feeds) == 0 {
		return fmt.Errorf("config: at least one feed source required")
	}
	seen := make(map[string]struct{}, len(s.Feeds))
	for _, feed := range s.Feeds {
		name := strings.TrimSpace(feed.Name)
		if name == "" {
			return fmt.Errorf("config: feed name required")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: duplicate feed %q", name)
		}
		seen[name] = struct{}{}
		if feed.WebsocketURL == "" && feed.RestURL == "" {
			return fmt.Errorf("config: feed %q needs a websocket or rest endpoint", name)
		}
		if feed.WebsocketURL == "" && feed.PollInterval <= 0 {
			return fmt.Errorf("config: poll feed %q needs a poll interval", name)
		}
	}
	switch s.Aggregator.MarkRule {
	case MarkRuleLast, MarkRuleMid, MarkRuleVWAP:
	default:
		return fmt.Errorf("config: unknown mark rule %q", s.Aggregator.MarkRule)
	}
	if s.Aggregator.OutlierThreshold <= 0 {
		return fmt.Errorf("config: outlier threshold must be positive")
	}
	if s.Session.MaxSymbols <= 0 || s.Session.MaxChannels <= 0 {
		return fmt.Errorf("config: session limits must be positive")
	}
	return nil
}
