// Package config loads an immutable configuration snapshot for the
// trading control plane and stamps it with a content hash (ConfigSha)
// that is carried on every Decision and AuditLog row for forensic
// reproducibility. Once loaded, a Config value is never mutated.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the immutable snapshot read once at process startup.
type Config struct {
	Mode Mode `json:"mode"`

	TradingTimezone string `json:"tradingTimezone"`
	EntryWindowFrom string `json:"entryWindowFrom"`
	EntryWindowTo   string `json:"entryWindowTo"`
	ExitOnlyTo      string `json:"exitOnlyTo"`

	Capital            decimal.Decimal `json:"capital"`
	PerTradeRiskPct    decimal.Decimal `json:"perTradeRiskPct"`
	MaxPortfolioHeatPct decimal.Decimal `json:"maxPortfolioHeatPct"`
	DailyLossStopPct   decimal.Decimal `json:"dailyLossStopPct"`
	MaxSpreadMidPct    decimal.Decimal `json:"maxSpreadMidPct"`

	ScanInterval       time.Duration `json:"scanInterval"`
	FlattenMaxDuration time.Duration `json:"flattenMaxDuration"`
	ReconcileWindow    time.Duration `json:"reconcileWindow"`
	HeartbeatThreshold time.Duration `json:"heartbeatThreshold"`
	StartupRecoveryMax time.Duration `json:"startupRecoveryMax"`

	LeaderLeaseTTL     time.Duration `json:"leaderLeaseTTL"`
	LeaderRefreshEvery time.Duration `json:"leaderRefreshEvery"`

	BrokerBaseURL   string `json:"brokerBaseURL"`
	BrokerAPIKey    string `json:"-"`
	BrokerAPISecret string `json:"-"`

	StoreDSN  string `json:"storeDSN"`
	LockTable string `json:"lockTable"`

	HTTPAddr      string `json:"httpAddr"`
	MetricsAddr   string `json:"metricsAddr"`
	InstanceID    string `json:"instanceID"`
	LogLevel      string `json:"logLevel"`
	GitHead       string `json:"gitHead"`
	Holidays      []string `json:"holidays"`
	Strategies    []string `json:"strategies"`
}

// Mode mirrors domain.Mode without importing domain, to keep config a
// leaf package with no dependency on the entity model it configures.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// Load reads configuration from environment variables (and, if present,
// a config file named by TRADER_CONFIG_FILE) via viper, applying
// defaults for every field the environment leaves unset.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADER")
	v.AutomaticEnv()
	v.SetDefault("mode", "PAPER")
	v.SetDefault("trading_timezone", "Asia/Kolkata")
	v.SetDefault("entry_window_from", "09:15")
	v.SetDefault("entry_window_to", "15:20")
	v.SetDefault("exit_only_to", "15:25")
	v.SetDefault("capital", "1000000")
	v.SetDefault("per_trade_risk_pct", "0.01")
	v.SetDefault("max_portfolio_heat_pct", "0.06")
	v.SetDefault("daily_loss_stop_pct", "0.03")
	v.SetDefault("max_spread_mid_pct", "0.002")
	v.SetDefault("scan_interval", "5s")
	v.SetDefault("flatten_max_duration", "2s")
	v.SetDefault("reconcile_window", "10s")
	v.SetDefault("heartbeat_threshold", "5s")
	v.SetDefault("startup_recovery_max", "10s")
	v.SetDefault("leader_lease_ttl", "30s")
	v.SetDefault("broker_base_url", "https://broker.example.invalid")
	v.SetDefault("store_dsn", "file:trader.db?_pragma=busy_timeout(5000)")
	v.SetDefault("lock_table", "leader_lock")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")

	if cf := v.GetString("config_file"); cf != "" {
		v.SetConfigFile(cf)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", cf, err)
		}
	}

	capital, err := decimal.NewFromString(v.GetString("capital"))
	if err != nil {
		return Config{}, fmt.Errorf("parse capital: %w", err)
	}
	perTradeRiskPct, err := decimal.NewFromString(v.GetString("per_trade_risk_pct"))
	if err != nil {
		return Config{}, fmt.Errorf("parse per_trade_risk_pct: %w", err)
	}
	maxHeatPct, err := decimal.NewFromString(v.GetString("max_portfolio_heat_pct"))
	if err != nil {
		return Config{}, fmt.Errorf("parse max_portfolio_heat_pct: %w", err)
	}
	dailyLossPct, err := decimal.NewFromString(v.GetString("daily_loss_stop_pct"))
	if err != nil {
		return Config{}, fmt.Errorf("parse daily_loss_stop_pct: %w", err)
	}
	maxSpreadPct, err := decimal.NewFromString(v.GetString("max_spread_mid_pct"))
	if err != nil {
		return Config{}, fmt.Errorf("parse max_spread_mid_pct: %w", err)
	}

	mode := Mode(strings.ToUpper(v.GetString("mode")))
	if mode != ModePaper && mode != ModeLive {
		mode = ModePaper
	}

	cfg := Config{
		Mode:                mode,
		TradingTimezone:     v.GetString("trading_timezone"),
		EntryWindowFrom:     v.GetString("entry_window_from"),
		EntryWindowTo:       v.GetString("entry_window_to"),
		ExitOnlyTo:          v.GetString("exit_only_to"),
		Capital:             capital,
		PerTradeRiskPct:     perTradeRiskPct,
		MaxPortfolioHeatPct: maxHeatPct,
		DailyLossStopPct:    dailyLossPct,
		MaxSpreadMidPct:     maxSpreadPct,
		ScanInterval:        v.GetDuration("scan_interval"),
		FlattenMaxDuration:  v.GetDuration("flatten_max_duration"),
		ReconcileWindow:     v.GetDuration("reconcile_window"),
		HeartbeatThreshold:  v.GetDuration("heartbeat_threshold"),
		StartupRecoveryMax:  v.GetDuration("startup_recovery_max"),
		LeaderLeaseTTL:      v.GetDuration("leader_lease_ttl"),
		LeaderRefreshEvery:  v.GetDuration("leader_lease_ttl") / 3,
		BrokerBaseURL:       v.GetString("broker_base_url"),
		BrokerAPIKey:        v.GetString("broker_api_key"),
		BrokerAPISecret:     v.GetString("broker_api_secret"),
		StoreDSN:            v.GetString("store_dsn"),
		LockTable:           v.GetString("lock_table"),
		HTTPAddr:            v.GetString("http_addr"),
		MetricsAddr:         v.GetString("metrics_addr"),
		InstanceID:          v.GetString("instance_id"),
		LogLevel:            v.GetString("log_level"),
		GitHead:             v.GetString("git_head"),
		Holidays:            v.GetStringSlice("holidays"),
		Strategies:          v.GetStringSlice("strategies"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, nil
}

// Sha computes the config_sha content hash: SHA-256 over the canonical
// JSON encoding of the public (non-secret) fields. Secrets are tagged
// `json:"-"` above so they never enter the hash or any persisted row.
func (c Config) Sha() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:24], nil
}
