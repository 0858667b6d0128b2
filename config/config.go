package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the rewards daemon.
type Config struct {
	Listen      string          `yaml:"listen"`
	Environment string          `yaml:"environment"`
	LogLevel    string          `yaml:"log_level"`
	Database    DatabaseConfig  `yaml:"database"`
	Chain       ChainConfig     `yaml:"chain"`
	Oracle      OracleConfig    `yaml:"oracle"`
	Lifecycle   LifecycleConfig `yaml:"lifecycle"`
	Sync        SyncConfig      `yaml:"sync"`
	Rewards     RewardsConfig   `yaml:"rewards"`
	Program     ProgramConfig   `yaml:"program"`
	Claims      ClaimsConfig    `yaml:"claims"`
	Admin       AdminConfig     `yaml:"admin"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	HTTP        HTTPConfig      `yaml:"http"`
}

// DatabaseConfig locates the relational store.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"`
	DSNEnv  string `yaml:"dsn_env"`
	DSNFile string `yaml:"dsn_file"`
}

// ChainConfig locates the RPC provider and the program's contracts.
type ChainConfig struct {
	RPCURL          string   `yaml:"rpc_url"`
	ChainID         uint64   `yaml:"chain_id"`
	Pool            string   `yaml:"pool"`
	PositionManager string   `yaml:"position_manager"`
	RewardContract  string   `yaml:"reward_contract"`
	RewardToken     string   `yaml:"reward_token"`
	Treasury        string   `yaml:"treasury"`
	CallTimeout     Duration `yaml:"call_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   Duration `yaml:"retry_max_delay"`
	MaxQPS          float64  `yaml:"max_qps"`
	Cooldown        Duration `yaml:"cooldown"`
}

// OracleConfig locates the external price source.
type OracleConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	RewardAsset    string   `yaml:"reward_asset"`
	RequestTimeout Duration `yaml:"request_timeout"`
	CacheTTL       Duration `yaml:"cache_ttl"`
	StaleHorizon   Duration `yaml:"stale_horizon"`
}

// LifecycleConfig tunes the reconciler loop.
type LifecycleConfig struct {
	Interval          Duration `yaml:"interval"`
	UserConcurrency   int      `yaml:"user_concurrency"`
	BurnConfirmations int      `yaml:"burn_confirmations"`
	BurnWindow        Duration `yaml:"burn_window"`
}

// SyncConfig tunes the sync validator loop.
type SyncConfig struct {
	Interval    Duration `yaml:"interval"`
	RecentLimit int      `yaml:"recent_limit"`
}

// RewardsConfig tunes the epoch accountant.
type RewardsConfig struct {
	EpochLength  Duration `yaml:"epoch_length"`
	WakeInterval Duration `yaml:"wake_interval"`
}

// ProgramConfig seeds the treasury and program-settings singletons on
// first run. Amount fields are decimal strings in native reward units;
// factor fields are decimal strings (e.g. "0.6").
type ProgramConfig struct {
	TotalAllocation       string `yaml:"total_allocation"`
	Start                 string `yaml:"start"`
	DurationDays          int    `yaml:"duration_days"`
	DailyBudget           string `yaml:"daily_budget"`
	TimeBoostCoefficient  string `yaml:"time_boost_coefficient"`
	FullRangeBonus        string `yaml:"full_range_bonus"`
	InRangeMultiplier     string `yaml:"in_range_multiplier"`
	SignificanceThreshold string `yaml:"significance_threshold_usd"`
	AbsoluteMaxClaim      string `yaml:"absolute_max_claim_units"`
}

// ClaimsConfig selects and configures the calculator signer.
type ClaimsConfig struct {
	Signer        string       `yaml:"signer"`
	SignerKey     string       `yaml:"signer_key"`
	SignerKeyEnv  string       `yaml:"signer_key_env"`
	SignerKeyFile string       `yaml:"signer_key_file"`
	Remote        RemoteSigner `yaml:"remote"`
}

// RemoteSigner configures the mTLS HTTP signing service.
type RemoteSigner struct {
	Endpoint string   `yaml:"endpoint"`
	KeyLabel string   `yaml:"key_label"`
	Address  string   `yaml:"address"`
	CAPath   string   `yaml:"ca"`
	CertPath string   `yaml:"cert"`
	KeyPath  string   `yaml:"key"`
	Timeout  Duration `yaml:"timeout"`
}

// AdminConfig secures the admin endpoints.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"otlp_endpoint"`
	Insecure bool   `yaml:"insecure"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

// HTTPConfig tunes the facade server.
type HTTPConfig struct {
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	ReadTimeout   Duration `yaml:"read_timeout"`
	WriteTimeout  Duration `yaml:"write_timeout"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Claims.normalise(); err != nil {
		return cfg, fmt.Errorf("claims signer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":7095"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Chain.CallTimeout.Duration == 0 {
		cfg.Chain.CallTimeout.Duration = 10 * time.Second
	}
	if cfg.Chain.MaxAttempts <= 0 {
		cfg.Chain.MaxAttempts = 3
	}
	if cfg.Chain.RetryBaseDelay.Duration == 0 {
		cfg.Chain.RetryBaseDelay.Duration = 250 * time.Millisecond
	}
	if cfg.Chain.RetryMaxDelay.Duration == 0 {
		cfg.Chain.RetryMaxDelay.Duration = 2 * time.Second
	}
	if cfg.Chain.MaxQPS <= 0 {
		cfg.Chain.MaxQPS = 10
	}
	if cfg.Chain.Cooldown.Duration == 0 {
		cfg.Chain.Cooldown.Duration = 30 * time.Second
	}
	if cfg.Oracle.RequestTimeout.Duration == 0 {
		cfg.Oracle.RequestTimeout.Duration = 5 * time.Second
	}
	if cfg.Oracle.CacheTTL.Duration == 0 {
		cfg.Oracle.CacheTTL.Duration = 60 * time.Second
	}
	if cfg.Oracle.StaleHorizon.Duration == 0 {
		cfg.Oracle.StaleHorizon.Duration = 10 * time.Minute
	}
	if cfg.Lifecycle.Interval.Duration == 0 {
		cfg.Lifecycle.Interval.Duration = 120 * time.Second
	}
	if cfg.Lifecycle.UserConcurrency <= 0 {
		cfg.Lifecycle.UserConcurrency = 3
	}
	if cfg.Lifecycle.BurnConfirmations <= 0 {
		cfg.Lifecycle.BurnConfirmations = 3
	}
	if cfg.Lifecycle.BurnWindow.Duration == 0 {
		cfg.Lifecycle.BurnWindow.Duration = 30 * time.Minute
	}
	if cfg.Sync.Interval.Duration == 0 {
		cfg.Sync.Interval.Duration = 300 * time.Second
	}
	if cfg.Sync.RecentLimit <= 0 {
		cfg.Sync.RecentLimit = 10
	}
	if cfg.Rewards.EpochLength.Duration == 0 {
		cfg.Rewards.EpochLength.Duration = 24 * time.Hour
	}
	if cfg.Rewards.WakeInterval.Duration == 0 {
		cfg.Rewards.WakeInterval.Duration = 60 * time.Second
	}
	if cfg.Program.TimeBoostCoefficient == "" {
		cfg.Program.TimeBoostCoefficient = "0.6"
	}
	if cfg.Program.FullRangeBonus == "" {
		cfg.Program.FullRangeBonus = "1.2"
	}
	if cfg.Program.InRangeMultiplier == "" {
		cfg.Program.InRangeMultiplier = "1.0"
	}
	if cfg.Program.SignificanceThreshold == "" {
		cfg.Program.SignificanceThreshold = "500"
	}
	if cfg.Claims.Signer == "" {
		cfg.Claims.Signer = "local"
	}
	if cfg.Claims.Remote.Timeout.Duration == 0 {
		cfg.Claims.Remote.Timeout.Duration = 5 * time.Second
	}
	if cfg.HTTP.ShutdownGrace.Duration == 0 {
		cfg.HTTP.ShutdownGrace.Duration = 15 * time.Second
	}
	if cfg.HTTP.ReadTimeout.Duration == 0 {
		cfg.HTTP.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout.Duration == 0 {
		cfg.HTTP.WriteTimeout.Duration = 30 * time.Second
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	for name, addr := range map[string]string{
		"pool":             cfg.Chain.Pool,
		"position_manager": cfg.Chain.PositionManager,
		"reward_contract":  cfg.Chain.RewardContract,
		"reward_token":     cfg.Chain.RewardToken,
	} {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("chain %s address must be configured", name)
		}
	}
	if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
		return fmt.Errorf("oracle endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Program.DailyBudget) == "" {
		return fmt.Errorf("program daily_budget must be configured")
	}
	if strings.TrimSpace(cfg.Program.Start) == "" {
		return fmt.Errorf("program start must be configured")
	}
	if _, err := time.Parse(time.RFC3339, cfg.Program.Start); err != nil {
		return fmt.Errorf("program start: %w", err)
	}
	if cfg.Program.DurationDays <= 0 {
		return fmt.Errorf("program duration_days must be positive")
	}
	if strings.TrimSpace(cfg.Program.AbsoluteMaxClaim) == "" {
		return fmt.Errorf("program absolute_max_claim_units must be configured")
	}
	switch cfg.Claims.Signer {
	case "local":
		if cfg.Claims.SignerKey == "" {
			return fmt.Errorf("claims signer_key must be configured for the local signer")
		}
	case "remote":
		if strings.TrimSpace(cfg.Claims.Remote.Endpoint) == "" {
			return fmt.Errorf("claims remote endpoint must be configured")
		}
		if strings.TrimSpace(cfg.Claims.Remote.KeyLabel) == "" {
			return fmt.Errorf("claims remote key_label must be configured")
		}
		if strings.TrimSpace(cfg.Claims.Remote.Address) == "" {
			return fmt.Errorf("claims remote address must be configured")
		}
	default:
		return fmt.Errorf("claims signer must be local or remote, got %q", cfg.Claims.Signer)
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	if d == nil {
		return fmt.Errorf("database configuration missing")
	}
	d.DSN = strings.TrimSpace(d.DSN)
	if d.DSN != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(d.DSNEnv) != "":
		value := strings.TrimSpace(os.Getenv(d.DSNEnv))
		if value == "" {
			return fmt.Errorf("dsn_env %s is empty", d.DSNEnv)
		}
		d.DSN = value
	case strings.TrimSpace(d.DSNFile) != "":
		contents, err := os.ReadFile(d.DSNFile)
		if err != nil {
			return fmt.Errorf("read dsn_file: %w", err)
		}
		d.DSN = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("dsn is required")
	}
	return nil
}

func (c *ClaimsConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("claims configuration missing")
	}
	c.Signer = strings.ToLower(strings.TrimSpace(c.Signer))
	if c.Signer == "remote" {
		return nil
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
