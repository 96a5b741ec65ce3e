// Package config defines the top-level configuration for the ledger service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TAKA_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Treasury  TreasuryConfig  `toml:"treasury"`
	Secrets   SecretsConfig   `toml:"secrets"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Nonce     NonceConfig     `toml:"nonce"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Activity  ActivityConfig  `toml:"activity"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds the settlement chain endpoint and contract addresses.
// With Enabled false every mirror attempt fails and jobs stay pending.
type ChainConfig struct {
	Enabled           bool     `toml:"enabled"`
	RPCURL            string   `toml:"rpc_url"`
	ChainID           int64    `toml:"chain_id"`
	TokenAddress      string   `toml:"token_address"`
	PredictionAddress string   `toml:"prediction_address"`
	TxTimeout         duration `toml:"tx_timeout"`
	ReceiptPoll       duration `toml:"receipt_poll"`
}

// TreasuryConfig holds the optional local sources of the treasury key. When
// both are empty the key is resolved through the secret store.
type TreasuryConfig struct {
	PrivateKey    string `toml:"private_key"`
	SealedKeyPath string `toml:"sealed_key_path"`
	Passphrase    string `toml:"passphrase"`
}

// SecretsConfig controls secret resolution.
type SecretsConfig struct {
	ManagedEnabled bool   `toml:"managed_enabled"`
	Region         string `toml:"region"`
	Prefix         string `toml:"prefix"`
	// MasterPassphrase opens "enc:" values in the app_config fallback store.
	MasterPassphrase string `toml:"master_passphrase"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	TxMaxAttempts int    `toml:"tx_max_attempts"`

	StatementTimeout duration `toml:"statement_timeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`

	// StreamMaxLen caps the durable ledger event stream (approximate).
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NonceConfig tunes the treasury nonce coordinator.
type NonceConfig struct {
	// Backend selects the lock row store: "postgres" or "redis".
	Backend         string   `toml:"backend"`
	LockTTL         duration `toml:"lock_ttl"`
	PollInterval    duration `toml:"poll_interval"`
	MaxPollAttempts int      `toml:"max_poll_attempts"`
	MaxRetries      int      `toml:"max_retries"`
	RetryBackoff    duration `toml:"retry_backoff"`
}

// LedgerConfig holds monetary constants of the ledger transitions.
type LedgerConfig struct {
	FeeRate          float64 `toml:"fee_rate"`
	InlineClaimBatch int     `toml:"inline_claim_batch"`
	WelcomeBonus     float64 `toml:"welcome_bonus"`
	TKPerKm          float64 `toml:"tk_per_km"`
	MaxRunsPerDay    int     `toml:"max_runs_per_day"`
	// Timezone sets the day boundary of the daily run cap.
	Timezone string `toml:"timezone"`
}

// ActivityConfig holds the run validation bounds.
type ActivityConfig struct {
	MinDistanceKm         float64 `toml:"min_distance_km"`
	MaxDistanceKm         float64 `toml:"max_distance_km"`
	MaxSpeedKmh           float64 `toml:"max_speed_kmh"`
	DistanceTolerance     float64 `toml:"distance_tolerance"`
	SecondsPerPoint       float64 `toml:"seconds_per_point"`
	MinDensityRatio       float64 `toml:"min_density_ratio"`
	SegmentSpeedFactor    float64 `toml:"segment_speed_factor"`
	MaxSegmentViolationPc float64 `toml:"max_segment_violation_ratio"`
}

// ReconcileConfig tunes the scheduled reconciliation jobs.
type ReconcileConfig struct {
	SweepInterval        duration `toml:"sweep_interval"`
	BalanceSyncInterval  duration `toml:"balance_sync_interval"`
	GasCheckInterval     duration `toml:"gas_check_interval"`
	CloseExpiredInterval duration `toml:"close_expired_interval"`
	ArchiveInterval      duration `toml:"archive_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	MaxRetries           int      `toml:"max_retries"`
	BaseDelay            duration `toml:"base_delay"`
	MaxDelay             duration `toml:"max_delay"`
	BatchSize            int      `toml:"batch_size"`
	SyncPageSize         int      `toml:"sync_page_size"`
	GasLowThreshold      float64  `toml:"gas_low_threshold"`
	GasCriticalThreshold float64  `toml:"gas_critical_threshold"`
	InFlightTimeout      duration `toml:"in_flight_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// IdentitySecret verifies the identity headers set by the auth gateway.
	IdentitySecret  string   `toml:"identity_secret"`
	IdentityMaxSkew duration `toml:"identity_max_skew"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Environment       string   `toml:"environment"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Enabled:     true,
			RPCURL:      "https://rpc.monad.xyz",
			ChainID:     143,
			TxTimeout:   duration{90 * time.Second},
			ReceiptPoll: duration{2 * time.Second},
		},
		Secrets: SecretsConfig{
			ManagedEnabled: false,
			Region:         "us-east-1",
			Prefix:         "taka/",
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "takaledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			TxMaxAttempts: 5,

			StatementTimeout: duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "taka:",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "taka-ledger",
			ForcePathStyle: true,
		},
		Nonce: NonceConfig{
			Backend:         "postgres",
			LockTTL:         duration{60 * time.Second},
			PollInterval:    duration{2 * time.Second},
			MaxPollAttempts: 30,
			MaxRetries:      3,
			RetryBackoff:    duration{time.Second},
		},
		Ledger: LedgerConfig{
			FeeRate:          0.02,
			InlineClaimBatch: 20,
			WelcomeBonus:     5,
			TKPerKm:          10,
			MaxRunsPerDay:    10,
			Timezone:         "UTC",
		},
		Activity: ActivityConfig{
			MinDistanceKm:         0.5,
			MaxDistanceKm:         50,
			MaxSpeedKmh:           25,
			DistanceTolerance:     0.20,
			SecondsPerPoint:       10,
			MinDensityRatio:       0.5,
			SegmentSpeedFactor:    1.5,
			MaxSegmentViolationPc: 0.3,
		},
		Reconcile: ReconcileConfig{
			SweepInterval:        duration{15 * time.Minute},
			BalanceSyncInterval:  duration{time.Hour},
			GasCheckInterval:     duration{6 * time.Hour},
			CloseExpiredInterval: duration{5 * time.Minute},
			ArchiveInterval:      duration{24 * time.Hour},
			ArchiveRetentionDays: 90,
			MaxRetries:           10,
			BaseDelay:            duration{time.Minute},
			MaxDelay:             duration{time.Hour},
			BatchSize:            50,
			SyncPageSize:         50,
			GasLowThreshold:      0.1,
			GasCriticalThreshold: 0.01,
			InFlightTimeout:      duration{30 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			IdentityMaxSkew: duration{5 * time.Minute},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"mirror_abandoned", "gas_low", "gas_critical", "sync_failed", "lifecycle"},
			Cooldown: duration{30 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":    true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.Enabled {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty when enabled")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if c.Chain.TokenAddress == "" || c.Chain.PredictionAddress == "" {
			errs = append(errs, "chain: token_address and prediction_address are required when enabled")
		}
		if c.Chain.TxTimeout.Duration <= 0 {
			errs = append(errs, "chain: tx_timeout must be > 0")
		}
	}

	// Treasury
	if c.Treasury.SealedKeyPath != "" && c.Treasury.Passphrase == "" {
		errs = append(errs, "treasury: passphrase is required when sealed_key_path is set")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
	}
	if c.Database.TxMaxAttempts < 1 {
		errs = append(errs, "database: tx_max_attempts must be >= 1")
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	// Nonce
	switch c.Nonce.Backend {
	case "postgres":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "nonce: backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("nonce: unknown backend %q (valid: postgres, redis)", c.Nonce.Backend))
	}
	if c.Nonce.LockTTL.Duration <= 0 {
		errs = append(errs, "nonce: lock_ttl must be > 0")
	}
	if c.Nonce.MaxPollAttempts < 1 {
		errs = append(errs, "nonce: max_poll_attempts must be >= 1")
	}
	if c.Nonce.MaxRetries < 1 {
		errs = append(errs, "nonce: max_retries must be >= 1")
	}

	// Ledger
	if c.Ledger.FeeRate < 0 || c.Ledger.FeeRate >= 1 {
		errs = append(errs, "ledger: fee_rate must be in [0, 1)")
	}
	if c.Ledger.InlineClaimBatch < 0 {
		errs = append(errs, "ledger: inline_claim_batch must be >= 0")
	}
	if c.Ledger.MaxRunsPerDay < 1 {
		errs = append(errs, "ledger: max_runs_per_day must be >= 1")
	}
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("ledger: unknown timezone %q", c.Ledger.Timezone))
	}

	// Activity
	if c.Activity.MinDistanceKm < 0 || c.Activity.MaxDistanceKm <= c.Activity.MinDistanceKm {
		errs = append(errs, "activity: need 0 <= min_distance_km < max_distance_km")
	}
	if c.Activity.MaxSpeedKmh <= 0 {
		errs = append(errs, "activity: max_speed_kmh must be > 0")
	}
	if c.Activity.SecondsPerPoint <= 0 {
		errs = append(errs, "activity: seconds_per_point must be > 0")
	}

	// Reconcile
	if c.Reconcile.MaxRetries < 1 {
		errs = append(errs, "reconcile: max_retries must be >= 1")
	}
	if c.Reconcile.BaseDelay.Duration <= 0 || c.Reconcile.MaxDelay.Duration < c.Reconcile.BaseDelay.Duration {
		errs = append(errs, "reconcile: need 0 < base_delay <= max_delay")
	}
	if c.Reconcile.SweepInterval.Duration <= 0 || c.Reconcile.BalanceSyncInterval.Duration <= 0 {
		errs = append(errs, "reconcile: sweep_interval and balance_sync_interval must be > 0")
	}
	if c.Reconcile.BatchSize < 1 || c.Reconcile.SyncPageSize < 1 {
		errs = append(errs, "reconcile: batch_size and sync_page_size must be >= 1")
	}
	if c.Reconcile.GasCriticalThreshold > c.Reconcile.GasLowThreshold {
		errs = append(errs, "reconcile: gas_critical_threshold must not exceed gas_low_threshold")
	}

	// Server
	if c.Server.Enabled && c.Mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.IdentitySecret == "" {
			errs = append(errs, "server: identity_secret must be set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Location returns the time zone of the daily run cap.
func (l LedgerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
