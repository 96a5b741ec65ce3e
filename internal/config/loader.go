package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TAKA_* environment variable overrides, and
// returns the final Config. A missing file is not an error so containers can
// run from environment variables alone. The returned Config has NOT been
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TAKA_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setBool(&cfg.Chain.Enabled, "TAKA_CHAIN_ENABLED")
	setStr(&cfg.Chain.RPCURL, "TAKA_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "TAKA_CHAIN_ID")
	setStr(&cfg.Chain.TokenAddress, "TAKA_CHAIN_TOKEN_ADDRESS")
	setStr(&cfg.Chain.PredictionAddress, "TAKA_CHAIN_PREDICTION_ADDRESS")
	setDuration(&cfg.Chain.TxTimeout, "TAKA_CHAIN_TX_TIMEOUT")

	// ── Treasury ──
	setStr(&cfg.Treasury.PrivateKey, "TAKA_TREASURY_PRIVATE_KEY")
	setStr(&cfg.Treasury.SealedKeyPath, "TAKA_TREASURY_SEALED_KEY_PATH")
	setStr(&cfg.Treasury.Passphrase, "TAKA_TREASURY_PASSPHRASE")

	// ── Secrets ──
	setBool(&cfg.Secrets.ManagedEnabled, "TAKA_SECRETS_MANAGED_ENABLED")
	setStr(&cfg.Secrets.Region, "TAKA_SECRETS_REGION")
	setStr(&cfg.Secrets.Prefix, "TAKA_SECRETS_PREFIX")
	setStr(&cfg.Secrets.MasterPassphrase, "TAKA_SECRETS_MASTER_PASSPHRASE")

	// ── Database ──
	setStr(&cfg.Database.DSN, "TAKA_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "TAKA_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TAKA_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TAKA_DATABASE_NAME")
	setStr(&cfg.Database.User, "TAKA_DATABASE_USER")
	setStr(&cfg.Database.Password, "TAKA_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TAKA_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "TAKA_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TAKA_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "TAKA_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TAKA_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TAKA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TAKA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TAKA_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TAKA_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "TAKA_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TAKA_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TAKA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TAKA_S3_REGION")
	setStr(&cfg.S3.Bucket, "TAKA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TAKA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TAKA_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "TAKA_S3_FORCE_PATH_STYLE")

	// ── Nonce ──
	setStr(&cfg.Nonce.Backend, "TAKA_NONCE_BACKEND")
	setDuration(&cfg.Nonce.LockTTL, "TAKA_NONCE_LOCK_TTL")

	// ── Ledger ──
	setFloat64(&cfg.Ledger.FeeRate, "TAKA_LEDGER_FEE_RATE")
	setInt(&cfg.Ledger.InlineClaimBatch, "TAKA_LEDGER_INLINE_CLAIM_BATCH")
	setInt(&cfg.Ledger.MaxRunsPerDay, "TAKA_LEDGER_MAX_RUNS_PER_DAY")
	setStr(&cfg.Ledger.Timezone, "TAKA_LEDGER_TIMEZONE")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.SweepInterval, "TAKA_RECONCILE_SWEEP_INTERVAL")
	setDuration(&cfg.Reconcile.BalanceSyncInterval, "TAKA_RECONCILE_BALANCE_SYNC_INTERVAL")
	setInt(&cfg.Reconcile.MaxRetries, "TAKA_RECONCILE_MAX_RETRIES")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TAKA_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TAKA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TAKA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.IdentitySecret, "TAKA_SERVER_IDENTITY_SECRET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TAKA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TAKA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TAKA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TAKA_NOTIFY_EVENTS")
	setStr(&cfg.Notify.Environment, "TAKA_NOTIFY_ENVIRONMENT")

	// ── Top-level ──
	setStr(&cfg.Mode, "TAKA_MODE")
	setStr(&cfg.LogLevel, "TAKA_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
