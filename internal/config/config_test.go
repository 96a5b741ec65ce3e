package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Chain.TokenAddress = "0x0000000000000000000000000000000000000001"
	cfg.Chain.PredictionAddress = "0x0000000000000000000000000000000000000002"
	cfg.Server.IdentitySecret = "secret"
	return cfg
}

func TestDefaults_Validate(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Ledger.InlineClaimBatch != 20 {
		t.Errorf("inline claim batch default = %d, want 20", cfg.Ledger.InlineClaimBatch)
	}
	if cfg.Nonce.LockTTL.Duration != 60*time.Second {
		t.Errorf("lock ttl default = %s", cfg.Nonce.LockTTL.Duration)
	}
	if cfg.Reconcile.MaxRetries != 10 {
		t.Errorf("max retries default = %d", cfg.Reconcile.MaxRetries)
	}
	if cfg.Redis.KeyPrefix != "taka:" || cfg.Redis.StreamMaxLen != 10000 {
		t.Errorf("redis defaults = %q/%d", cfg.Redis.KeyPrefix, cfg.Redis.StreamMaxLen)
	}
	if cfg.Notify.Cooldown.Duration != 30*time.Minute {
		t.Errorf("notify cooldown = %s", cfg.Notify.Cooldown.Duration)
	}
}

func TestLoad_EnvListsAndPrefix(t *testing.T) {
	t.Setenv("TAKA_NOTIFY_EVENTS", "gas_low, gas_critical")
	t.Setenv("TAKA_REDIS_KEY_PREFIX", "staging:")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "gas_critical" {
		t.Errorf("events = %q", cfg.Notify.Events)
	}
	if cfg.Redis.KeyPrefix != "staging:" {
		t.Errorf("key prefix = %q", cfg.Redis.KeyPrefix)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Nonce.Backend = "etcd"
	cfg.Ledger.FeeRate = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"unknown mode", "nonce: unknown backend", "fee_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidate_RedisNonceNeedsRedis(t *testing.T) {
	cfg := validConfig()
	cfg.Nonce.Backend = "redis"
	cfg.Redis.Enabled = false
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "requires redis.enabled") {
		t.Fatalf("expected redis dependency error, got %v", err)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "worker"

[ledger]
inline_claim_batch = 7

[reconcile]
sweep_interval = "5m"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TAKA_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "worker" {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.Ledger.InlineClaimBatch != 7 {
		t.Errorf("inline_claim_batch = %d", cfg.Ledger.InlineClaimBatch)
	}
	if cfg.Reconcile.SweepInterval.Duration != 5*time.Minute {
		t.Errorf("sweep_interval = %s", cfg.Reconcile.SweepInterval.Duration)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want env override", cfg.LogLevel)
	}
	if cfg.Ledger.MaxRunsPerDay != 10 {
		t.Errorf("unset fields should keep defaults, got max_runs_per_day=%d", cfg.Ledger.MaxRunsPerDay)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "full" {
		t.Errorf("mode = %q", cfg.Mode)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Treasury.PrivateKey = "deadbeef"
	cfg.Database.Password = "pw"

	out := RedactedConfig(&cfg)
	if out.Treasury.PrivateKey != redacted || out.Database.Password != redacted || out.Server.IdentitySecret != redacted {
		t.Errorf("secrets not redacted: %+v", out.Treasury)
	}
	if cfg.Treasury.PrivateKey != "deadbeef" {
		t.Error("original config mutated")
	}
}
