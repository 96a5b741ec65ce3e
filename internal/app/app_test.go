package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/chain"
	"github.com/takarun/takaledger/internal/config"
	"github.com/takarun/takaledger/internal/domain"
)

func TestLedgerOptions_FromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.FeeRate = 0.05
	cfg.Ledger.Timezone = "Asia/Tokyo"
	cfg.Activity.MaxSegmentViolationPc = 0.1

	opts := ledgerOptions(&cfg)
	if !opts.FeeRate.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("FeeRate = %s", opts.FeeRate)
	}
	if !opts.WelcomeBonus.Equal(decimal.NewFromInt(5)) || !opts.TKPerKm.Equal(decimal.NewFromInt(10)) {
		t.Errorf("bonus %s, per km %s", opts.WelcomeBonus, opts.TKPerKm)
	}
	if opts.Location.String() != "Asia/Tokyo" {
		t.Errorf("Location = %s", opts.Location)
	}
	if opts.Limits.MaxSegmentViolationRatio != 0.1 || opts.Limits.MaxSpeedKmh != 25 {
		t.Errorf("Limits = %+v", opts.Limits)
	}
	if opts.MirrorTimeout <= 0 {
		t.Error("MirrorTimeout lost its default")
	}
}

type nopArchiver struct{ domain.Archiver }

func TestIntervals_DisabledBackends(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	iv := a.intervals(&Dependencies{})
	if iv.Sweep != 0 || iv.BalanceSync != 0 || iv.GasCheck != 0 || iv.Archive != 0 {
		t.Errorf("chain and archive jobs should be off: %+v", iv)
	}
	if iv.CloseExpired != 5*time.Minute {
		t.Errorf("CloseExpired = %v", iv.CloseExpired)
	}

	iv = a.intervals(&Dependencies{Chain: &chain.Client{}, Archiver: nopArchiver{}})
	if iv.Sweep != 15*time.Minute || iv.BalanceSync != time.Hour || iv.GasCheck != 6*time.Hour || iv.Archive != 24*time.Hour {
		t.Errorf("intervals = %+v", iv)
	}
}

func TestRun_RejectsModeBeforeWiring(t *testing.T) {
	cases := map[string]func(*config.Config){
		"unknown mode":     func(c *config.Config) { c.Mode = "trade" },
		"api without http": func(c *config.Config) { c.Mode = "api"; c.Server.Enabled = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Defaults()
			mutate(&cfg)
			a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err := a.Run(context.Background()); err == nil {
				t.Fatal("expected an error")
			}
			a.Close()
		})
	}
}
