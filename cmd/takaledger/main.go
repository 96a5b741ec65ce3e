// Command takaledger runs the TK settlement and reconciliation service.
//
//	takaledger -config config.toml            # run in the configured mode
//	takaledger -config config.toml -mode api  # override the mode
//	takaledger -config config.toml -check     # validate and print the config
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/takarun/takaledger/internal/app"
	"github.com/takarun/takaledger/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the run mode (api, worker, full)")
	check := flag.Bool("check", false, "validate the configuration, print it redacted and exit")
	flag.Parse()

	if err := run(*configPath, *mode, *check); err != nil {
		fmt.Fprintf(os.Stderr, "takaledger: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, mode string, check bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if check {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(config.RedactedConfig(cfg))
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("takaledger starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
	)
	logger.Debug("effective configuration", slog.Any("settings", config.RedactedConfig(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("takaledger exited", slog.String("error", err.Error()))
		return err
	}
	logger.Info("takaledger stopped")
	return nil
}

// newLogger builds the JSON logger. Unknown levels fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
