package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/activity"
	s3blob "github.com/takarun/takaledger/internal/blob/s3"
	"github.com/takarun/takaledger/internal/cache/redis"
	"github.com/takarun/takaledger/internal/chain"
	"github.com/takarun/takaledger/internal/config"
	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
	"github.com/takarun/takaledger/internal/events"
	"github.com/takarun/takaledger/internal/ledger"
	"github.com/takarun/takaledger/internal/mirror"
	"github.com/takarun/takaledger/internal/nonce"
	"github.com/takarun/takaledger/internal/notify"
	"github.com/takarun/takaledger/internal/reconcile"
	"github.com/takarun/takaledger/internal/secrets"
	"github.com/takarun/takaledger/internal/server/handler"
	"github.com/takarun/takaledger/internal/store/memory"
	"github.com/takarun/takaledger/internal/store/postgres"
	"github.com/takarun/takaledger/internal/wallet"
)

// Dependencies bundles everything the modes need. Optional backends are nil
// when disabled in the configuration.
type Dependencies struct {
	// Stores
	Ledger *postgres.LedgerStore
	Jobs   *postgres.MirrorStore
	Audit  *postgres.AuditStore

	// Caches
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	EventBus    domain.EventBus

	// Object storage
	Objects  domain.ObjectReader
	Tracks   domain.TrackStore
	Archiver domain.Archiver

	// Chain
	Chain  *chain.Client
	Nonces *nonce.Coordinator

	Wallets    *wallet.Manager
	Events     *events.Publisher
	Notifier   *notify.Notifier
	Mirror     *mirror.Mirrorer
	Engine     *ledger.Engine
	Reconciler *reconcile.Reconciler

	// Health lists the pingable backends for /api/health.
	Health map[string]handler.Pinger
}

// Wire constructs every dependency from cfg and returns them together with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{Health: map[string]handler.Pinger{}}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.Config{
		DSN:              cfg.Database.DSN,
		Host:             cfg.Database.Host,
		Port:             cfg.Database.Port,
		Database:         cfg.Database.Database,
		User:             cfg.Database.User,
		Password:         cfg.Database.Password,
		SSLMode:          cfg.Database.SSLMode,
		MaxConns:         cfg.Database.PoolMaxConns,
		MinConns:         cfg.Database.PoolMinConns,
		StatementTimeout: cfg.Database.StatementTimeout.Duration,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	pool := pgClient.Pool()
	deps.Health["postgres"] = handler.PingFunc(pool.Ping)
	deps.Ledger = postgres.NewLedgerStore(pool, cfg.Database.TxMaxAttempts, logger)
	deps.Jobs = postgres.NewMirrorStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	nonceStore := domain.NonceStore(postgres.NewNonceStore(pool))

	// --- Redis ---
	deps.Locks = memory.NewLocks()
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Health["redis"] = redisClient
		deps.Locks = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		if cfg.Nonce.Backend == "redis" {
			nonceStore = redis.NewNonceStore(redisClient)
		}
	} else {
		logger.WarnContext(ctx, "redis disabled: locks are process-local and live events are off")
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Health["s3"] = handler.PingFunc(s3Client.Ping)
		deps.Objects = s3Client
		deps.Tracks = s3blob.NewTrackStore(s3Client, s3Client)
		deps.Archiver = s3blob.NewArchiver(s3Client, s3Client, deps.Audit, deps.Jobs, 0, logger)
	}

	// --- Secrets and wallets ---
	var managed secrets.Source
	if cfg.Secrets.ManagedEnabled {
		src, err := secrets.NewManagedSource(ctx, cfg.Secrets.Region, cfg.Secrets.Prefix)
		if err != nil {
			return fail("secrets manager", err)
		}
		managed = src
	}
	secretStore := secrets.NewStore(managed, postgres.NewConfigStore(pool), cfg.Secrets.MasterPassphrase, logger)
	deps.Wallets = wallet.NewManager(postgres.NewWalletStore(pool), secretStore, secrets.WalletEncryptionKey, logger)

	// --- Chain ---
	if cfg.Chain.Enabled {
		key, err := treasuryKey(ctx, cfg.Treasury, secretStore)
		if err != nil {
			return fail("treasury key", err)
		}
		signer, err := crypto.NewSigner(key)
		if err != nil {
			return fail("treasury signer", err)
		}
		client, err := chain.Dial(ctx, chain.Config{
			RPCURL:            cfg.Chain.RPCURL,
			ChainID:           cfg.Chain.ChainID,
			TokenAddress:      cfg.Chain.TokenAddress,
			PredictionAddress: cfg.Chain.PredictionAddress,
			TxTimeout:         cfg.Chain.TxTimeout.Duration,
			ReceiptPoll:       cfg.Chain.ReceiptPoll.Duration,
		}, signer, logger)
		if err != nil {
			return fail("chain", err)
		}
		closers = append(closers, client.Close)
		deps.Chain = client
		deps.Nonces = nonce.NewCoordinator(nonceStore, client, nonce.Options{
			LockTTL:         cfg.Nonce.LockTTL.Duration,
			PollInterval:    cfg.Nonce.PollInterval.Duration,
			MaxPollAttempts: cfg.Nonce.MaxPollAttempts,
			MaxRetries:      cfg.Nonce.MaxRetries,
			RetryBackoff:    cfg.Nonce.RetryBackoff.Duration,
		}, logger)
	} else {
		logger.WarnContext(ctx, "chain disabled: mirror jobs will stay pending")
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Options{
		Events:      cfg.Notify.Events,
		Environment: cfg.Notify.Environment,
		Cooldown:    cfg.Notify.Cooldown.Duration,
	}, logger)
	deps.Events = events.NewPublisher(deps.EventBus, logger)

	// --- Mirror, ledger and reconciliation ---
	mdeps := mirror.Deps{
		Ledger:  deps.Ledger,
		Jobs:    deps.Jobs,
		Signers: deps.Wallets,
		Locks:   deps.Locks,
		Audit:   deps.Audit,
		Alerts:  deps.Notifier,
		Events:  deps.Events,
	}
	if deps.Chain != nil {
		mdeps.Chain = deps.Chain
		mdeps.Nonces = deps.Nonces
	}
	deps.Mirror = mirror.New(mdeps, mirror.Options{
		MaxRetries:      cfg.Reconcile.MaxRetries,
		WelcomeBonus:    decimal.NewFromFloat(cfg.Ledger.WelcomeBonus),
		InFlightTimeout: cfg.Reconcile.InFlightTimeout.Duration,
	}, logger)

	deps.Engine = ledger.New(ledger.Deps{
		Store:   deps.Ledger,
		Jobs:    deps.Jobs,
		Mirror:  deps.Mirror,
		Wallets: deps.Wallets,
		Tracks:  deps.Tracks,
		Audit:   deps.Audit,
		Events:  deps.Events,
	}, ledgerOptions(cfg), logger)

	rdeps := reconcile.Deps{
		Ledger:   deps.Ledger,
		Jobs:     deps.Jobs,
		Mirror:   deps.Mirror,
		Archiver: deps.Archiver,
		Alerts:   deps.Notifier,
	}
	if deps.Chain != nil {
		rdeps.Chain = deps.Chain
	}
	deps.Reconciler = reconcile.New(rdeps, reconcile.Options{
		Backoff:              reconcile.Backoff{Base: cfg.Reconcile.BaseDelay.Duration, Max: cfg.Reconcile.MaxDelay.Duration},
		BatchSize:            cfg.Reconcile.BatchSize,
		SyncPageSize:         cfg.Reconcile.SyncPageSize,
		GasLow:               decimal.NewFromFloat(cfg.Reconcile.GasLowThreshold),
		GasCritical:          decimal.NewFromFloat(cfg.Reconcile.GasCriticalThreshold),
		ArchiveRetentionDays: cfg.Reconcile.ArchiveRetentionDays,
	}, logger)

	return deps, cleanup, nil
}

// ledgerOptions maps the configuration onto the engine economics.
func ledgerOptions(cfg *config.Config) ledger.Options {
	opts := ledger.DefaultOptions()
	opts.FeeRate = decimal.NewFromFloat(cfg.Ledger.FeeRate)
	opts.InlineClaimBatch = cfg.Ledger.InlineClaimBatch
	opts.WelcomeBonus = decimal.NewFromFloat(cfg.Ledger.WelcomeBonus)
	opts.TKPerKm = decimal.NewFromFloat(cfg.Ledger.TKPerKm)
	opts.MaxRunsPerDay = cfg.Ledger.MaxRunsPerDay
	opts.Location = cfg.Ledger.Location()
	opts.Limits = activity.Limits{
		MinDistanceKm:            cfg.Activity.MinDistanceKm,
		MaxDistanceKm:            cfg.Activity.MaxDistanceKm,
		MaxSpeedKmh:              cfg.Activity.MaxSpeedKmh,
		DistanceTolerance:        cfg.Activity.DistanceTolerance,
		SecondsPerPoint:          cfg.Activity.SecondsPerPoint,
		MinDensityRatio:          cfg.Activity.MinDensityRatio,
		SegmentSpeedFactor:       cfg.Activity.SegmentSpeedFactor,
		MaxSegmentViolationRatio: cfg.Activity.MaxSegmentViolationPc,
	}
	return opts
}

// treasuryKey resolves the treasury private key from the local config first
// and the secret store second.
func treasuryKey(ctx context.Context, cfg config.TreasuryConfig, store *secrets.Store) (string, error) {
	if cfg.PrivateKey != "" || cfg.SealedKeyPath != "" {
		return crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey: cfg.PrivateKey,
			SealedKeyPath: cfg.SealedKeyPath,
			Passphrase:    cfg.Passphrase,
		})
	}
	raw, err := store.Get(ctx, secrets.TreasuryPrivateKey)
	if err != nil {
		return "", err
	}
	return crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: raw})
}
