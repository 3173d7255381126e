package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/dushaobindoudou/bubble-sub000/internal/blob/s3"
	"github.com/dushaobindoudou/bubble-sub000/internal/cache/redis"
	"github.com/dushaobindoudou/bubble-sub000/internal/config"
	"github.com/dushaobindoudou/bubble-sub000/internal/confirm"
	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/crypto"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/gate"
	"github.com/dushaobindoudou/bubble-sub000/internal/guard"
	"github.com/dushaobindoudou/bubble-sub000/internal/ledger/evm"
	"github.com/dushaobindoudou/bubble-sub000/internal/listing"
	"github.com/dushaobindoudou/bubble-sub000/internal/notify"
	"github.com/dushaobindoudou/bubble-sub000/internal/orchestrator"
	"github.com/dushaobindoudou/bubble-sub000/internal/retry"
	"github.com/dushaobindoudou/bubble-sub000/internal/store/memory"
	"github.com/dushaobindoudou/bubble-sub000/internal/store/postgres"
)

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Ledger
	Ledger *evm.Client
	Chain  *contracts.Client

	// Flow machinery
	Orchestrator *orchestrator.Orchestrator
	Listings     *listing.View
	Registry     *guard.Registry

	// Stores
	OperationStore domain.OperationStore
	AuditStore     domain.AuditStore

	// Caches and bus; nil when redis is disabled.
	Redis       *redis.Client
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Postgres client; nil when disabled.
	Postgres *postgres.Client

	// Archive; nil unless archive.enabled.
	Blob     *s3blob.Client
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- Signer ---
	mode := evm.SignerMode(strings.ToLower(cfg.Chain.SignerMode))
	var signer *crypto.Signer
	if mode == evm.SignerLocal {
		var err error
		signer, err = crypto.LoadWallet(crypto.WalletKey{
			PrivateKey:       cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
			Address:          cfg.Wallet.Address,
		}, cfg.Chain.ChainID)
		if err != nil {
			return fail("load wallet", err)
		}
	}

	// --- Ledger ---
	ledger, err := evm.Dial(ctx, evm.Config{
		RPCURL:           cfg.Chain.RPCURL,
		ChainID:          cfg.Chain.ChainID,
		Mode:             mode,
		From:             cfg.Wallet.Address,
		GasBufferPercent: cfg.Chain.GasBufferPercent,
		CallTimeout:      cfg.Chain.CallTimeout.Duration,
		Breaker: evm.BreakerSettings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout.Duration,
		},
	}, signer, logger)
	if err != nil {
		return fail("ledger", err)
	}
	closers = append(closers, ledger.Close)
	deps.Ledger = ledger

	reads := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval.Duration,
		MaxInterval:     cfg.Retry.MaxInterval.Duration,
	}
	deps.Chain = contracts.NewClient(ledger, contracts.Addresses{
		Marketplace:   cfg.Contracts.Marketplace,
		PaymentToken:  cfg.Contracts.PaymentToken,
		Collection:    cfg.Contracts.Collection,
		AccessControl: cfg.Contracts.AccessControl,
		SeedRegistry:  cfg.Contracts.SeedRegistry,
	}, reads, logger)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.OperationStore = postgres.NewOperationStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	} else {
		logger.Info("wire: postgres disabled, operation history is in memory")
		deps.OperationStore = memory.NewOperationStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
	deps.Registry = guard.NewRegistry()
	var opGuard domain.OperationGuard = deps.Registry
	deps.Listings = listing.NewView(deps.Chain, cfg.Listing.CacheTTL.Duration, logger)

	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		opGuard = guard.NewChain(deps.Registry, redis.NewGuardLock(redisClient, cfg.Redis.GuardTTL.Duration, logger))
		deps.Listings.WithSharedCache(redis.NewListingCache(redisClient, cfg.Listing.CacheTTL.Duration))
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
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
		deps.Blob = s3Client
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.OperationStore,
			deps.AuditStore,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Orchestrator ---
	orch := orchestrator.New(orchestrator.Config{
		Account: ledger.Account(),
		Network: domain.NetworkKind(cfg.Chain.Network),
		Confirmations: confirm.Settings{
			DevRequired:  cfg.Confirmations.DevRequired,
			DevTimeout:   cfg.Confirmations.DevTimeout.Duration,
			Required:     cfg.Confirmations.Required,
			Timeout:      cfg.Confirmations.Timeout.Duration,
			PollInterval: cfg.Confirmations.PollInterval.Duration,
		},
		Bounds: listing.Bounds{
			MinDuration: cfg.Listing.MinDuration.Duration,
			MaxDuration: cfg.Listing.MaxDuration.Duration,
		},
		SeedRole:        cfg.Contracts.SeedRole,
		PaymentDecimals: cfg.Contracts.PaymentDecimals,
	},
		deps.Chain,
		gate.New(deps.Chain, cfg.Approval.Multiplier),
		confirm.NewWaiter(ledger, reads, logger),
		opGuard,
		deps.Listings,
		logger,
	).
		WithHistory(deps.OperationStore).
		WithAudit(deps.AuditStore).
		WithNotifier(deps.Notifier)
	if deps.SignalBus != nil {
		orch.WithBus(deps.SignalBus)
	}
	deps.Orchestrator = orch

	logger.Info("wire: dependencies ready",
		slog.String("account", ledger.Account()),
		slog.String("signer_mode", string(mode)),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("archive", cfg.Archive.Enabled),
	)
	return deps, cleanup, nil
}
