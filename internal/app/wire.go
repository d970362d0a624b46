package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/cascadepool/payoutbot/internal/blob/s3"
	"github.com/cascadepool/payoutbot/internal/cache/redis"
	"github.com/cascadepool/payoutbot/internal/config"
	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/notify"
	"github.com/cascadepool/payoutbot/internal/platform/coinrpc"
	"github.com/cascadepool/payoutbot/internal/platform/evm"
	"github.com/cascadepool/payoutbot/internal/platform/exchange"
	"github.com/cascadepool/payoutbot/internal/platform/scm"
	"github.com/cascadepool/payoutbot/internal/platform/simulate"
	"github.com/cascadepool/payoutbot/internal/store/memory"
	"github.com/cascadepool/payoutbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the command handlers
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Fields a command does not need stay nil.
type Dependencies struct {
	// Stores
	PayoutStore domain.PayoutStore
	TradeStore  domain.TradeStore
	AuditStore  domain.AuditStore

	// Locks
	Locks domain.LockManager

	// Gateways
	SCM      domain.SCMClient
	Networks map[string]domain.NetworkGateway
	Exchange domain.ExchangeGateway

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsLocks returns true for commands that mutate the ledger or the rails
// behind it and therefore must hold the per-currency run lock.
func needsLocks(cmd Command) bool {
	switch cmd {
	case CmdPullPayouts, CmdSendPayout, CmdAssociate, CmdAssociateAll,
		CmdConfirmTrans, CmdCloseTradeRequest, CmdCloseSellRequests,
		CmdCloseBuyRequests, CmdResetLocked, CmdLocalAssociate, CmdRun:
		return true
	default:
		return false
	}
}

// needsSCM returns true for commands that talk to the mining pool.
func needsSCM(cmd Command) bool {
	switch cmd {
	case CmdPullPayouts, CmdAssociate, CmdAssociateAll, CmdConfirmTrans,
		CmdGetOpenTradeRequests, CmdCloseTradeRequest, CmdCloseSellRequests,
		CmdCloseBuyRequests, CmdRun:
		return true
	default:
		return false
	}
}

// needsNetwork returns true for commands that talk to a blockchain node.
func needsNetwork(cmd Command) bool {
	switch cmd {
	case CmdPullPayouts, CmdSendPayout, CmdAssociate, CmdAssociateAll,
		CmdConfirmTrans, CmdRun:
		return true
	default:
		return false
	}
}

// needsExchange returns true for commands that may execute orders.
func needsExchange(cmd Command) bool {
	switch cmd {
	case CmdCloseTradeRequest, CmdCloseSellRequests, CmdCloseBuyRequests, CmdRun:
		return true
	default:
		return false
	}
}

// needsS3 returns true for commands that export ledger snapshots.
func needsS3(cmd Command) bool {
	switch cmd {
	case CmdArchive, CmdRun:
		return true
	default:
		return false
	}
}

// Wire constructs the concrete dependency implementations the given command
// needs and returns them together with a cleanup function that should be
// called on shutdown to release resources.
//
// Simulate mode swaps the ledger and locks for in-process implementations and
// wraps the money-moving gateways in dry-run decorators, so a simulated
// invocation never writes synthetic transaction ids into the production
// ledger and never contends on the shared run locks. The migrate command is
// the one exception: it always targets the real database.
func Wire(ctx context.Context, cfg *config.Config, cmd Command, currency string) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Ledger stores ---
	if cfg.Simulate && cmd != CmdMigrate {
		deps.PayoutStore = memory.NewPayoutStore()
		deps.TradeStore = memory.NewTradeStore()
		deps.AuditStore = memory.NewAuditStore()
	} else {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations || cmd == CmdMigrate {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PayoutStore = postgres.NewPayoutStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Run locks ---
	if needsLocks(cmd) {
		if cfg.Simulate {
			deps.Locks = memory.NewLockManager()
		} else {
			redisClient, err := redis.New(ctx, redis.ClientConfig{
				Addr:       cfg.Redis.Addr,
				Password:   cfg.Redis.Password,
				DB:         cfg.Redis.DB,
				PoolSize:   cfg.Redis.PoolSize,
				MaxRetries: cfg.Redis.MaxRetries,
				TLSEnabled: cfg.Redis.TLSEnabled,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: redis: %w", err)
			}
			closers = append(closers, func() { _ = redisClient.Close() })
			deps.Locks = redis.NewLockManager(redisClient)
		}
	}

	// --- Pool gateway ---
	if needsSCM(cmd) {
		deps.SCM = scm.NewClient(cfg.SCM, logger)
		if cfg.Simulate {
			deps.SCM = simulate.NewSCM(deps.SCM, logger)
		}
	}

	// --- Network gateways ---
	if needsNetwork(cmd) {
		codes := []string{currency}
		if cmd == CmdRun {
			codes = codes[:0]
			for _, code := range cfg.EnabledCurrencies() {
				if cfg.Currencies[code].PayoutEnabled {
					codes = append(codes, code)
				}
			}
		}

		deps.Networks = make(map[string]domain.NetworkGateway, len(codes))
		for _, code := range codes {
			cur, err := cfg.Currency(code)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: network: %w", err)
			}

			var gw domain.NetworkGateway
			switch cur.Node.Driver {
			case "coinrpc":
				gw = coinrpc.NewGateway(cur.Node, cur.ValidAddressVersions, logger)
			case "evm":
				evmGW, err := evm.NewGateway(ctx, cur.Node, logger)
				if err != nil {
					cleanup()
					return nil, nil, fmt.Errorf("wire: evm node for %s: %w", code, err)
				}
				closers = append(closers, evmGW.Close)
				gw = evmGW
			default:
				cleanup()
				return nil, nil, fmt.Errorf("wire: unknown node driver %q for %s", cur.Node.Driver, code)
			}

			if cfg.Simulate {
				gw = simulate.NewNetwork(gw, logger)
			}
			deps.Networks[code] = gw
		}
	}

	// --- Exchange gateway ---
	if needsExchange(cmd) {
		markets := make(map[string]string)
		for code, cur := range cfg.Currencies {
			if cur.Enabled && cur.TradeEnabled && cur.Market != "" {
				markets[code] = cur.Market
			}
		}
		if cfg.Simulate {
			deps.Exchange = simulate.NewExchange(logger)
		} else if cmd != CmdRun || len(markets) > 0 {
			gw := exchange.NewGateway(cfg.Exchange, markets, logger)
			// The gateway falls back to order polling when the fill
			// stream is down, so a failed connect is not fatal.
			if err := gw.Start(ctx); err != nil {
				logger.WarnContext(ctx, "wire: exchange fill stream unavailable, relying on polling",
					slog.String("error", err.Error()),
				)
			}
			closers = append(closers, func() { _ = gw.Close() })
			deps.Exchange = gw
		}
	}

	// --- Blob storage ---
	if needsS3(cmd) && cfg.Archive.Enabled && !cfg.Simulate {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		// Only an explicit archive run fails fast on an unreachable bucket.
		if err := s3Client.Health(ctx); err != nil {
			if cmd == CmdArchive {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3: %w", err)
			}
			logger.WarnContext(ctx, "wire: s3 bucket unreachable, archive runs may fail",
				slog.String("error", err.Error()),
			)
		}

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.PayoutStore,
			deps.TradeStore,
			deps.AuditStore,
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

	return deps, cleanup, nil
}
