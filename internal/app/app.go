// Package app provides the top-level application lifecycle for the payout
// bot. It wires the dependencies a command needs (ledger stores, run locks,
// pool, network and exchange gateways, blob storage, notifications), runs the
// command, and tears everything down afterwards.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cascadepool/payoutbot/internal/config"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires the command's dependencies, executes
// the command, and returns its result. On return the caller should Close the
// app to release resources.
func (a *App) Run(ctx context.Context, cmd Command, args Args) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("command", string(cmd)),
		slog.String("currency", args.Currency),
		slog.Bool("simulate", a.cfg.Simulate),
	)

	if cmd.NeedsCurrency() && args.Currency == "" {
		return fmt.Errorf("command %s requires -currency", cmd)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, cmd, args.Currency)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch cmd {
	case CmdPullPayouts:
		return a.PullPayouts(ctx, deps, args)
	case CmdSendPayout:
		return a.SendPayout(ctx, deps, args)
	case CmdAssociate:
		return a.Associate(ctx, deps, args)
	case CmdAssociateAll:
		return a.AssociateAll(ctx, deps, args)
	case CmdConfirmTrans:
		return a.ConfirmTransactions(ctx, deps, args)
	case CmdGetOpenTradeRequests:
		return a.GetOpenTradeRequests(ctx, deps, args)
	case CmdCloseTradeRequest:
		return a.CloseTradeRequest(ctx, deps, args)
	case CmdCloseSellRequests:
		return a.CloseSellRequests(ctx, deps, args)
	case CmdCloseBuyRequests:
		return a.CloseBuyRequests(ctx, deps, args)
	case CmdResetLocked:
		return a.ResetLocked(ctx, deps, args)
	case CmdLocalAssociate:
		return a.LocalAssociate(ctx, deps, args)
	case CmdDumpIncomplete:
		return a.DumpIncomplete(ctx, deps, args)
	case CmdArchive:
		return a.Archive(ctx, deps, args)
	case CmdMigrate:
		return a.Migrate(ctx, deps, args)
	case CmdRun:
		return a.Daemon(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported command %q", cmd)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
