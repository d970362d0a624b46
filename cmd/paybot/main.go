// Command paybot is the entry point for the pool payout bot. It loads and
// validates configuration, parses the command flags, sets up logging and
// signal handling, and runs exactly one command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/app"
	"github.com/cascadepool/payoutbot/internal/config"
	"github.com/cascadepool/payoutbot/internal/domain"
)

func main() {
	commandNames := make([]string, 0, len(app.Commands()))
	for _, c := range app.Commands() {
		commandNames = append(commandNames, string(c))
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	command := flag.String("command", "", "command to run: "+strings.Join(commandNames, ", "))
	currency := flag.String("currency", "", "currency code the command operates on")
	simulate := flag.Bool("simulate", false, "dry run: no money moves, no pool state changes")
	id := flag.String("id", "", "payout id or trade request id, depending on the command")
	amount := flag.String("amount", "", "executed quantity for close commands")
	fees := flag.String("fees", "", "execution fees for close commands")
	txid := flag.String("txid", "", "transaction id for local_associate")
	start := flag.Int64("start", -1, "first trade request id of a batch close range")
	stop := flag.Int64("stop", -1, "last trade request id of a batch close range")
	flag.Parse()

	// Structured JSON logs go to stderr; stdout is reserved for command
	// output such as dump_incomplete.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *simulate {
		cfg.Simulate = true
	}
	logger.Debug("configuration loaded",
		slog.String("path", *configPath),
		slog.Any("config", config.RedactedConfig(cfg)),
	)

	cmd, err := app.ParseCommand(*command)
	if err != nil {
		logger.Error("invalid command", slog.String("error", err.Error()))
		os.Exit(1)
	}

	args := app.Args{
		Currency: *currency,
		ID:       *id,
		TxID:     *txid,
	}
	if *amount != "" {
		v, err := decimal.NewFromString(*amount)
		if err != nil {
			logger.Error("invalid -amount", slog.String("amount", *amount), slog.String("error", err.Error()))
			os.Exit(1)
		}
		args.Amount = &v
	}
	if *fees != "" {
		v, err := decimal.NewFromString(*fees)
		if err != nil {
			logger.Error("invalid -fees", slog.String("fees", *fees), slog.String("error", err.Error()))
			os.Exit(1)
		}
		args.Fees = &v
	}
	if *start >= 0 || *stop >= 0 {
		if *start < 0 || *stop < 0 {
			logger.Error("-start and -stop must be given together")
			os.Exit(1)
		}
		args.Range = &domain.IDRange{Start: *start, Stop: *stop}
	}

	logger.Info("payout bot starting",
		slog.String("command", string(cmd)),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := application.Run(ctx, cmd, args); err != nil {
		// context.Canceled is expected on clean shutdown.
		if err == context.Canceled {
			logger.Info("shut down gracefully")
		} else {
			logger.Error("exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("payout bot stopped")
}
