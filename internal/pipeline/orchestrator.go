package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs one worker goroutine per enabled currency plus the
// cold-storage archiver cron.
type Orchestrator struct {
	workers     []*Worker
	archiver    *Archiver
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator over the given workers. archiver may
// be nil when cold storage is not configured.
func NewOrchestrator(workers []*Worker, archiver *Archiver, archiveCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		workers:     workers,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger,
	}
}

// Run starts every worker loop and the archiver cron as concurrent goroutines
// using an errgroup. Each goroutine respects ctx cancellation. If any
// goroutine returns a non-context error, the errgroup cancels the shared
// context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Int("currencies", len(o.workers)),
	)

	g, ctx := errgroup.WithContext(ctx)

	for _, w := range o.workers {
		w := w
		g.Go(func() error {
			o.logger.Info("starting currency worker", slog.String("currency", w.cfg.Currency))
			err := w.RunLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("worker %s: %w", w.cfg.Currency, err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			o.logger.Info("starting archiver cron")
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
