package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// Archiver snapshots settled ledger records to cold storage on a schedule.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Run executes a single archive run. It calculates the cutoff time based on
// retentionDays and snapshots payouts and trade requests that settled before
// the cutoff.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	payoutsArchived, err := a.blobArchiver.ArchivePayouts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving payouts before %v: %w", cutoff, err)
	}

	tradesArchived, err := a.blobArchiver.ArchiveTradeRequests(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving trade requests before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("payouts_archived", payoutsArchived),
		slog.Int64("trades_archived", tradesArchived),
	)

	return nil
}

// RunCron fires Run on a cron schedule until the context is cancelled. The
// expression uses the standard 5-field form "minute hour day-of-month month
// day-of-week"; fields accept single values, comma lists, ranges ("1-5"),
// and steps ("*/15"). "0 3 1 * *" runs at 03:00 on the first of each month.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCronSchedule(expr)
	if err != nil {
		return fmt.Errorf("cron schedule %q: %w", expr, err)
	}

	a.logger.Info("archive schedule active", slog.String("cron", expr))

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		next, ok := sched.next(time.Now().UTC())
		if !ok {
			return fmt.Errorf("cron schedule %q never fires", expr)
		}
		a.logger.Info("next archive run scheduled",
			slog.Time("at", next),
			slog.Duration("in", time.Until(next)),
		)

		timer.Reset(time.Until(next))
		select {
		case <-ctx.Done():
			a.logger.Info("archive schedule stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("scheduled archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronSet is a bitmask of the allowed values for one schedule field.
type cronSet uint64

func (s cronSet) contains(v int) bool {
	return s&(1<<uint(v)) != 0
}

// cronSchedule is a parsed 5-field cron expression.
type cronSchedule struct {
	minutes  cronSet
	hours    cronSet
	days     cronSet
	months   cronSet
	weekdays cronSet
}

func parseCronSchedule(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}

	var s cronSchedule
	for _, part := range []struct {
		name   string
		field  string
		lo, hi int
		dst    *cronSet
	}{
		{"minute", fields[0], 0, 59, &s.minutes},
		{"hour", fields[1], 0, 23, &s.hours},
		{"day-of-month", fields[2], 1, 31, &s.days},
		{"month", fields[3], 1, 12, &s.months},
		{"day-of-week", fields[4], 0, 7, &s.weekdays},
	} {
		set, err := parseCronSet(part.field, part.lo, part.hi)
		if err != nil {
			return cronSchedule{}, fmt.Errorf("%s field %q: %w", part.name, part.field, err)
		}
		*part.dst = set
	}

	// Both 0 and 7 mean Sunday.
	if s.weekdays.contains(7) {
		s.weekdays = s.weekdays&^(1<<7) | 1
	}

	return s, nil
}

// parseCronSet expands one field into the set of values it allows, bounded
// by [lo, hi].
func parseCronSet(field string, lo, hi int) (cronSet, error) {
	var set cronSet
	for _, term := range strings.Split(field, ",") {
		start, end, step := lo, hi, 1

		if base, stepStr, found := strings.Cut(term, "/"); found {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n < 1 {
				return 0, fmt.Errorf("bad step %q", stepStr)
			}
			step = n
			term = base
		}

		switch {
		case term == "*":
		case strings.Contains(term, "-"):
			lowStr, highStr, _ := strings.Cut(term, "-")
			var err error
			if start, err = strconv.Atoi(lowStr); err != nil {
				return 0, fmt.Errorf("bad range start %q", lowStr)
			}
			if end, err = strconv.Atoi(highStr); err != nil {
				return 0, fmt.Errorf("bad range end %q", highStr)
			}
		default:
			v, err := strconv.Atoi(term)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", term)
			}
			start, end = v, v
			if step > 1 {
				// "N/step" counts from N to the top of the field.
				end = hi
			}
		}

		if start < lo || end > hi || start > end {
			return 0, fmt.Errorf("%q outside %d-%d", term, lo, hi)
		}
		for v := start; v <= end; v += step {
			set |= 1 << uint(v)
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return set, nil
}

func (s cronSchedule) matches(t time.Time) bool {
	return s.minutes.contains(t.Minute()) &&
		s.hours.contains(t.Hour()) &&
		s.days.contains(t.Day()) &&
		s.months.contains(int(t.Month())) &&
		s.weekdays.contains(int(t.Weekday()))
}

// next returns the first matching minute after t. The scan is capped at one
// year ahead so an unsatisfiable date combination cannot spin forever, and
// days whose date part cannot match are skipped whole.
func (s cronSchedule) next(after time.Time) (time.Time, bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	for limit := t.AddDate(1, 0, 1); t.Before(limit); {
		if !s.months.contains(int(t.Month())) ||
			!s.days.contains(t.Day()) ||
			!s.weekdays.contains(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if s.matches(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}
