package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubArchive struct {
	payoutRuns int
	tradeRuns  int
	cutoff     time.Time
	err        error
}

func (s *stubArchive) ArchivePayouts(_ context.Context, before time.Time) (int64, error) {
	s.payoutRuns++
	s.cutoff = before
	if s.err != nil {
		return 0, s.err
	}
	return 3, nil
}

func (s *stubArchive) ArchiveTradeRequests(context.Context, time.Time) (int64, error) {
	s.tradeRuns++
	if s.err != nil {
		return 0, s.err
	}
	return 2, nil
}

func TestArchiver_RunUsesRetentionCutoff(t *testing.T) {
	blob := &stubArchive{}
	a := NewArchiver(blob, 90, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, 1, blob.payoutRuns)
	assert.Equal(t, 1, blob.tradeRuns)

	want := time.Now().UTC().Add(-90 * 24 * time.Hour)
	assert.WithinDuration(t, want, blob.cutoff, 5*time.Second)
}

func TestArchiver_RunStopsOnFirstFailure(t *testing.T) {
	blob := &stubArchive{err: errors.New("bucket unavailable")}
	a := NewArchiver(blob, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, a.Run(context.Background()))
	assert.Equal(t, 1, blob.payoutRuns)
	assert.Equal(t, 0, blob.tradeRuns)
}

func TestCronSchedule_Next(t *testing.T) {
	// 2026-08-22 is a Saturday.
	after := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"0 3 1 * *", time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)},
		{"30 14 * * *", time.Date(2026, 8, 22, 14, 30, 0, 0, time.UTC)},
		{"0,30 * * * *", time.Date(2026, 8, 22, 12, 30, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)},
		{"0 0 * * 7", time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 8, 22, 12, 15, 0, 0, time.UTC)},
		{"0 9-11 * * *", time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)},
		{"5 0 * * 1-5", time.Date(2026, 8, 24, 0, 5, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		sched, err := parseCronSchedule(tc.expr)
		require.NoError(t, err, tc.expr)

		got, ok := sched.next(after)
		require.True(t, ok, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestParseCronSchedule_RejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"x * * * *",
		"1;2 * * * *",
		"70 * * * *",
		"* 24 * * *",
		"*/0 * * * *",
		"30-10 * * * *",
	} {
		_, err := parseCronSchedule(expr)
		assert.Error(t, err, expr)
	}
}
