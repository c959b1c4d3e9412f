// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/nemorosa/internal/database"
	"github.com/autobrr/nemorosa/internal/models"
)

func TestParseCadence(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"45 seconds", 45 * time.Second},
		{"1 second", time.Second},
		{"30 minutes", 30 * time.Minute},
		{"6 hours", 6 * time.Hour},
		{"1 day", 24 * time.Hour},
		{"2 weeks", 2 * 7 * 24 * time.Hour},
		{"  1 Day  ", 24 * time.Hour},
		{"2weeks", 2 * 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		got, err := ParseCadence(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "daily", "1 fortnight", "day 1", "-1 hours", "1.5 hours"} {
		_, err := ParseCadence(bad)
		assert.Error(t, err, bad)
	}
}

type schedulerHarness struct {
	clk    *clock.Mock
	joblog *models.JobLogStore
	sched  *Scheduler
	runs   chan string
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "nemorosa.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	clk := clock.NewMock()
	h := &schedulerHarness{
		clk:    clk,
		joblog: models.NewJobLogStore(db),
		sched:  New(clk, models.NewJobLogStore(db)),
		runs:   make(chan string, 16),
	}
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *schedulerHarness) recordingJob(name string) JobFunc {
	return func(ctx context.Context) error {
		h.runs <- name
		return nil
	}
}

func (h *schedulerHarness) expectRun(t *testing.T, name string) {
	t.Helper()
	select {
	case got := <-h.runs:
		require.Equal(t, name, got)
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for job run", "job %s", name)
	}
}

func (h *schedulerHarness) expectNoRun(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.runs:
		require.FailNow(t, "unexpected job run", "job %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerTicksAtCadence(t *testing.T) {
	h := newSchedulerHarness(t)

	require.NoError(t, h.sched.Add(context.Background(), JobCleanup, "10 minutes", h.recordingJob(JobCleanup)))

	// Fresh job: nothing until a full cadence has elapsed.
	h.clk.Add(9 * time.Minute)
	h.expectNoRun(t)

	h.clk.Add(time.Minute)
	h.expectRun(t, JobCleanup)

	h.clk.Add(10 * time.Minute)
	h.expectRun(t, JobCleanup)
}

func TestSchedulerResumesFromJobLog(t *testing.T) {
	h := newSchedulerHarness(t)

	// Last run 8 minutes ago on a 10 minute cadence: next fire in 2.
	lastRun := h.clk.Now().Add(-8 * time.Minute)
	require.NoError(t, h.joblog.RecordRun(context.Background(), JobSearch, lastRun, nil))

	require.NoError(t, h.sched.Add(context.Background(), JobSearch, "10 minutes", h.recordingJob(JobSearch)))

	h.clk.Add(time.Minute)
	h.expectNoRun(t)

	h.clk.Add(time.Minute)
	h.expectRun(t, JobSearch)
}

func TestSchedulerOverdueJobFiresImmediately(t *testing.T) {
	h := newSchedulerHarness(t)

	lastRun := h.clk.Now().Add(-2 * time.Hour)
	require.NoError(t, h.joblog.RecordRun(context.Background(), JobSearch, lastRun, nil))

	require.NoError(t, h.sched.Add(context.Background(), JobSearch, "1 hour", h.recordingJob(JobSearch)))

	h.clk.Add(time.Millisecond)
	h.expectRun(t, JobSearch)
}

func TestSchedulerRecordsRuns(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sched.Add(ctx, JobCleanup, "1 hour", h.recordingJob(JobCleanup)))

	h.clk.Add(time.Hour)
	h.expectRun(t, JobCleanup)
	h.clk.Add(time.Hour)
	h.expectRun(t, JobCleanup)

	// RecordRun happens before the job fn sends to the channel, so two
	// observed runs mean two recorded runs.
	rec, err := h.joblog.Get(ctx, JobCleanup)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.RunCount)
	require.NotNil(t, rec.NextRun)
}

func TestSchedulerTriggerNow(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sched.Add(ctx, JobSearch, "1 day", h.recordingJob(JobSearch)))

	require.NoError(t, h.sched.TriggerNow(ctx, JobSearch))
	h.expectRun(t, JobSearch)

	err := h.sched.TriggerNow(ctx, "bogus")
	require.ErrorIs(t, err, ErrUnknownJob)

	rec, err := h.joblog.Get(ctx, JobSearch)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.RunCount)
}

func TestSchedulerTriggerNowRefusesWhileRunning(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.sched.Add(ctx, JobSearch, "1 day", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))

	go func() {
		_ = h.sched.TriggerNow(ctx, JobSearch)
	}()
	<-started

	err := h.sched.TriggerNow(ctx, JobSearch)
	require.ErrorIs(t, err, ErrJobRunning)

	close(release)
}

func TestSchedulerSkipsTickWhileRunning(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	require.NoError(t, h.sched.Add(ctx, JobCleanup, "1 minute", func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}))

	h.clk.Add(time.Minute)
	<-started

	// A trigger while the scheduled run is still holding the job must
	// coalesce instead of overlapping.
	err := h.sched.TriggerNow(ctx, JobCleanup)
	require.ErrorIs(t, err, ErrJobRunning)
	require.EqualValues(t, 1, runs.Load())

	close(release)
}

func TestSchedulerStopWaitsForInFlightRun(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, h.sched.Add(ctx, JobCleanup, "1 minute", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	}))

	h.clk.Add(time.Minute)
	<-started

	done := make(chan struct{})
	go func() {
		h.sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Stop did not return")
	}

	select {
	case <-finished:
	default:
		require.FailNow(t, "job was not cancelled before Stop returned")
	}
}
