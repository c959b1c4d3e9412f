// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler runs the recurring search and cleanup jobs on
// human-readable cadences and keeps their run history in job_log, so
// restarts resume the interval instead of resetting it.
package scheduler

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/models"
)

// Job names registered by server mode.
const (
	JobSearch  = "search"
	JobCleanup = "cleanup"
)

var (
	// ErrJobRunning is returned when a job still has an instance in flight.
	ErrJobRunning = errors.New("job is already running")

	// ErrUnknownJob is returned by TriggerNow for names that were never added.
	ErrUnknownJob = errors.New("unknown job")
)

var cadencePattern = regexp.MustCompile(`^(\d+)\s*(second|minute|hour|day|week)s?$`)

// ParseCadence converts strings like "45 seconds", "6 hours" or "2 weeks"
// into a duration. The unit may be singular or plural.
func ParseCadence(cadence string) (time.Duration, error) {
	m := cadencePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(cadence)))
	if m == nil {
		return 0, errors.Errorf("invalid cadence format: %q", cadence)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cadence value: %q", cadence)
	}

	var unit time.Duration
	switch m[2] {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	}

	return time.Duration(n) * unit, nil
}

// JobFunc is the work a scheduled job performs. The context is cancelled
// when the scheduler stops.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	every   time.Duration
	fn      JobFunc
	running atomic.Bool
}

// Scheduler ticks named jobs at fixed cadences. At most one instance of a
// job runs at a time; a tick that lands mid-run is skipped.
type Scheduler struct {
	clk    clock.Clock
	joblog *models.JobLogStore

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(clk clock.Clock, joblog *models.JobLogStore) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clk:    clk,
		joblog: joblog,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers a named job at the given cadence and starts its timer.
// The first run fires cadence after the job's last recorded run, so a
// restart does not reset the interval; an overdue job fires immediately.
func (s *Scheduler) Add(ctx context.Context, name, cadence string, fn JobFunc) error {
	every, err := ParseCadence(cadence)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return errors.Errorf("job %q already added", name)
	}

	delay := every
	rec, err := s.joblog.Get(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "load job log for %q", name)
	}
	if rec != nil {
		delay = every - s.clk.Now().Sub(rec.LastRun)
		if delay < 0 {
			delay = 0
		}
	}

	j := &job{name: name, every: every, fn: fn}
	s.jobs[name] = j

	// The timer is armed here rather than in the goroutine so that Add
	// returning means the schedule is live.
	timer := s.clk.Timer(delay)
	s.wg.Add(1)
	go s.loop(j, timer)

	log.Info().
		Str("job", name).
		Str("cadence", cadence).
		Dur("firstRunIn", delay).
		Msg("Scheduled job")

	return nil
}

// TriggerNow runs the named job in the calling goroutine, outside its
// cadence. Returns ErrJobRunning when an instance is already in flight.
// The scheduled timer is not rescheduled.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return errors.Wrap(ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// Stop cancels pending timers, aborts in-flight runs via their context
// and waits for them to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(j *job, timer *clock.Timer) {
	defer s.wg.Done()
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := s.run(s.ctx, j); err != nil {
				if errors.Is(err, ErrJobRunning) {
					log.Warn().Str("job", j.name).Msg("Previous run still in flight, skipping tick")
				} else if !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("job", j.name).Msg("Job failed")
				}
			}
			timer.Reset(j.every)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	if !j.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	defer j.running.Store(false)

	start := s.clk.Now()
	next := start.Add(j.every)
	if err := s.joblog.RecordRun(ctx, j.name, start, &next); err != nil {
		log.Error().Err(err).Str("job", j.name).Msg("Failed to record job run")
	}

	log.Info().Str("job", j.name).Msg("Job started")

	if err := j.fn(ctx); err != nil {
		return errors.Wrapf(err, "job %s", j.name)
	}

	log.Info().
		Str("job", j.name).
		Dur("elapsed", s.clk.Now().Sub(start)).
		Msg("Job completed")

	return nil
}
