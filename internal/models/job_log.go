// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/autobrr/nemorosa/internal/dbinterface"
)

// JobLogEntry is the run history of one named scheduler job.
type JobLogEntry struct {
	JobName  string     `json:"jobName"`
	LastRun  time.Time  `json:"lastRun"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
	RunCount int        `json:"runCount"`
}

type JobLogStore struct {
	db dbinterface.Querier
}

func NewJobLogStore(db dbinterface.Querier) *JobLogStore {
	return &JobLogStore{db: db}
}

// RecordRun upserts the job's row with the run that just started and bumps
// its run count. next may be nil for runs outside the cadence.
func (s *JobLogStore) RecordRun(ctx context.Context, name string, ranAt time.Time, next *time.Time) error {
	if name == "" {
		return errors.New("job name is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_log (job_name, last_run, next_run, run_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(job_name)
		DO UPDATE SET
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			run_count = job_log.run_count + 1
	`, name, ranAt, next)

	return err
}

// Get returns the job's run history, or nil when it has never run.
func (s *JobLogStore) Get(ctx context.Context, name string) (*JobLogEntry, error) {
	if name == "" {
		return nil, errors.New("job name is required")
	}

	var e JobLogEntry
	var nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT job_name, last_run, next_run, run_count
		FROM job_log
		WHERE job_name = ?
	`, name).Scan(&e.JobName, &e.LastRun, &nextRun, &e.RunCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if nextRun.Valid {
		e.NextRun = &nextRun.Time
	}
	return &e, nil
}
