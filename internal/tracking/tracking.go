// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tracking watches injected torrents through their recheck and
// decides what happens to them afterwards: complete matches start
// seeding, partial matches are kept or removed depending on how their
// data is laid out.
package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/models"
	"github.com/autobrr/nemorosa/internal/torrentclient"
)

const (
	// graceDelay holds a freshly injected torrent back from polling.
	// qBittorrent acknowledges a verify request before the recheck shows
	// up in its state, and that lag cannot be queried.
	graceDelay = 5 * time.Second

	pollInterval = time.Second
	drainTimeout = 30 * time.Second
)

// KeepPolicy decides whether a partially complete torrent stays in the
// client. It sees the torrent with state, name, progress, files and
// piece progress populated.
type KeepPolicy func(*torrentclient.Torrent) bool

// KeepContiguousPartial keeps a partial torrent when its missing data is
// whole files: every file is either fully present or untouched, and the
// completed pieces account for the completed bytes. Scattered piece
// progress means the local payload does not really match the torrent.
func KeepContiguousPartial(t *torrentclient.Torrent) bool {
	if t == nil || len(t.Files) == 0 {
		return false
	}

	var done, total int64
	missingRuns := 0
	prevMissing := false
	for _, f := range t.Files {
		total += f.Size
		switch {
		case f.Progress >= 1:
			prevMissing = false
			done += f.Size
		case f.Progress > 0:
			return false
		default:
			if !prevMissing {
				missingRuns++
			}
			prevMissing = true
		}
	}
	if done == 0 || total == 0 {
		return false
	}

	if n := len(t.PieceProgress); n > 0 {
		have := 0
		for _, ok := range t.PieceProgress {
			if ok {
				have++
			}
		}
		// Pieces straddling the edge of a missing file cannot complete,
		// so allow two pieces of slack per missing stretch.
		want := int(float64(n)*float64(done)/float64(total)) - 2*missingRuns
		if have < want {
			return false
		}
	}

	return true
}

// Tracker polls the client for injected torrents until their recheck
// settles, then resumes, keeps or removes them and updates the scan
// bookkeeping to match.
type Tracker struct {
	clk    clock.Clock
	client torrentclient.Client
	scans  *models.ScanResultStore
	keep   KeepPolicy

	mu sync.Mutex
	// hash -> verifying. False means the grace delay has not elapsed yet
	// and the hash is skipped by the poll.
	tracked map[string]bool

	started  atomic.Bool
	stopc    chan struct{}
	donec    chan struct{}
	drainc   chan struct{}
	stopOnce sync.Once
}

// New creates a Tracker. A nil keep policy defaults to
// KeepContiguousPartial.
func New(clk clock.Clock, client torrentclient.Client, scans *models.ScanResultStore, keep KeepPolicy) *Tracker {
	if keep == nil {
		keep = KeepContiguousPartial
	}
	return &Tracker{
		clk:     clk,
		client:  client,
		scans:   scans,
		keep:    keep,
		tracked: make(map[string]bool),
		stopc:   make(chan struct{}),
		donec:   make(chan struct{}),
		drainc:  make(chan struct{}, 1),
	}
}

// Start resumes tracking for matches that were injected but never
// confirmed before the last shutdown, then begins polling. The context
// bounds all client and store calls made by the poll loop.
func (t *Tracker) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	unchecked, err := t.scans.UncheckedMatches(ctx)
	if err != nil {
		return err
	}
	for _, r := range unchecked {
		if r.MatchedTorrentHash == nil {
			continue
		}
		// The recheck for these started before the restart, no grace
		// delay needed.
		t.mu.Lock()
		t.tracked[*r.MatchedTorrentHash] = true
		t.mu.Unlock()
	}
	if len(unchecked) > 0 {
		log.Info().Int("count", len(unchecked)).Msg("Resuming verification tracking for unconfirmed matches")
	}

	go t.loop(ctx)
	return nil
}

// Track registers an injected torrent for verification tracking. The
// poll starts considering it after a short grace delay.
func (t *Tracker) Track(hash string) {
	t.mu.Lock()
	t.tracked[hash] = false
	t.mu.Unlock()

	t.clk.AfterFunc(graceDelay, func() {
		t.mu.Lock()
		if _, ok := t.tracked[hash]; ok {
			t.tracked[hash] = true
		}
		t.mu.Unlock()
	})

	log.Debug().Str("hash", hash).Msg("Tracking verification")
}

// IsTracking reports whether the hash is still being watched.
func (t *Tracker) IsTracking(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracked[hash]
	return ok
}

// Count returns the number of torrents being watched.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Stop waits up to 30 seconds for tracked torrents to settle, then stops
// the poll loop regardless. The context can cut the wait short.
func (t *Tracker) Stop(ctx context.Context) {
	t.stopOnce.Do(func() {
		if n := t.Count(); n > 0 {
			log.Info().Int("tracked", n).Msg("Waiting for tracked torrents to settle")
			timeout := t.clk.After(drainTimeout)
		wait:
			for t.Count() > 0 {
				select {
				case <-t.drainc:
				case <-timeout:
					log.Warn().Int("tracked", t.Count()).Msg("Gave up waiting for tracked torrents to settle")
					break wait
				case <-ctx.Done():
					break wait
				}
			}
		}

		close(t.stopc)
		if t.started.Load() {
			<-t.donec
		}
	})
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.donec)

	ticker := t.clk.Ticker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.check(ctx)
		case <-t.stopc:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) check(ctx context.Context) {
	t.mu.Lock()
	verifying := make([]string, 0, len(t.tracked))
	for hash, ready := range t.tracked {
		if ready {
			verifying = append(verifying, hash)
		}
	}
	t.mu.Unlock()

	if len(verifying) == 0 {
		return
	}

	states, err := t.client.States(ctx, verifying)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch torrent states for tracking")
		return
	}

	for _, hash := range verifying {
		switch states[hash] {
		case torrentclient.StatePaused, torrentclient.StateCompleted:
			log.Info().Str("hash", hash).Msg("Verification finished")
			t.settle(ctx, hash)
			t.untrack(hash)
		}
	}
}

// settle inspects a torrent whose recheck finished and takes the final
// action: resume complete matches, keep safe partials, remove the rest.
func (t *Tracker) settle(ctx context.Context, hash string) {
	fields := torrentclient.FieldState | torrentclient.FieldName | torrentclient.FieldProgress |
		torrentclient.FieldFiles | torrentclient.FieldPieceProgress

	torrent, err := t.client.Get(ctx, hash, fields)
	if err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("Failed to inspect verified torrent")
		return
	}
	if torrent == nil {
		log.Debug().Str("hash", hash).Msg("Verified torrent no longer in client")
		return
	}

	// A second recheck can start between the state snapshot and this
	// lookup.
	switch torrent.State {
	case torrentclient.StateChecking, torrentclient.StateAllocating, torrentclient.StateMoving:
		log.Debug().Str("name", torrent.Name).Msg("Torrent is checking again, leaving it alone")
		return
	}

	if torrent.Progress >= 1.0 {
		log.Info().Str("name", torrent.Name).Msg("Matched torrent is complete, starting it")
		if err := t.client.Resume(ctx, hash); err != nil {
			log.Error().Err(err).Str("name", torrent.Name).Msg("Failed to resume verified torrent")
			return
		}
		if err := t.scans.MarkChecked(ctx, hash); err != nil {
			log.Error().Err(err).Str("hash", hash).Msg("Failed to mark match as checked")
		}
		return
	}

	if t.keep(torrent) {
		log.Info().
			Str("name", torrent.Name).
			Float64("progress", torrent.Progress).
			Msg("Keeping partial torrent, missing data is whole files")
		if err := t.scans.MarkChecked(ctx, hash); err != nil {
			log.Error().Err(err).Str("hash", hash).Msg("Failed to mark match as checked")
		}
		return
	}

	log.Warn().
		Str("name", torrent.Name).
		Float64("progress", torrent.Progress).
		Msg("Removing torrent, local data does not line up with its files")
	if err := t.client.Remove(ctx, hash, false); err != nil {
		log.Error().Err(err).Str("name", torrent.Name).Msg("Failed to remove torrent")
		return
	}
	if err := t.scans.ClearMatch(ctx, hash); err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("Failed to clear match")
	}
}

func (t *Tracker) untrack(hash string) {
	t.mu.Lock()
	delete(t.tracked, hash)
	empty := len(t.tracked) == 0
	t.mu.Unlock()

	if empty {
		select {
		case t.drainc <- struct{}{}:
		default:
		}
	}
}
