// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package debounce coalesces bursts of submissions into a single
// execution. Editors saving a config file fire several filesystem events
// back to back; only the last submission within the delay window runs.
package debounce

import (
	"sync/atomic"
	"time"
)

// Debouncer runs at most one pending function per delay window.
// Submitting again inside the window replaces the pending function.
type Debouncer struct {
	submissions chan func()
	delay       time.Duration
	stopped     atomic.Bool
	done        chan struct{}
}

// New starts a debouncer firing delay after the first submission of a
// burst.
func New(delay time.Duration) *Debouncer {
	d := &Debouncer{
		submissions: make(chan func(), 64),
		delay:       delay,
		done:        make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *Debouncer) run() {
	defer close(d.done)

	var timer <-chan time.Time
	var pending func()

	fire := func() {
		timer = nil
		fn := pending
		pending = nil
		if fn != nil {
			fn()
		}
	}

	for {
		select {
		case <-timer:
			fire()
		case fn, ok := <-d.submissions:
			if !ok {
				// Stop flushes whatever is still pending.
				fire()
				return
			}
			pending = fn
			if timer == nil {
				timer = time.After(d.delay)
			}
		}
	}
}

// Do schedules fn to run once the current window closes. Within a window
// only the latest fn survives. After Stop, fn runs inline.
func (d *Debouncer) Do(fn func()) {
	if d.stopped.Load() {
		fn()
		return
	}

	select {
	case d.submissions <- fn:
	default:
		// Buffer full: a run is already queued, the submission is dropped.
		if d.stopped.Load() {
			fn()
		}
	}
}

// Stop shuts the debouncer down, running any still-pending function first.
func (d *Debouncer) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	close(d.submissions)
	<-d.done
}
