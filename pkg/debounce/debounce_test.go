// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerRunsOnce(t *testing.T) {
	t.Parallel()

	d := New(20 * time.Millisecond)
	defer d.Stop()

	ran := make(chan struct{}, 1)
	d.Do(func() { ran <- struct{}{} })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced function never ran")
	}
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	t.Parallel()

	d := New(50 * time.Millisecond)
	defer d.Stop()

	var mu sync.Mutex
	var got []int

	for i := 0; i < 5; i++ {
		v := i
		d.Do(func() {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "a burst collapses to one run")
	assert.Equal(t, 4, got[0], "the latest submission wins")
}

func TestDebouncerStopFlushesPending(t *testing.T) {
	t.Parallel()

	d := New(time.Hour)

	// Stop drains the submission buffer before returning, so the flag
	// write is ordered before this read.
	ran := false
	d.Do(func() { ran = true })
	d.Stop()

	assert.True(t, ran, "Stop runs the pending function without waiting out the window")
}

func TestDebouncerDoAfterStopRunsInline(t *testing.T) {
	t.Parallel()

	d := New(time.Hour)
	d.Stop()

	ran := false
	d.Do(func() { ran = true })
	assert.True(t, ran)
}

func TestDebouncerSequentialWindows(t *testing.T) {
	t.Parallel()

	d := New(10 * time.Millisecond)
	defer d.Stop()

	runs := make(chan struct{}, 2)

	d.Do(func() { runs <- struct{}{} })
	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("first window never fired")
	}

	d.Do(func() { runs <- struct{}{} })
	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("second window never fired")
	}
}
