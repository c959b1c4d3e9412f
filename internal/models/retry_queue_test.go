// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryQueueStore_EnqueueListDequeue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewRetryQueueStore(db)

	plan := `[{"remote_path":"01 - intro.flac","local_name":"01 - Intro.flac","priority":10}]`

	require.NoError(t, store.Enqueue(ctx, &UndownloadedEntry{
		TorrentID:        "111",
		SiteHost:         "flacsfor.me",
		DownloadDir:      "/data/music",
		LocalTorrentName: "Artist - Album (2020) [FLAC]",
		RenameMap:        json.RawMessage(plan),
	}))
	require.NoError(t, store.Enqueue(ctx, &UndownloadedEntry{
		TorrentID: "222",
		SiteHost:  "flacsfor.me",
	}))
	require.NoError(t, store.Enqueue(ctx, &UndownloadedEntry{
		TorrentID: "333",
		SiteHost:  "home.opsfet.ch",
	}))

	count, err := store.Count(ctx, "flacsfor.me")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entries, err := store.List(ctx, "flacsfor.me")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := make(map[string]*UndownloadedEntry, len(entries))
	for _, e := range entries {
		byID[e.TorrentID] = e
	}
	require.Contains(t, byID, "111")
	require.Contains(t, byID, "222")

	assert.Equal(t, "/data/music", byID["111"].DownloadDir)
	assert.Equal(t, "Artist - Album (2020) [FLAC]", byID["111"].LocalTorrentName)
	assert.JSONEq(t, plan, string(byID["111"].RenameMap))
	assert.False(t, byID["111"].AddedAt.IsZero())
	assert.Empty(t, byID["222"].RenameMap)

	require.NoError(t, store.Dequeue(ctx, "111", "flacsfor.me"))

	count, err = store.Count(ctx, "flacsfor.me")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// the other site's queue is untouched
	count, err = store.Count(ctx, "home.opsfet.ch")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRetryQueueStore_EnqueueUpserts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewRetryQueueStore(db)

	require.NoError(t, store.Enqueue(ctx, &UndownloadedEntry{
		TorrentID:   "555",
		SiteHost:    "flacsfor.me",
		DownloadDir: "/old",
	}))

	// a later sweep found the same match with fresher details
	require.NoError(t, store.Enqueue(ctx, &UndownloadedEntry{
		TorrentID:        "555",
		SiteHost:         "flacsfor.me",
		DownloadDir:      "/new",
		LocalTorrentName: "Album Y",
		RenameMap:        json.RawMessage(`[]`),
	}))

	entries, err := store.List(ctx, "flacsfor.me")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/new", entries[0].DownloadDir)
	assert.Equal(t, "Album Y", entries[0].LocalTorrentName)
}

func TestRetryQueueStore_DefaultSiteHost(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewRetryQueueStore(db)

	require.NoError(t, store.Enqueue(ctx, &UndownloadedEntry{TorrentID: "777"}))

	entries, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "default", entries[0].SiteHost)

	count, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Dequeue(ctx, "777", ""))

	count, err = store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRetryQueueStore_EnqueueTxRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewRetryQueueStore(db)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, store.EnqueueTx(ctx, tx, &UndownloadedEntry{
		TorrentID: "888",
		SiteHost:  "flacsfor.me",
	}))
	require.NoError(t, tx.Rollback())

	count, err := store.Count(ctx, "flacsfor.me")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRetryQueueStore_DequeueTxCommitsWithScanUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewRetryQueueStore(db)
	scans := NewScanResultStore(db)

	require.NoError(t, scans.Record(ctx, &ScanResult{
		LocalHash:        "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		SiteHost:         "flacsfor.me",
		MatchedTorrentID: strPtr("999"),
	}))
	require.NoError(t, store.Enqueue(ctx, &UndownloadedEntry{
		TorrentID: "999",
		SiteHost:  "flacsfor.me",
	}))

	// a successful retry attaches the hash and drops the queue entry together
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, scans.AttachHashTx(ctx, tx, "999", "flacsfor.me", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	require.NoError(t, store.DequeueTx(ctx, tx, "999", "flacsfor.me"))
	require.NoError(t, tx.Commit())

	count, err := store.Count(ctx, "flacsfor.me")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	unchecked, err := scans.UncheckedMatches(ctx)
	require.NoError(t, err)
	require.Len(t, unchecked, 1)
	require.NotNil(t, unchecked[0].MatchedTorrentHash)
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", *unchecked[0].MatchedTorrentHash)
}

func TestRetryQueueStore_Validation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewRetryQueueStore(db)

	assert.Error(t, store.Enqueue(ctx, nil))
	assert.Error(t, store.Enqueue(ctx, &UndownloadedEntry{SiteHost: "flacsfor.me"}))
	assert.Error(t, store.Dequeue(ctx, "", "flacsfor.me"))
}
