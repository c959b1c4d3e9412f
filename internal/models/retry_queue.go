// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/autobrr/nemorosa/internal/dbinterface"
)

// UndownloadedEntry is a confirmed match whose .torrent payload was not
// fetched, either because downloads are disabled or the fetch kept failing.
// RenameMap holds the serialized rename plan so a later retry can inject
// without re-reconciling.
type UndownloadedEntry struct {
	TorrentID        string          `json:"torrentId"`
	SiteHost         string          `json:"siteHost"`
	DownloadDir      string          `json:"downloadDir,omitempty"`
	LocalTorrentName string          `json:"localTorrentName,omitempty"`
	RenameMap        json.RawMessage `json:"renameMap,omitempty"`
	AddedAt          time.Time       `json:"addedAt"`
}

type RetryQueueStore struct {
	db dbinterface.Querier
}

func NewRetryQueueStore(db dbinterface.Querier) *RetryQueueStore {
	return &RetryQueueStore{db: db}
}

func enqueueEntry(ctx context.Context, q execer, e *UndownloadedEntry) error {
	if e == nil {
		return errors.New("entry is nil")
	}
	if e.TorrentID == "" {
		return errors.New("torrent id is required")
	}
	siteHost := e.SiteHost
	if siteHost == "" {
		siteHost = "default"
	}

	var renameMap any
	if len(e.RenameMap) > 0 {
		renameMap = string(e.RenameMap)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO undownloaded_torrents (torrent_id, site_host, download_dir, local_torrent_name, rename_map, added_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(torrent_id, site_host)
		DO UPDATE SET
			download_dir = excluded.download_dir,
			local_torrent_name = excluded.local_torrent_name,
			rename_map = excluded.rename_map
	`, e.TorrentID, siteHost, e.DownloadDir, e.LocalTorrentName, renameMap)

	return err
}

// Enqueue upserts a retry entry for the (torrent, site) pair.
func (s *RetryQueueStore) Enqueue(ctx context.Context, e *UndownloadedEntry) error {
	return enqueueEntry(ctx, s.db, e)
}

// EnqueueTx is Enqueue inside a caller-owned transaction, so queueing shares
// the transaction that records the scan result.
func (s *RetryQueueStore) EnqueueTx(ctx context.Context, tx dbinterface.TxQuerier, e *UndownloadedEntry) error {
	return enqueueEntry(ctx, tx, e)
}

// List returns the pending entries for a site, oldest first.
func (s *RetryQueueStore) List(ctx context.Context, siteHost string) ([]*UndownloadedEntry, error) {
	if siteHost == "" {
		siteHost = "default"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_id, site_host, download_dir, local_torrent_name, rename_map, added_at
		FROM undownloaded_torrents
		WHERE site_host = ?
		ORDER BY added_at
	`, siteHost)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*UndownloadedEntry
	for rows.Next() {
		var e UndownloadedEntry
		var downloadDir, localName, renameMap sql.NullString
		if err := rows.Scan(&e.TorrentID, &e.SiteHost, &downloadDir, &localName, &renameMap, &e.AddedAt); err != nil {
			return nil, err
		}
		e.DownloadDir = downloadDir.String
		e.LocalTorrentName = localName.String
		if renameMap.Valid && renameMap.String != "" {
			e.RenameMap = json.RawMessage(renameMap.String)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func dequeueEntry(ctx context.Context, q execer, torrentID, siteHost string) error {
	if torrentID == "" {
		return errors.New("torrent id is required")
	}
	if siteHost == "" {
		siteHost = "default"
	}

	_, err := q.ExecContext(ctx,
		"DELETE FROM undownloaded_torrents WHERE torrent_id = ? AND site_host = ?",
		torrentID, siteHost)
	return err
}

// Dequeue removes a retry entry once its download finally succeeded or the
// match is no longer wanted.
func (s *RetryQueueStore) Dequeue(ctx context.Context, torrentID, siteHost string) error {
	return dequeueEntry(ctx, s.db, torrentID, siteHost)
}

// DequeueTx is Dequeue inside a caller-owned transaction, so the removal
// commits together with the successful injection's scan result.
func (s *RetryQueueStore) DequeueTx(ctx context.Context, tx dbinterface.TxQuerier, torrentID, siteHost string) error {
	return dequeueEntry(ctx, tx, torrentID, siteHost)
}

// Count returns the number of queued entries for a site.
func (s *RetryQueueStore) Count(ctx context.Context, siteHost string) (int, error) {
	if siteHost == "" {
		siteHost = "default"
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM undownloaded_torrents WHERE site_host = ?", siteHost).Scan(&count)
	return count, err
}
