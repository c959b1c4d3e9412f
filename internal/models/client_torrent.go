// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/autobrr/nemorosa/internal/dbinterface"
)

// CachedTorrent is a snapshot of one client torrent, kept so repeat sweeps
// can skip per-torrent file listing RPCs.
type CachedTorrent struct {
	Hash        string       `json:"hash"`
	Name        string       `json:"name"`
	TotalSize   int64        `json:"totalSize"`
	DownloadDir string       `json:"downloadDir,omitempty"`
	Trackers    []string     `json:"trackers,omitempty"`
	RefreshedAt time.Time    `json:"refreshedAt"`
	Files       []CachedFile `json:"files,omitempty"`
}

type CachedFile struct {
	Index       int    `json:"index"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Fingerprint uint64 `json:"fingerprint"`
}

// FingerprintHit locates a cached file found via reverse fingerprint lookup.
type FingerprintHit struct {
	TorrentHash string `json:"torrentHash"`
	FilePath    string `json:"filePath"`
	FileSize    int64  `json:"fileSize"`
}

// Fingerprint derives the lookup key for a file from its base name and size.
func Fingerprint(filePath string, size int64) uint64 {
	return xxhash.Sum64String(path.Base(filePath) + ":" + strconv.FormatInt(size, 10))
}

type ClientTorrentStore struct {
	db dbinterface.Querier
}

func NewClientTorrentStore(db dbinterface.Querier) *ClientTorrentStore {
	return &ClientTorrentStore{db: db}
}

const fileInsertBatchSize = 100

// UpsertTorrents replaces the cached rows for the given torrents. File rows
// are replaced wholesale per torrent inside one transaction.
func (s *ClientTorrentStore) UpsertTorrents(ctx context.Context, torrents []*CachedTorrent) error {
	if len(torrents) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range torrents {
		hash := normalizeHash(t.Hash)
		if hash == "" {
			return errors.New("torrent hash is required")
		}

		trackers, err := json.Marshal(t.Trackers)
		if err != nil {
			return fmt.Errorf("marshal trackers for %s: %w", hash, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO client_torrents (hash, name, total_size, download_dir, trackers, refreshed_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(hash)
			DO UPDATE SET
				name = excluded.name,
				total_size = excluded.total_size,
				download_dir = excluded.download_dir,
				trackers = excluded.trackers,
				refreshed_at = CURRENT_TIMESTAMP
		`, hash, t.Name, t.TotalSize, t.DownloadDir, string(trackers)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM torrent_files WHERE torrent_hash = ?", hash); err != nil {
			return err
		}

		if err := insertFileRows(ctx, tx, hash, t.Files); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertFileRows(ctx context.Context, tx dbinterface.TxQuerier, hash string, files []CachedFile) error {
	for start := 0; start < len(files); start += fileInsertBatchSize {
		end := min(start+fileInsertBatchSize, len(files))
		batch := files[start:end]

		query := dbinterface.BuildQueryWithPlaceholders(
			"INSERT INTO torrent_files (torrent_hash, file_index, file_path, file_size, fingerprint) VALUES %s",
			5, len(batch))

		args := make([]any, 0, len(batch)*5)
		for _, f := range batch {
			// uint64 fingerprints keep their bit pattern through the int64 column
			args = append(args, hash, f.Index, f.Path, f.Size, int64(f.Fingerprint))
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the cached torrent row without its files, or nil when absent.
func (s *ClientTorrentStore) Get(ctx context.Context, hash string) (*CachedTorrent, error) {
	hash = normalizeHash(hash)
	if hash == "" {
		return nil, errors.New("torrent hash is required")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT hash, name, total_size, download_dir, trackers, refreshed_at
		FROM client_torrents
		WHERE hash = ?
	`, hash)

	var t CachedTorrent
	var downloadDir, trackers sql.NullString
	if err := row.Scan(&t.Hash, &t.Name, &t.TotalSize, &downloadDir, &trackers, &t.RefreshedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	t.DownloadDir = downloadDir.String
	if trackers.Valid && trackers.String != "" {
		if err := json.Unmarshal([]byte(trackers.String), &t.Trackers); err != nil {
			return nil, fmt.Errorf("unmarshal trackers for %s: %w", hash, err)
		}
	}
	return &t, nil
}

// Files returns the cached file rows for a torrent, ordered by index.
func (s *ClientTorrentStore) Files(ctx context.Context, hash string) ([]CachedFile, error) {
	hash = normalizeHash(hash)
	if hash == "" {
		return nil, errors.New("torrent hash is required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT file_index, file_path, file_size, fingerprint
		FROM torrent_files
		WHERE torrent_hash = ?
		ORDER BY file_index
	`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []CachedFile
	for rows.Next() {
		var f CachedFile
		var fp int64
		if err := rows.Scan(&f.Index, &f.Path, &f.Size, &fp); err != nil {
			return nil, err
		}
		f.Fingerprint = uint64(fp)
		files = append(files, f)
	}
	return files, rows.Err()
}

// Hashes returns every cached torrent hash.
func (s *ClientTorrentStore) Hashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT hash FROM client_torrents")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// PruneMissing deletes cached torrents no longer present in the client.
// The keep list goes through a temp table to sidestep placeholder limits.
func (s *ClientTorrentStore) PruneMissing(ctx context.Context, keep []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS temp_keep_hashes (
			hash TEXT PRIMARY KEY
		)
	`); err != nil {
		return 0, err
	}
	defer tx.ExecContext(ctx, "DROP TABLE IF EXISTS temp_keep_hashes")

	if _, err := tx.ExecContext(ctx, "DELETE FROM temp_keep_hashes"); err != nil {
		return 0, err
	}

	for start := 0; start < len(keep); start += fileInsertBatchSize {
		end := min(start+fileInsertBatchSize, len(keep))
		batch := keep[start:end]

		query := dbinterface.BuildQueryWithPlaceholders(
			"INSERT OR IGNORE INTO temp_keep_hashes (hash) VALUES %s", 1, len(batch))

		args := make([]any, 0, len(batch))
		for _, h := range batch {
			args = append(args, normalizeHash(h))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM client_torrents
		WHERE hash NOT IN (SELECT hash FROM temp_keep_hashes)
	`)
	if err != nil {
		return 0, err
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// FindByFingerprint returns cached files whose fingerprint matches.
func (s *ClientTorrentStore) FindByFingerprint(ctx context.Context, fp uint64) ([]*FingerprintHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_hash, file_path, file_size
		FROM torrent_files
		WHERE fingerprint = ?
	`, int64(fp))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []*FingerprintHit
	for rows.Next() {
		var h FingerprintHit
		if err := rows.Scan(&h.TorrentHash, &h.FilePath, &h.FileSize); err != nil {
			return nil, err
		}
		hits = append(hits, &h)
	}
	return hits, rows.Err()
}
