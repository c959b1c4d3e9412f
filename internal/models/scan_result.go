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

// ScanResult records the outcome of examining one local torrent against one
// target site. A row with no matched torrent means the site came up empty,
// which still counts as scanned.
type ScanResult struct {
	LocalHash          string    `json:"localHash"`
	SiteHost           string    `json:"siteHost"`
	LocalTorrentName   string    `json:"localTorrentName,omitempty"`
	MatchedTorrentID   *string   `json:"matchedTorrentId,omitempty"`
	MatchedTorrentHash *string   `json:"matchedTorrentHash,omitempty"`
	Checked            bool      `json:"checked"`
	ScannedAt          time.Time `json:"scannedAt"`
}

type ScanResultStore struct {
	db dbinterface.Querier
}

func NewScanResultStore(db dbinterface.Querier) *ScanResultStore {
	return &ScanResultStore{db: db}
}

// execer is satisfied by both dbinterface.Querier and dbinterface.TxQuerier,
// letting store helpers run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func recordScanResult(ctx context.Context, q execer, r *ScanResult) error {
	if r == nil {
		return errors.New("scan result is nil")
	}

	localHash := normalizeHash(r.LocalHash)
	if localHash == "" {
		return errors.New("local hash is required")
	}
	siteHost := r.SiteHost
	if siteHost == "" {
		siteHost = "default"
	}

	var matchedHash any
	if r.MatchedTorrentHash != nil {
		matchedHash = normalizeHash(*r.MatchedTorrentHash)
	}
	var matchedID any
	if r.MatchedTorrentID != nil {
		matchedID = *r.MatchedTorrentID
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO scan_results (local_hash, site_host, local_torrent_name, matched_torrent_id, matched_torrent_hash, checked, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(local_hash, site_host)
		DO UPDATE SET
			local_torrent_name = excluded.local_torrent_name,
			matched_torrent_id = excluded.matched_torrent_id,
			matched_torrent_hash = excluded.matched_torrent_hash,
			checked = excluded.checked,
			scanned_at = CURRENT_TIMESTAMP
	`, localHash, siteHost, r.LocalTorrentName, matchedID, matchedHash, r.Checked)

	return err
}

// Record upserts a scan result for the (local torrent, site) pair.
func (s *ScanResultStore) Record(ctx context.Context, r *ScanResult) error {
	return recordScanResult(ctx, s.db, r)
}

// RecordTx is Record inside a caller-owned transaction.
func (s *ScanResultStore) RecordTx(ctx context.Context, tx dbinterface.TxQuerier, r *ScanResult) error {
	return recordScanResult(ctx, tx, r)
}

// IsScanned reports whether the local hash was already examined. An empty
// siteHost checks across all sites.
func (s *ScanResultStore) IsScanned(ctx context.Context, localHash, siteHost string) (bool, error) {
	localHash = normalizeHash(localHash)
	if localHash == "" {
		return false, errors.New("local hash is required")
	}

	var one int
	var err error
	if siteHost == "" {
		err = s.db.QueryRowContext(ctx,
			"SELECT 1 FROM scan_results WHERE local_hash = ? LIMIT 1", localHash).Scan(&one)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT 1 FROM scan_results WHERE local_hash = ? AND site_host = ? LIMIT 1",
			localHash, siteHost).Scan(&one)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UncheckedMatches returns matches whose injected torrents have not yet been
// confirmed by the verification tracker, so tracking can resume after a
// restart.
func (s *ScanResultStore) UncheckedMatches(ctx context.Context) ([]*ScanResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_hash, site_host, local_torrent_name, matched_torrent_id, matched_torrent_hash, checked, scanned_at
		FROM scan_results
		WHERE matched_torrent_hash IS NOT NULL AND checked = 0
		ORDER BY scanned_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ScanResult
	for rows.Next() {
		r, err := scanScanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// AttachHashTx fills in the injected hash for a match that was recorded
// before its torrent could be added, inside a caller-owned transaction so
// the update commits together with the retry-queue removal.
func (s *ScanResultStore) AttachHashTx(ctx context.Context, tx dbinterface.TxQuerier, torrentID, siteHost, matchedHash string) error {
	matchedHash = normalizeHash(matchedHash)
	if matchedHash == "" {
		return errors.New("matched hash is required")
	}
	if torrentID == "" {
		return errors.New("torrent id is required")
	}
	if siteHost == "" {
		siteHost = "default"
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE scan_results
		SET matched_torrent_hash = ?, checked = 0
		WHERE matched_torrent_id = ? AND site_host = ?
	`, matchedHash, torrentID, siteHost)
	return err
}

// MarkChecked flags every match row pointing at the injected hash as
// confirmed.
func (s *ScanResultStore) MarkChecked(ctx context.Context, matchedHash string) error {
	matchedHash = normalizeHash(matchedHash)
	if matchedHash == "" {
		return errors.New("matched hash is required")
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE scan_results SET checked = 1 WHERE matched_torrent_hash = ?", matchedHash)
	return err
}

// ClearMatch drops the match columns for an injected hash that failed
// verification and was removed from the client. The row stays so the pair
// is not rescanned.
func (s *ScanResultStore) ClearMatch(ctx context.Context, matchedHash string) error {
	matchedHash = normalizeHash(matchedHash)
	if matchedHash == "" {
		return errors.New("matched hash is required")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_results
		SET matched_torrent_id = NULL, matched_torrent_hash = NULL, checked = 0
		WHERE matched_torrent_hash = ?
	`, matchedHash)
	return err
}

// CountScanned returns the number of scan rows, optionally for one site.
func (s *ScanResultStore) CountScanned(ctx context.Context, siteHost string) (int, error) {
	var count int
	var err error
	if siteHost == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scan_results").Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM scan_results WHERE site_host = ?", siteHost).Scan(&count)
	}
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanResult(row rowScanner) (*ScanResult, error) {
	var r ScanResult
	var matchedID, matchedHash, name sql.NullString

	if err := row.Scan(&r.LocalHash, &r.SiteHost, &name, &matchedID, &matchedHash, &r.Checked, &r.ScannedAt); err != nil {
		return nil, err
	}

	r.LocalTorrentName = name.String
	if matchedID.Valid {
		r.MatchedTorrentID = &matchedID.String
	}
	if matchedHash.Valid {
		r.MatchedTorrentHash = &matchedHash.String
	}
	return &r, nil
}
