// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/models"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/internal/torrentclient"
)

const (
	injectAttempts uint = 8
	injectDelay         = 2 * time.Second

	// downloadFailHintCap stops the download-limit hint from flooding a
	// run with many failures.
	downloadFailHintCap = 10
)

// settleMatch turns an accepted match into client state and database rows:
// obtain the metainfo, compute the rename plan, inject, and persist the
// outcome. Every branch writes a scan row except internal store errors.
func (e *Engine) settleMatch(ctx context.Context, t *torrentclient.Torrent, site Site, m *match, stats *Stats) error {
	payload, meta, err := e.matchPayload(ctx, site, m)
	if err != nil {
		e.noteDownloadFailed(stats, site, m.TorrentID, err)
		return e.recordUndownloaded(ctx, t, site, m.TorrentID, nil)
	}

	local := t.FileMap()
	pairs, err := reconcile.Generate(local, meta.FileMap(), meta.FileOrder())
	if err != nil {
		log.Warn().Err(err).
			Str("site", site.Host()).
			Str("torrentID", m.TorrentID).
			Msg("Local files conflict with the matched torrent, not injecting")
		return e.recordOutcome(ctx, t, site, m.TorrentID, nil)
	}
	plan := reconcile.Compress(pairs)

	if e.cfg.NoDownload {
		log.Info().Str("site", site.Host()).Str("torrentID", m.TorrentID).Msg("Downloads disabled, saving match for later injection")
		return e.recordUndownloaded(ctx, t, site, m.TorrentID, plan)
	}

	newHash, err := e.injectPayload(ctx, injectRequest{
		payload:     payload,
		downloadDir: t.DownloadDir,
		rootName:    t.Name,
		plan:        plan,
		hashMatch:   m.UseExisting,
	})
	if err != nil {
		var conflict *torrentclient.TorrentConflictError
		if errors.As(err, &conflict) {
			log.Error().
				Str("site", site.Host()).
				Str("torrentID", m.TorrentID).
				Str("existingHash", conflict.ExistingHash).
				Msg("Injection collides with a torrent already in the client; this usually means a wrong source flag on a tracker that does not enforce one")
			return e.recordOutcome(ctx, t, site, m.TorrentID, nil)
		}
		e.noteDownloadFailed(stats, site, m.TorrentID, err)
		return e.recordUndownloaded(ctx, t, site, m.TorrentID, plan)
	}

	if err := e.recordOutcome(ctx, t, site, m.TorrentID, &newHash); err != nil {
		return err
	}
	e.noteDownloaded(stats)
	if e.tracker != nil {
		e.tracker.Track(newHash)
	}
	log.Info().Str("site", site.Host()).Str("hash", newHash).Str("name", t.Name).Msg("Torrent injected successfully")
	return nil
}

// matchPayload produces the metainfo bytes to inject plus their parsed
// form. A hash match reuses the exported local metainfo rewritten to
// announce to the target site; a filename match downloads the remote
// torrent.
func (e *Engine) matchPayload(ctx context.Context, site Site, m *match) ([]byte, *metainfo.Torrent, error) {
	if m.UseExisting && m.Metainfo != nil {
		meta := m.Metainfo
		if err := meta.SetComment(site.TorrentURL(m.TorrentID)); err != nil {
			return nil, nil, errors.Wrap(err, "rewrite comment")
		}
		if err := meta.SetAnnounce(site.AnnounceURL()); err != nil {
			return nil, nil, errors.Wrap(err, "rewrite announce")
		}
		payload, err := meta.Bytes()
		if err != nil {
			return nil, nil, errors.Wrap(err, "serialize metainfo")
		}
		return payload, meta, nil
	}

	payload, err := site.DownloadTorrent(ctx, m.TorrentID)
	if err != nil {
		return nil, nil, err
	}
	meta, err := metainfo.Parse(payload)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parse downloaded torrent %s", m.TorrentID)
	}
	return payload, meta, nil
}

// injectRequest carries everything injectPayload needs to add one torrent
// and line it up with the local files.
type injectRequest struct {
	payload     []byte
	downloadDir string
	// rootName is the local content root the injected torrent is renamed
	// to; empty skips the root rename.
	rootName string
	plan     reconcile.Map
	// hashMatch marks metainfo that already hashes to the local data, so
	// the add can skip the initial verification.
	hashMatch bool
}

// injectPayload adds the metainfo to the client paused and aligns the new
// torrent with the local files: root rename, per-file renames, then a
// recheck when anything moved or the vendor needs one. The alignment steps
// retry as a unit; the add happens once, since every adapter reports a
// re-add of the same torrent as a conflict.
func (e *Engine) injectPayload(ctx context.Context, req injectRequest) (string, error) {
	opts := torrentclient.AddOptions{
		DownloadDir: req.downloadDir,
		SkipVerify:  req.hashMatch,
		Label:       e.cfg.Label,
		Paused:      true,
	}

	var newHash string
	rootRenamed := false

	err := retry.Do(
		func() error {
			if newHash == "" {
				hash, err := e.client.Add(ctx, req.payload, opts)
				if err != nil {
					var conflict *torrentclient.TorrentConflictError
					if errors.As(err, &conflict) {
						return retry.Unrecoverable(err)
					}
					return err
				}
				newHash = hash
			}

			current, err := e.client.Get(ctx, newHash, torrentclient.FieldName|torrentclient.FieldFiles)
			if err != nil {
				return err
			}
			if current == nil {
				return errors.Errorf("torrent %s vanished after add", newHash)
			}

			if req.rootName != "" && current.Name != req.rootName {
				if err := e.client.RenameRoot(ctx, newHash, current.Name, req.rootName); err != nil {
					return err
				}
				log.Debug().Str("hash", newHash).Str("from", current.Name).Str("to", req.rootName).Msg("Renamed torrent root")
				current.Name = req.rootName
				rootRenamed = true
			}

			// A failed attempt can leave the plan half applied, so each
			// attempt only replays the renames still outstanding.
			pending := pendingRenames(req.plan, current)
			if len(pending) > 0 {
				if err := e.client.ApplyRenameMap(ctx, newHash, pending, current); err != nil {
					return err
				}
			}

			if rootRenamed || len(req.plan) > 0 || !req.hashMatch || vendorNeedsRecheck(e.client.Name()) {
				if err := e.client.Verify(ctx, newHash); err != nil {
					return err
				}
			}
			return nil
		},
		retry.Attempts(e.injectAttempts),
		retry.Delay(e.injectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Str("name", req.rootName).Uint("attempt", n+1).Msg("Torrent injection failed, retrying")
		}),
	)
	if err != nil {
		return "", errors.Wrap(err, "engine: inject torrent")
	}
	return newHash, nil
}

// pendingRenames filters the plan down to entries whose remote path still
// exists in the torrent, dropping renames an earlier attempt already made.
func pendingRenames(plan reconcile.Map, current *torrentclient.Torrent) reconcile.Map {
	if len(plan) == 0 {
		return nil
	}
	pending := make(reconcile.Map, 0, len(plan))
	for _, entry := range plan {
		if pathPresent(entry.RemotePath, current.Files) {
			pending = append(pending, entry)
		}
	}
	return pending
}

// pathPresent reports whether p names a payload file or a directory still
// present under the torrent root.
func pathPresent(p string, files []torrentclient.File) bool {
	prefix := p + "/"
	for _, f := range files {
		if f.Path == p || strings.HasPrefix(f.Path, prefix) {
			return true
		}
	}
	return false
}

// vendorNeedsRecheck names the clients that mark a skip-verified add
// complete without checking a single piece.
func vendorNeedsRecheck(vendor string) bool {
	return vendor == "qbittorrent" || vendor == "deluge"
}

// recordOutcome writes the scan row for a settled torrent/site pair. A nil
// matchedHash means nothing was injected, either because nothing matched or
// because the match could not be added.
func (e *Engine) recordOutcome(ctx context.Context, t *torrentclient.Torrent, site Site, torrentID string, matchedHash *string) error {
	r := &models.ScanResult{
		LocalHash:          t.Hash,
		SiteHost:           site.Host(),
		LocalTorrentName:   t.Name,
		MatchedTorrentHash: matchedHash,
	}
	if torrentID != "" {
		r.MatchedTorrentID = &torrentID
	}
	return errors.Wrap(e.scans.Record(ctx, r), "engine: record scan result")
}

// recordUndownloaded persists a found-but-not-injected match: the scan row
// and the retry-queue entry commit together, so a crash between the two
// cannot strand a match.
func (e *Engine) recordUndownloaded(ctx context.Context, t *torrentclient.Torrent, site Site, torrentID string, plan reconcile.Map) error {
	var renameMap json.RawMessage
	if len(plan) > 0 {
		b, err := json.Marshal(plan)
		if err != nil {
			return errors.Wrap(err, "engine: encode rename map")
		}
		renameMap = b
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "engine: begin transaction")
	}
	defer tx.Rollback()

	if err := e.scans.RecordTx(ctx, tx, &models.ScanResult{
		LocalHash:        t.Hash,
		SiteHost:         site.Host(),
		LocalTorrentName: t.Name,
		MatchedTorrentID: &torrentID,
	}); err != nil {
		return errors.Wrap(err, "engine: record scan result")
	}
	if err := e.retries.EnqueueTx(ctx, tx, &models.UndownloadedEntry{
		TorrentID:        torrentID,
		SiteHost:         site.Host(),
		DownloadDir:      t.DownloadDir,
		LocalTorrentName: t.Name,
		RenameMap:        renameMap,
	}); err != nil {
		return errors.Wrap(err, "engine: queue undownloaded torrent")
	}
	return errors.Wrap(tx.Commit(), "engine: commit scan outcome")
}

// retryEntry downloads a queued match and injects it with the rename plan
// captured when the match was made. Success fills the injected hash into
// the scan row and drops the queue entry in one transaction.
func (e *Engine) retryEntry(ctx context.Context, site Site, entry *models.UndownloadedEntry) error {
	payload, err := site.DownloadTorrent(ctx, entry.TorrentID)
	if err != nil {
		return err
	}

	var plan reconcile.Map
	if len(entry.RenameMap) > 0 {
		if err := json.Unmarshal(entry.RenameMap, &plan); err != nil {
			return errors.Wrap(err, "engine: decode stored rename map")
		}
	}

	newHash, err := e.injectPayload(ctx, injectRequest{
		payload:     payload,
		downloadDir: entry.DownloadDir,
		rootName:    entry.LocalTorrentName,
		plan:        plan,
	})
	if err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "engine: begin transaction")
	}
	defer tx.Rollback()

	if err := e.scans.AttachHashTx(ctx, tx, entry.TorrentID, site.Host(), newHash); err != nil {
		return errors.Wrap(err, "engine: attach injected hash")
	}
	if err := e.retries.DequeueTx(ctx, tx, entry.TorrentID, site.Host()); err != nil {
		return errors.Wrap(err, "engine: dequeue retry entry")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "engine: commit retry outcome")
	}

	if e.tracker != nil {
		e.tracker.Track(newHash)
	}
	log.Info().Str("site", site.Host()).Str("torrentID", entry.TorrentID).Str("hash", newHash).Msg("Queued torrent downloaded and injected")
	return nil
}
