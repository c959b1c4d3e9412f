// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine drives cross-seed runs. A run walks the client's torrents,
// matches each against the configured target sites by infohash and by file
// names, injects what matched back into the client, and records every
// outcome so no torrent/site pair is examined twice.
package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/dbinterface"
	"github.com/autobrr/nemorosa/internal/gazelle"
	"github.com/autobrr/nemorosa/internal/metrics"
	"github.com/autobrr/nemorosa/internal/models"
	"github.com/autobrr/nemorosa/internal/torrentclient"
	"github.com/autobrr/nemorosa/pkg/hashutil"
)

// ErrRunInFlight is returned by Single when another run holds the engine.
// Webhook callers surface it as a retryable condition instead of queueing.
var ErrRunInFlight = errors.New("engine: a run is already in flight")

// Settings is the slice of configuration a run acts on.
type Settings struct {
	NoDownload     bool
	ExcludeMP3     bool
	CheckMusicOnly bool
	CheckTrackers  []string
	Label          string
}

// Site is the target-site surface the engine consumes, satisfied by
// *gazelle.Client.
type Site interface {
	Host() string
	TrackerHost() string
	SourceFlag() string
	AnnounceURL() string
	TorrentURL(torrentID string) string
	SearchByHash(ctx context.Context, infohash string) (*gazelle.HashHit, error)
	SearchByFilename(ctx context.Context, query string) ([]gazelle.SearchResult, error)
	FetchFileList(ctx context.Context, torrentID string) (map[string]int64, []string, error)
	DownloadTorrent(ctx context.Context, torrentID string) ([]byte, error)
}

// Tracker receives the hashes of injected torrents for verification
// follow-up, satisfied by *tracking.Tracker.
type Tracker interface {
	Track(hash string)
}

// Stats counts the outcomes of one run.
type Stats struct {
	Scanned        int `json:"scanned"`
	Found          int `json:"found"`
	Downloaded     int `json:"downloaded"`
	DownloadFailed int `json:"downloadFailed"`
}

// RetryStats counts the outcomes of one pass over the undownloaded queue.
type RetryStats struct {
	Attempted  int `json:"attempted"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Single-run statuses, shaped for the webhook response.
const (
	StatusSuccess  = "success"
	StatusNotFound = "not_found"
	StatusSkipped  = "skipped"
	StatusError    = "error"
)

// SingleResult is the structured outcome of a single-torrent run.
type SingleResult struct {
	Status           string   `json:"status"`
	Message          string   `json:"message"`
	Infohash         string   `json:"infohash"`
	TorrentName      string   `json:"torrentName,omitempty"`
	ExistingTrackers []string `json:"existingTrackers,omitempty"`
	Stats            *Stats   `json:"stats,omitempty"`
}

// scanFields is what a sweep needs from the client up front. File listings
// are filled per torrent from the cache, falling back to the client only
// for torrents the cache has not seen.
const scanFields = torrentclient.FieldName | torrentclient.FieldTotalSize |
	torrentclient.FieldTrackers | torrentclient.FieldDownloadDir |
	torrentclient.FieldState | torrentclient.FieldLabel

// Engine coordinates one torrent client against one or more target sites.
// Runs are serialized: sweeps and retry passes queue behind each other,
// single-torrent runs refuse instead.
type Engine struct {
	cfg     Settings
	client  torrentclient.Client
	sites   []Site
	db      dbinterface.Querier
	scans   *models.ScanResultStore
	retries *models.RetryQueueStore
	cache   *models.ClientTorrentStore
	tracker Tracker
	metrics *metrics.Manager

	injectAttempts uint
	injectDelay    time.Duration

	runMu sync.Mutex
}

// Options collects the engine's dependencies.
type Options struct {
	Settings Settings
	Client   torrentclient.Client
	Sites    []Site
	DB       dbinterface.Querier
	Scans    *models.ScanResultStore
	Retries  *models.RetryQueueStore
	Cache    *models.ClientTorrentStore
	Tracker  Tracker
	Metrics  *metrics.Manager
}

// New wires an engine from its parts. The client, at least one site and the
// stores are required; tracker and metrics may be nil.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("engine: torrent client is required")
	}
	if len(opts.Sites) == 0 {
		return nil, errors.New("engine: at least one target site is required")
	}
	if opts.DB == nil || opts.Scans == nil || opts.Retries == nil || opts.Cache == nil {
		return nil, errors.New("engine: database stores are required")
	}
	return &Engine{
		cfg:            opts.Settings,
		client:         opts.Client,
		sites:          opts.Sites,
		db:             opts.DB,
		scans:          opts.Scans,
		retries:        opts.Retries,
		cache:          opts.Cache,
		tracker:        opts.Tracker,
		metrics:        opts.Metrics,
		injectAttempts: injectAttempts,
		injectDelay:    injectDelay,
	}, nil
}

// Sweep scans every eligible client torrent against every configured site.
func (e *Engine) Sweep(ctx context.Context) (*Stats, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	stats := &Stats{}
	items, err := e.collectSweepItems(ctx)
	if err != nil {
		return stats, err
	}

	log.Info().Int("torrents", len(items)).Int("sites", len(e.sites)).Msg("Starting sweep")

	for i := range items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item := &items[i]
		log.Info().
			Str("hash", item.torrent.Hash).
			Str("name", item.torrent.Name).
			Msgf("Processing torrent %d/%d", i+1, len(items))

		if e.scanTorrent(ctx, &item.torrent, item.existing, stats) {
			log.Info().Str("name", item.torrent.Name).Msg("Matched on at least one target site")
		}
	}

	log.Info().
		Int("scanned", stats.Scanned).
		Int("found", stats.Found).
		Int("downloaded", stats.Downloaded).
		Int("downloadFailed", stats.DownloadFailed).
		Msg("Sweep complete")
	return stats, nil
}

// sweepItem is one piece of content to scan: the leanest client copy of it
// plus the target trackers some copy of it already announces to.
type sweepItem struct {
	torrent  torrentclient.Torrent
	existing map[string]bool
}

// collectSweepItems lists the client, applies the eligibility filters and
// folds duplicated content into one item per torrent name. File listings
// come from the cache where possible; whatever had to be fetched is cached
// for the next sweep, and rows for torrents gone from the client are pruned.
func (e *Engine) collectSweepItems(ctx context.Context) ([]sweepItem, error) {
	torrents, err := e.client.List(ctx, scanFields)
	if err != nil {
		return nil, errors.Wrap(err, "engine: list client torrents")
	}

	seen := make([]string, 0, len(torrents))
	for i := range torrents {
		seen = append(seen, torrents[i].Hash)
	}

	type group struct {
		torrent  *torrentclient.Torrent
		existing map[string]bool
	}
	var order []string
	groups := make(map[string]*group)

	for i := range torrents {
		t := &torrents[i]
		if !e.passesClientFilters(t) {
			continue
		}
		files, err := e.torrentFiles(ctx, t)
		if err != nil {
			log.Warn().Err(err).Str("hash", t.Hash).Str("name", t.Name).Msg("File listing unavailable, skipping torrent")
			continue
		}
		t.Files = files
		if !e.passesContentFilters(t) {
			continue
		}

		g, ok := groups[t.Name]
		if !ok {
			g = &group{torrent: t, existing: make(map[string]bool)}
			groups[t.Name] = g
			order = append(order, t.Name)
		} else if leanerCopy(t, g.torrent) {
			g.torrent = t
		}
		for _, site := range e.sites {
			if trackersContain(t.Trackers, site.TrackerHost()) {
				g.existing[site.TrackerHost()] = true
			}
		}
	}

	if _, err := e.cache.PruneMissing(ctx, seen); err != nil {
		log.Warn().Err(err).Msg("Failed to prune torrent cache")
	}

	items := make([]sweepItem, 0, len(order))
	for _, name := range order {
		g := groups[name]
		if e.seededEverywhere(g.existing) {
			log.Debug().Str("name", name).Msg("Already on every target tracker, skipping")
			continue
		}
		items = append(items, sweepItem{torrent: *g.torrent, existing: g.existing})
	}
	return items, nil
}

// scanTorrent tries every site for one torrent. Site failures are contained
// so one broken tracker cannot stall the run. The return reports whether
// any site matched.
func (e *Engine) scanTorrent(ctx context.Context, t *torrentclient.Torrent, existing map[string]bool, stats *Stats) bool {
	anyFound := false
	for _, site := range e.sites {
		if ctx.Err() != nil {
			return anyFound
		}
		if existing[site.TrackerHost()] {
			log.Debug().Str("site", site.Host()).Str("name", t.Name).Msg("Content already on this tracker, skipping site")
			continue
		}
		scanned, err := e.scans.IsScanned(ctx, t.Hash, site.Host())
		if err != nil {
			log.Error().Err(err).Str("site", site.Host()).Str("hash", t.Hash).Msg("Failed to check scan history")
			continue
		}
		if scanned {
			log.Debug().Str("site", site.Host()).Str("hash", t.Hash).Msg("Pair already scanned, skipping site")
			continue
		}

		found, err := e.scanSite(ctx, t, site, stats)
		if err != nil {
			log.Error().Err(err).Str("site", site.Host()).Str("name", t.Name).Msg("Site attempt failed, torrent stays unscanned for it")
			continue
		}
		if found {
			anyFound = true
		}
	}
	return anyFound
}

// scanSite runs the match strategies for one torrent/site pair and settles
// the outcome. An error means the attempt did not complete and no scan row
// was written, so a later run picks the pair up again.
func (e *Engine) scanSite(ctx context.Context, t *torrentclient.Torrent, site Site, stats *Stats) (bool, error) {
	e.noteScanned(stats)

	m, err := e.findMatch(ctx, t, site)
	if err != nil {
		return false, err
	}
	if m == nil {
		log.Info().Str("site", site.Host()).Str("name", t.Name).Msg("No matching torrent found")
		return false, e.recordOutcome(ctx, t, site, "", nil)
	}

	e.noteFound(stats)
	log.Info().
		Str("site", site.Host()).
		Str("torrentID", m.TorrentID).
		Bool("hashMatch", m.UseExisting).
		Str("name", t.Name).
		Msg("Found matching torrent")

	return true, e.settleMatch(ctx, t, site, m, stats)
}

// Single scans one torrent, identified by infohash, against every site. It
// refuses with ErrRunInFlight instead of queueing behind another run.
func (e *Engine) Single(ctx context.Context, infohash string) (*SingleResult, error) {
	if !e.runMu.TryLock() {
		return nil, ErrRunInFlight
	}
	defer e.runMu.Unlock()
	return e.single(ctx, infohash), nil
}

func (e *Engine) single(ctx context.Context, infohash string) *SingleResult {
	infohash = hashutil.Normalize(infohash)
	res := &SingleResult{Status: StatusError, Infohash: infohash}

	log.Info().Str("hash", infohash).Msg("Processing single torrent")

	t, err := e.client.Get(ctx, infohash, scanFields|torrentclient.FieldFiles)
	if err != nil {
		res.Message = fmt.Sprintf("failed to query torrent client: %v", err)
		return res
	}
	if t == nil {
		res.Message = fmt.Sprintf("torrent %s not found in client", infohash)
		return res
	}
	res.TorrentName = t.Name

	if !e.passesClientFilters(t) || !e.passesContentFilters(t) {
		res.Status = StatusSkipped
		res.Message = "torrent excluded by filter settings"
		return res
	}

	scanned, err := e.scans.IsScanned(ctx, infohash, "")
	if err != nil {
		res.Message = fmt.Sprintf("failed to check scan history: %v", err)
		return res
	}
	if scanned {
		res.Status = StatusSkipped
		res.Message = fmt.Sprintf("torrent %s already scanned", infohash)
		return res
	}

	existing := e.existingTrackers(ctx, t)
	res.ExistingTrackers = sortedKeys(existing)
	if e.seededEverywhere(existing) {
		res.Status = StatusSkipped
		res.Message = "torrent already exists on all target trackers"
		return res
	}

	stats := &Stats{}
	found := e.scanTorrent(ctx, t, existing, stats)
	res.Stats = stats
	res.Message = fmt.Sprintf("processed torrent %s", t.Name)
	if found {
		res.Status = StatusSuccess
	} else {
		res.Status = StatusNotFound
	}
	return res
}

// RetryUndownloaded drains the undownloaded-match queue: every entry gets
// another download and injection attempt, and only entries that make it
// into the client leave the queue.
func (e *Engine) RetryUndownloaded(ctx context.Context) (*RetryStats, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	stats := &RetryStats{}
	for _, site := range e.sites {
		entries, err := e.retries.List(ctx, site.Host())
		if err != nil {
			log.Error().Err(err).Str("site", site.Host()).Msg("Failed to list undownloaded torrents")
			continue
		}
		if len(entries) == 0 {
			continue
		}
		log.Info().Str("site", site.Host()).Int("count", len(entries)).Msg("Retrying undownloaded torrents")

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Attempted++
			if err := e.retryEntry(ctx, site, entry); err != nil {
				stats.Failed++
				log.Warn().Err(err).Str("site", site.Host()).Str("torrentID", entry.TorrentID).Msg("Retry failed, torrent stays queued")
				continue
			}
			stats.Successful++
		}
	}

	if stats.Attempted > 0 {
		log.Info().
			Int("attempted", stats.Attempted).
			Int("successful", stats.Successful).
			Int("failed", stats.Failed).
			Msg("Retry pass complete")
	}
	return stats, nil
}

// RefreshCache rebuilds the torrent-file cache from the client in one pass,
// so the first sweep afterwards skips the per-torrent file listings.
func (e *Engine) RefreshCache(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	torrents, err := e.client.List(ctx, scanFields|torrentclient.FieldFiles)
	if err != nil {
		return errors.Wrap(err, "engine: list client torrents")
	}

	rows := make([]*models.CachedTorrent, 0, len(torrents))
	keep := make([]string, 0, len(torrents))
	for i := range torrents {
		t := &torrents[i]
		keep = append(keep, t.Hash)
		rows = append(rows, cachedRow(t, t.Files))
	}
	if err := e.cache.UpsertTorrents(ctx, rows); err != nil {
		return errors.Wrap(err, "engine: cache client torrents")
	}
	pruned, err := e.cache.PruneMissing(ctx, keep)
	if err != nil {
		return errors.Wrap(err, "engine: prune torrent cache")
	}

	log.Info().Int("torrents", len(rows)).Int64("pruned", pruned).Msg("Torrent cache refreshed")
	return nil
}

// passesClientFilters applies the filters that need no file listing: the
// injection label and, when configured, the source-tracker allowlist.
func (e *Engine) passesClientFilters(t *torrentclient.Torrent) bool {
	if e.cfg.Label != "" && t.Label == e.cfg.Label {
		log.Debug().Str("name", t.Name).Msg("Skipping torrent carrying the injection label")
		return false
	}
	if len(e.cfg.CheckTrackers) == 0 {
		return true
	}
	for _, url := range t.Trackers {
		for _, want := range e.cfg.CheckTrackers {
			if want != "" && strings.Contains(url, want) {
				return true
			}
		}
	}
	log.Debug().Str("name", t.Name).Msg("Skipping torrent, no tracker on the check list")
	return false
}

// passesContentFilters applies the filters that inspect the file listing.
func (e *Engine) passesContentFilters(t *torrentclient.Torrent) bool {
	if e.cfg.ExcludeMP3 {
		for _, f := range t.Files {
			if strings.EqualFold(path.Ext(f.Path), ".mp3") {
				log.Debug().Str("name", t.Name).Msg("Skipping torrent containing mp3 files")
				return false
			}
		}
	}
	if e.cfg.CheckMusicOnly {
		hasMusic := false
		for _, f := range t.Files {
			if isMusicFile(f.Path) {
				hasMusic = true
				break
			}
		}
		if !hasMusic {
			log.Debug().Str("name", t.Name).Msg("Skipping torrent without music files")
			return false
		}
	}
	return true
}

// torrentFiles returns the torrent's file listing, preferring cached rows
// so re-sweeps skip the per-torrent file RPCs some vendors need. A cached
// row with a stale total size is ignored and refreshed.
func (e *Engine) torrentFiles(ctx context.Context, t *torrentclient.Torrent) ([]torrentclient.File, error) {
	if cached, err := e.cache.Get(ctx, t.Hash); err == nil && cached != nil && cached.TotalSize == t.TotalSize {
		rows, err := e.cache.Files(ctx, t.Hash)
		if err == nil && len(rows) > 0 {
			files := make([]torrentclient.File, len(rows))
			for i, row := range rows {
				files[i] = torrentclient.File{Path: row.Path, Size: row.Size}
			}
			return files, nil
		}
	}

	full, err := e.client.Get(ctx, t.Hash, torrentclient.FieldFiles)
	if err != nil {
		return nil, err
	}
	if full == nil {
		return nil, errors.Errorf("torrent %s disappeared from the client", t.Hash)
	}

	if err := e.cache.UpsertTorrents(ctx, []*models.CachedTorrent{cachedRow(t, full.Files)}); err != nil {
		log.Warn().Err(err).Str("hash", t.Hash).Msg("Failed to cache torrent files")
	}
	return full.Files, nil
}

func cachedRow(t *torrentclient.Torrent, files []torrentclient.File) *models.CachedTorrent {
	rows := make([]models.CachedFile, len(files))
	for i, f := range files {
		rows[i] = models.CachedFile{
			Index:       i,
			Path:        f.Path,
			Size:        f.Size,
			Fingerprint: models.Fingerprint(f.Path, f.Size),
		}
	}
	return &models.CachedTorrent{
		Hash:        t.Hash,
		Name:        t.Name,
		TotalSize:   t.TotalSize,
		DownloadDir: t.DownloadDir,
		Trackers:    t.Trackers,
		Files:       rows,
	}
}

// existingTrackers unions the target trackers every same-name copy of the
// content already announces to, mirroring the sweep's duplicate grouping.
func (e *Engine) existingTrackers(ctx context.Context, t *torrentclient.Torrent) map[string]bool {
	existing := make(map[string]bool)
	collect := func(trackers []string) {
		for _, site := range e.sites {
			if trackersContain(trackers, site.TrackerHost()) {
				existing[site.TrackerHost()] = true
			}
		}
	}
	collect(t.Trackers)

	torrents, err := e.client.List(ctx, torrentclient.FieldName|torrentclient.FieldTrackers)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list client torrents for duplicate grouping")
		return existing
	}
	for i := range torrents {
		if torrents[i].Name == t.Name {
			collect(torrents[i].Trackers)
		}
	}
	return existing
}

// seededEverywhere reports whether every configured site's tracker already
// carries the content.
func (e *Engine) seededEverywhere(existing map[string]bool) bool {
	for _, site := range e.sites {
		if !existing[site.TrackerHost()] {
			return false
		}
	}
	return len(e.sites) > 0
}

// leanerCopy prefers the copy of duplicated content with fewer files, then
// the smaller one. Partial copies make cheaper rename sources.
func leanerCopy(candidate, current *torrentclient.Torrent) bool {
	if len(candidate.Files) != len(current.Files) {
		return len(candidate.Files) < len(current.Files)
	}
	return candidate.TotalSize < current.TotalSize
}

func trackersContain(urls []string, host string) bool {
	if host == "" {
		return false
	}
	for _, u := range urls {
		if strings.Contains(u, host) {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) noteScanned(stats *Stats) {
	stats.Scanned++
	if e.metrics != nil {
		e.metrics.AddScanned(1)
	}
}

func (e *Engine) noteFound(stats *Stats) {
	stats.Found++
	if e.metrics != nil {
		e.metrics.AddFound(1)
	}
}

func (e *Engine) noteDownloaded(stats *Stats) {
	stats.Downloaded++
	if e.metrics != nil {
		e.metrics.AddDownloaded(1)
	}
}

// noteDownloadFailed counts a failed download or injection. The first few
// failures carry a hint about the usual culprit, then the hint goes quiet
// for the rest of the run.
func (e *Engine) noteDownloadFailed(stats *Stats, site Site, torrentID string, err error) {
	stats.DownloadFailed++
	if e.metrics != nil {
		e.metrics.AddDownloadFailed(1)
	}

	log.Warn().Err(err).Str("site", site.Host()).Str("torrentID", torrentID).Msg("Matched torrent could not be injected, queued for retry")
	if stats.DownloadFailed <= downloadFailHintCap {
		log.Warn().Str("site", site.Host()).Str("torrentID", torrentID).
			Msg("This often means the site's non-browser download limit is exhausted; the match is saved and can be retried later")
		if stats.DownloadFailed == downloadFailHintCap {
			log.Debug().Msg("Suppressing further download-limit hints this run")
		}
	}
}
