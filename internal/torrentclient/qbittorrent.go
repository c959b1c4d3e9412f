// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/reconcile"
)

// qbittorrentStates maps raw WebUI state strings onto shared states. Keys
// stay strings so builds do not chase constant additions across qBittorrent
// releases (5.x renamed paused* to stopped*).
var qbittorrentStates = map[qbt.TorrentState]State{
	"error":              StateError,
	"missingFiles":       StateError,
	"uploading":          StateSeeding,
	"stalledUP":          StateSeeding,
	"forcedUP":           StateSeeding,
	"pausedUP":           StatePaused,
	"stoppedUP":          StatePaused,
	"pausedDL":           StatePaused,
	"stoppedDL":          StatePaused,
	"queuedUP":           StateQueued,
	"queuedDL":           StateQueued,
	"checkingUP":         StateChecking,
	"checkingDL":         StateChecking,
	"checkingResumeData": StateChecking,
	"allocating":         StateAllocating,
	"downloading":        StateDownloading,
	"forcedDL":           StateDownloading,
	"stalledDL":          StateDownloading,
	"metaDL":             StateMetadataDownloading,
	"forcedMetaDL":       StateMetadataDownloading,
	"moving":             StateMoving,
	"unknown":            StateUnknown,
}

func qbittorrentState(s qbt.TorrentState) State {
	if mapped, ok := qbittorrentStates[s]; ok {
		return mapped
	}
	return StateUnknown
}

// pseudo trackers the WebUI lists alongside real announces.
var qbittorrentPseudoTrackers = map[string]struct{}{
	"** [DHT] **": {},
	"** [PeX] **": {},
	"** [LSD] **": {},
}

type qbittorrentClient struct {
	qbt         *qbt.Client
	label       string
	torrentsDir string
	endpoint    string

	// mainData carries the incremental sync cursor for States. Nil after
	// an error so the next poll starts a full sync.
	mu       sync.Mutex
	mainData *qbt.MainData
}

func newQbittorrent(cfg *clientConfig, label string, o options) (*qbittorrentClient, error) {
	client := qbt.NewClient(qbt.Config{
		Host:     cfg.rawURL,
		Username: cfg.username,
		Password: cfg.password,
		Timeout:  int(o.timeout.Seconds()),
	})
	return &qbittorrentClient{
		qbt:         client,
		label:       label,
		torrentsDir: cfg.torrentsDir,
		endpoint:    cfg.rawURL,
	}, nil
}

func (c *qbittorrentClient) Name() string {
	return "qbittorrent"
}

func (c *qbittorrentClient) Label() string {
	return c.label
}

func (c *qbittorrentClient) Connect(ctx context.Context) error {
	if err := c.qbt.LoginCtx(ctx); err != nil {
		return errors.Wrapf(err, "cannot log into qbittorrent at %s", c.endpoint)
	}
	log.Debug().Str("endpoint", c.endpoint).Msg("Connected to qbittorrent")
	return nil
}

func (c *qbittorrentClient) List(ctx context.Context, fields Fields) ([]Torrent, error) {
	torrents, err := c.qbt.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "qbittorrent torrent list failed")
	}
	out := make([]Torrent, 0, len(torrents))
	for _, t := range torrents {
		converted, err := c.convert(ctx, t, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

func (c *qbittorrentClient) Get(ctx context.Context, hash string, fields Fields) (*Torrent, error) {
	torrents, err := c.qbt.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
	if err != nil {
		return nil, errors.Wrap(err, "qbittorrent torrent fetch failed")
	}
	if len(torrents) == 0 {
		return nil, nil
	}
	converted, err := c.convert(ctx, torrents[0], fields)
	if err != nil {
		return nil, err
	}
	return &converted, nil
}

// States polls through the sync endpoint so repeated calls only transfer
// what changed since the previous request id.
func (c *qbittorrentClient) States(ctx context.Context, hashes []string) (map[string]State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mainData == nil {
		c.mainData = &qbt.MainData{}
	}
	if err := c.mainData.Update(ctx, c.qbt); err != nil {
		c.mainData = nil
		return nil, errors.Wrap(err, "qbittorrent sync poll failed")
	}

	states := make(map[string]State, len(hashes))
	for _, hash := range hashes {
		hash = strings.ToLower(hash)
		if t, ok := c.mainData.Torrents[hash]; ok {
			states[hash] = qbittorrentState(t.State)
		}
	}
	return states, nil
}

func (c *qbittorrentClient) Add(ctx context.Context, raw []byte, opts AddOptions) (string, error) {
	parsed, err := metainfo.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "invalid metainfo")
	}
	infohash, err := parsed.Infohash()
	if err != nil {
		return "", errors.Wrap(err, "could not hash metainfo")
	}

	attemptedAt := time.Now()

	options := map[string]string{
		"autoTMM":       "false",
		"skip_checking": strconv.FormatBool(opts.SkipVerify),
	}
	if opts.DownloadDir != "" {
		options["savepath"] = opts.DownloadDir
	}
	if opts.Paused {
		// qBittorrent 5 renamed the flag; send both spellings.
		options["paused"] = "true"
		options["stopped"] = "true"
	}
	if opts.Label != "" {
		options["category"] = opts.Label
	}

	if err := c.qbt.AddTorrentFromMemoryCtx(ctx, raw, options); err != nil {
		return "", errors.Wrap(err, "qbittorrent torrent add failed")
	}

	// The add endpoint answers 200 with a "Fails." body when it rejects a
	// torrent, which the client library does not surface. Confirm the hash
	// actually landed and tell a swallowed add apart from a collision with
	// a torrent that was already there.
	torrents, err := c.qbt.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{infohash}})
	if err != nil {
		return "", errors.Wrap(err, "qbittorrent post-add check failed")
	}
	if len(torrents) == 0 {
		return "", errors.Errorf("qbittorrent rejected torrent %s", infohash)
	}

	existing := torrents[0]
	if existing.AddedOn > 0 && existing.AddedOn < attemptedAt.Unix() {
		return "", &TorrentConflictError{ExistingHash: strings.ToLower(existing.Hash)}
	}
	existingHost, addedHost := trackerHost(existing.Tracker), trackerHost(parsed.Announce())
	if existingHost != "" && addedHost != "" && existingHost != addedHost {
		return "", &TorrentConflictError{ExistingHash: strings.ToLower(existing.Hash)}
	}
	return infohash, nil
}

func (c *qbittorrentClient) RenameRoot(ctx context.Context, hash, oldName, newName string) error {
	if err := c.qbt.SetTorrentNameCtx(ctx, hash, newName); err != nil {
		return errors.Wrapf(err, "rename of torrent %s failed", hash)
	}
	if err := c.qbt.RenameFolderCtx(ctx, hash, oldName, newName); err != nil {
		return errors.Wrapf(err, "root folder rename %q -> %q failed", oldName, newName)
	}
	return nil
}

func (c *qbittorrentClient) ApplyRenameMap(ctx context.Context, hash string, plan reconcile.Map, torrent *Torrent) error {
	if len(plan) == 0 {
		return nil
	}
	isFile := make(map[string]bool, len(torrent.Files))
	for _, f := range torrent.Files {
		isFile[f.Path] = true
	}
	for _, entry := range plan {
		oldPath := path.Join(torrent.Name, entry.RemotePath)
		newPath := path.Join(torrent.Name, path.Dir(entry.RemotePath), entry.LocalName)
		var err error
		if isFile[entry.RemotePath] {
			err = c.qbt.RenameFileCtx(ctx, hash, oldPath, newPath)
		} else {
			err = c.qbt.RenameFolderCtx(ctx, hash, oldPath, newPath)
		}
		if err != nil {
			return errors.Wrapf(err, "rename %q -> %q failed", oldPath, newPath)
		}
		log.Trace().Str("hash", hash).Str("path", oldPath).Str("to", newPath).Msg("Renamed torrent path")
	}
	return nil
}

func (c *qbittorrentClient) Verify(ctx context.Context, hash string) error {
	return errors.Wrap(c.qbt.RecheckCtx(ctx, []string{hash}), "qbittorrent recheck failed")
}

func (c *qbittorrentClient) Resume(ctx context.Context, hash string) error {
	return errors.Wrap(c.qbt.ResumeCtx(ctx, []string{hash}), "qbittorrent resume failed")
}

func (c *qbittorrentClient) Remove(ctx context.Context, hash string, deleteData bool) error {
	return errors.Wrap(c.qbt.DeleteTorrentsCtx(ctx, []string{hash}, deleteData), "qbittorrent remove failed")
}

// ExportMetainfo asks the WebUI for the .torrent and falls back to the
// torrents directory when the export endpoint is missing or hands back
// something that is not bencode (older builds serve an HTML error page).
func (c *qbittorrentClient) ExportMetainfo(ctx context.Context, hash string) ([]byte, error) {
	raw, err := c.qbt.ExportTorrentCtx(ctx, hash)
	if err == nil && metainfo.LooksLikeTorrent(raw) {
		return raw, nil
	}
	if c.torrentsDir != "" {
		if b, dirErr := metainfo.FindInDir(c.torrentsDir, hash); dirErr == nil {
			return b, nil
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "qbittorrent export of %s failed", hash)
	}
	return nil, errors.Errorf("qbittorrent export of %s did not return metainfo", hash)
}

func (c *qbittorrentClient) convert(ctx context.Context, t qbt.Torrent, fields Fields) (Torrent, error) {
	out := Torrent{
		Hash:        strings.ToLower(t.Hash),
		Name:        t.Name,
		DownloadDir: t.SavePath,
		TotalSize:   t.Size,
		State:       qbittorrentState(t.State),
		Progress:    t.Progress,
		Label:       t.Category,
	}
	if t.AddedOn > 0 {
		out.AddedAt = time.Unix(t.AddedOn, 0)
	}

	if fields.Has(FieldFiles) {
		fi, err := c.qbt.GetFilesInformationCtx(ctx, t.Hash)
		if err != nil {
			return out, errors.Wrapf(err, "file listing for %s failed", t.Hash)
		}
		files := make([]qbtFile, 0, len(*fi))
		for _, f := range *fi {
			files = append(files, qbtFile{index: f.Index, name: f.Name, size: f.Size, progress: float64(f.Progress)})
		}
		sort.SliceStable(files, func(i, j int) bool { return files[i].index < files[j].index })
		out.Files = make([]File, 0, len(files))
		for _, f := range files {
			out.Files = append(out.Files, File{
				Path:     strings.TrimPrefix(f.name, out.Name+"/"),
				Size:     f.size,
				Progress: f.progress,
			})
		}
	}

	if fields.Has(FieldTrackers) {
		trackers, err := c.qbt.GetTorrentTrackersCtx(ctx, t.Hash)
		if err != nil {
			return out, errors.Wrapf(err, "tracker listing for %s failed", t.Hash)
		}
		for _, trk := range trackers {
			if _, pseudo := qbittorrentPseudoTrackers[trk.Url]; pseudo {
				continue
			}
			out.Trackers = append(out.Trackers, trk.Url)
		}
	}

	if fields.Has(FieldPieceProgress) {
		states, err := c.qbt.GetTorrentPieceStatesCtx(ctx, t.Hash)
		if err != nil {
			return out, errors.Wrapf(err, "piece states for %s failed", t.Hash)
		}
		pieces := make([]bool, len(states))
		for i, ps := range states {
			pieces[i] = int(ps) == 2
		}
		out.PieceProgress = pieces
	}

	return out, nil
}

// qbtFile keeps the file listing sortable by index without pinning the
// anonymous struct type the client library uses.
type qbtFile struct {
	index    int
	name     string
	size     int64
	progress float64
}

func trackerHost(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
