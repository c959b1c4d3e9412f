// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/hekmon/transmissionrpc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/buildinfo"
	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/reconcile"
)

// transmissionStates maps RPC status codes onto shared states.
var transmissionStates = map[transmissionrpc.TorrentStatus]State{
	transmissionrpc.TorrentStatusStopped:      StatePaused,
	transmissionrpc.TorrentStatusCheckWait:    StateChecking,
	transmissionrpc.TorrentStatusCheck:        StateChecking,
	transmissionrpc.TorrentStatusDownloadWait: StateQueued,
	transmissionrpc.TorrentStatusDownload:     StateDownloading,
	transmissionrpc.TorrentStatusSeedWait:     StateQueued,
	transmissionrpc.TorrentStatusSeed:         StateSeeding,
}

type transmissionClient struct {
	client      *transmissionrpc.Client
	label       string
	torrentsDir string
	endpoint    string
}

func newTransmission(cfg *clientConfig, label string, o options) (*transmissionClient, error) {
	host := cfg.host
	if host == "" {
		host = "localhost"
	}
	port := cfg.port
	if port == 0 {
		port = 9091
	}
	rpcPath := cfg.path
	if rpcPath == "" || rpcPath == "/" {
		rpcPath = "/transmission/rpc"
	}
	torrentsDir := cfg.torrentsDir
	if torrentsDir == "" {
		torrentsDir = "/config/torrents"
	}

	endpoint := &url.URL{
		Scheme: cfg.scheme,
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   rpcPath,
	}
	if cfg.username != "" {
		endpoint.User = url.UserPassword(cfg.username, cfg.password)
	}

	client, err := transmissionrpc.New(endpoint, &transmissionrpc.Config{
		UserAgent:    buildinfo.UserAgent,
		CustomClient: &http.Client{Timeout: o.timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize transmission client")
	}

	return &transmissionClient{
		client:      client,
		label:       label,
		torrentsDir: torrentsDir,
		endpoint:    endpoint.Redacted(),
	}, nil
}

func (c *transmissionClient) Name() string {
	return "transmission"
}

func (c *transmissionClient) Label() string {
	return c.label
}

func (c *transmissionClient) Connect(ctx context.Context) error {
	ok, serverVersion, serverMinimum, err := c.client.RPCVersion(ctx)
	if err != nil {
		return errors.Wrapf(err, "cannot reach transmission at %s", c.endpoint)
	}
	if !ok {
		return errors.Errorf("transmission RPC version mismatch: server speaks v%d, needs at least v%d", serverVersion, serverMinimum)
	}
	log.Debug().Str("endpoint", c.endpoint).Int64("rpcVersion", serverVersion).Msg("Connected to transmission")
	return nil
}

// transmissionArguments translates a field selection into torrent-get
// argument names. The hash, id and name always ride along.
func transmissionArguments(fields Fields) []string {
	args := []string{"hashString", "id", "name"}
	if fields.Has(FieldProgress) {
		args = append(args, "percentDone")
	}
	if fields.Has(FieldTotalSize) {
		args = append(args, "totalSize")
	}
	if fields.Has(FieldFiles) {
		args = append(args, "files")
	}
	if fields.Has(FieldTrackers) {
		args = append(args, "trackers")
	}
	if fields.Has(FieldDownloadDir) {
		args = append(args, "downloadDir")
	}
	if fields.Has(FieldState) {
		args = append(args, "status")
	}
	if fields.Has(FieldPieceProgress) {
		args = append(args, "pieces", "pieceCount")
	}
	if fields.Has(FieldLabel) {
		args = append(args, "labels")
	}
	if fields.Has(FieldAddedAt) {
		args = append(args, "addedDate")
	}
	return args
}

func (c *transmissionClient) List(ctx context.Context, fields Fields) ([]Torrent, error) {
	torrents, err := c.client.TorrentGet(ctx, transmissionArguments(fields), nil)
	if err != nil {
		return nil, errors.Wrap(err, "transmission torrent list failed")
	}
	out := make([]Torrent, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, c.convert(t))
	}
	return out, nil
}

func (c *transmissionClient) Get(ctx context.Context, hash string, fields Fields) (*Torrent, error) {
	torrents, err := c.client.TorrentGetHashes(ctx, transmissionArguments(fields), []string{hash})
	if err != nil {
		return nil, errors.Wrap(err, "transmission torrent fetch failed")
	}
	if len(torrents) == 0 {
		return nil, nil
	}
	t := c.convert(torrents[0])
	return &t, nil
}

func (c *transmissionClient) States(ctx context.Context, hashes []string) (map[string]State, error) {
	states := make(map[string]State, len(hashes))
	if len(hashes) == 0 {
		return states, nil
	}
	torrents, err := c.client.TorrentGetHashes(ctx, []string{"hashString", "status"}, hashes)
	if err != nil {
		return nil, errors.Wrap(err, "transmission state poll failed")
	}
	for _, t := range torrents {
		if t.HashString == nil || t.Status == nil {
			continue
		}
		s, ok := transmissionStates[*t.Status]
		if !ok {
			s = StateUnknown
		}
		states[strings.ToLower(*t.HashString)] = s
	}
	return states, nil
}

func (c *transmissionClient) Add(ctx context.Context, raw []byte, opts AddOptions) (string, error) {
	parsed, err := metainfo.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "invalid metainfo")
	}
	infohash, err := parsed.Infohash()
	if err != nil {
		return "", errors.Wrap(err, "could not hash metainfo")
	}

	// The RPC folds duplicate adds into a normal success response, so
	// probe for the hash up front to keep collisions visible.
	existing, err := c.client.TorrentGetHashes(ctx, []string{"hashString"}, []string{infohash})
	if err != nil {
		return "", errors.Wrap(err, "transmission duplicate probe failed")
	}
	if len(existing) > 0 {
		return "", &TorrentConflictError{ExistingHash: infohash}
	}

	// Transmission has no skip-verify add flag; started torrents without
	// resume data verify on their own, so opts.SkipVerify has nothing to do.
	meta := base64.StdEncoding.EncodeToString(raw)
	payload := transmissionrpc.TorrentAddPayload{
		MetaInfo: &meta,
		Paused:   &opts.Paused,
	}
	if opts.DownloadDir != "" {
		payload.DownloadDir = &opts.DownloadDir
	}

	added, err := c.client.TorrentAdd(ctx, payload)
	if err != nil {
		return "", errors.Wrap(err, "transmission torrent add failed")
	}
	if added.HashString != nil {
		infohash = strings.ToLower(*added.HashString)
	}

	if opts.Label != "" && added.ID != nil {
		err := c.client.TorrentSet(ctx, transmissionrpc.TorrentSetPayload{
			IDs:    []int64{*added.ID},
			Labels: []string{opts.Label},
		})
		if err != nil {
			log.Warn().Err(err).Str("hash", infohash).Msg("Could not label added torrent")
		}
	}
	return infohash, nil
}

func (c *transmissionClient) RenameRoot(ctx context.Context, hash, oldName, newName string) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	if err := c.client.TorrentRenamePath(ctx, id, oldName, newName); err != nil {
		return errors.Wrapf(err, "root rename %q -> %q failed", oldName, newName)
	}
	return nil
}

func (c *transmissionClient) ApplyRenameMap(ctx context.Context, hash string, plan reconcile.Map, torrent *Torrent) error {
	if len(plan) == 0 {
		return nil
	}
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	for _, entry := range plan {
		oldPath := path.Join(torrent.Name, entry.RemotePath)
		if err := c.client.TorrentRenamePath(ctx, id, oldPath, entry.LocalName); err != nil {
			return errors.Wrapf(err, "rename %q -> %q failed", oldPath, entry.LocalName)
		}
		log.Trace().Str("hash", hash).Str("path", oldPath).Str("to", entry.LocalName).Msg("Renamed torrent path")
	}
	return nil
}

func (c *transmissionClient) Verify(ctx context.Context, hash string) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	return errors.Wrap(c.client.TorrentVerifyIDs(ctx, []int64{id}), "transmission verify failed")
}

func (c *transmissionClient) Resume(ctx context.Context, hash string) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	return errors.Wrap(c.client.TorrentStartIDs(ctx, []int64{id}), "transmission resume failed")
}

func (c *transmissionClient) Remove(ctx context.Context, hash string, deleteData bool) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	return errors.Wrap(c.client.TorrentRemove(ctx, transmissionrpc.TorrentRemovePayload{
		IDs:             []int64{id},
		DeleteLocalData: deleteData,
	}), "transmission remove failed")
}

// ExportMetainfo reads the .torrent from the daemon's torrents directory;
// the RPC itself has no export call.
func (c *transmissionClient) ExportMetainfo(ctx context.Context, hash string) ([]byte, error) {
	return metainfo.FindInDir(c.torrentsDir, hash)
}

func (c *transmissionClient) resolveID(ctx context.Context, hash string) (int64, error) {
	torrents, err := c.client.TorrentGetHashes(ctx, []string{"id"}, []string{hash})
	if err != nil {
		return 0, errors.Wrap(err, "transmission torrent lookup failed")
	}
	if len(torrents) == 0 || torrents[0].ID == nil {
		return 0, errors.Errorf("torrent %s not found in transmission", hash)
	}
	return *torrents[0].ID, nil
}

func (c *transmissionClient) convert(t transmissionrpc.Torrent) Torrent {
	out := Torrent{}
	if t.HashString != nil {
		out.Hash = strings.ToLower(*t.HashString)
	}
	if t.Name != nil {
		out.Name = *t.Name
	}
	if t.DownloadDir != nil {
		out.DownloadDir = *t.DownloadDir
	}
	if t.PercentDone != nil {
		out.Progress = *t.PercentDone
	}
	if t.TotalSize != nil {
		out.TotalSize = int64(t.TotalSize.Byte())
	}
	if t.Status != nil {
		s, ok := transmissionStates[*t.Status]
		if !ok {
			s = StateUnknown
		}
		out.State = s
	}
	if len(t.Labels) > 0 {
		out.Label = t.Labels[0]
	}
	if t.AddedDate != nil {
		out.AddedAt = *t.AddedDate
	}
	for _, trk := range t.Trackers {
		out.Trackers = append(out.Trackers, trk.Announce)
	}
	if len(t.Files) > 0 {
		out.Files = make([]File, 0, len(t.Files))
		for _, f := range t.Files {
			progress := 0.0
			if f.Length > 0 {
				progress = float64(f.BytesCompleted) / float64(f.Length)
			}
			out.Files = append(out.Files, File{
				Path:     strings.TrimPrefix(f.Name, out.Name+"/"),
				Size:     f.Length,
				Progress: progress,
			})
		}
	}
	if t.Pieces != nil && t.PieceCount != nil {
		out.PieceProgress = decodePieceBitfield(*t.Pieces, int(*t.PieceCount))
	}
	return out
}

// decodePieceBitfield unpacks the base64 piece bitfield torrent-get
// returns. Bits are MSB first within each byte.
func decodePieceBitfield(encoded string, pieceCount int) []bool {
	if pieceCount <= 0 {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	pieces := make([]bool, pieceCount)
	for i := range pieces {
		if i/8 >= len(data) {
			break
		}
		pieces[i] = data[i/8]&(1<<(7-uint(i%8))) != 0
	}
	return pieces
}
