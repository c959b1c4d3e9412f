// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/buildinfo"
	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/pkg/httphelpers"
)

// delugeStates maps daemon state strings onto shared states.
var delugeStates = map[string]State{
	"Error":                StateError,
	"Paused":               StatePaused,
	"Queued":               StateQueued,
	"Checking":             StateChecking,
	"Downloading":          StateDownloading,
	"Downloading Metadata": StateMetadataDownloading,
	"Finished":             StateCompleted,
	"Seeding":              StateSeeding,
	"Allocating":           StateAllocating,
	"Moving":               StateMoving,
	"Active":               StateSeeding,
	"Inactive":             StatePaused,
}

// delugeConflictHash pulls the existing infohash out of the "Torrent
// already in session" error message.
var delugeConflictHash = regexp.MustCompile(`\(([0-9a-f]{40})\)`)

// delugeClient drives Deluge through the web UI's JSON-RPC bridge. The
// session rides on the cookie jar; request ids only disambiguate
// responses.
type delugeClient struct {
	endpoint    string
	password    string
	label       string
	torrentsDir string
	httpClient  *http.Client
	requestID   atomic.Int64
}

func newDeluge(cfg *clientConfig, label string, o options) (*delugeClient, error) {
	host := cfg.host
	if host == "" {
		host = "localhost"
	}
	port := cfg.port
	if port == 0 {
		port = 8112
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not build cookie jar")
	}

	return &delugeClient{
		endpoint:    fmt.Sprintf("http://%s:%d/json", host, port),
		password:    cfg.password,
		label:       label,
		torrentsDir: cfg.torrentsDir,
		httpClient:  &http.Client{Jar: jar, Timeout: o.timeout},
	}, nil
}

type delugeError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *delugeError) Error() string {
	return fmt.Sprintf("deluge: %s (code %d)", e.Message, e.Code)
}

type delugeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *delugeError    `json:"error"`
	ID     int64           `json:"id"`
}

func (c *delugeClient) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     c.requestID.Add(1),
	})
	if err != nil {
		return errors.Wrapf(err, "could not encode %s request", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "could not build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "deluge %s request failed", method)
	}
	defer httphelpers.DrainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("deluge %s request failed with status %d", method, resp.StatusCode)
	}

	var envelope delugeResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrapf(err, "could not decode %s response", method)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return errors.Wrapf(err, "could not decode %s result", method)
		}
	}
	return nil
}

func (c *delugeClient) Name() string {
	return "deluge"
}

func (c *delugeClient) Label() string {
	return c.label
}

// Connect logs into the web UI and makes sure it is attached to a daemon,
// dialing the first known host when it is not.
func (c *delugeClient) Connect(ctx context.Context) error {
	var authed bool
	if err := c.call(ctx, "auth.login", []any{c.password}, &authed); err != nil {
		return errors.Wrapf(err, "cannot reach deluge at %s", c.endpoint)
	}
	if !authed {
		return errors.Errorf("deluge web UI at %s rejected the password", c.endpoint)
	}

	var connected bool
	if err := c.call(ctx, "web.connected", nil, &connected); err != nil {
		return err
	}
	if !connected {
		var hosts [][]any
		if err := c.call(ctx, "web.get_hosts", nil, &hosts); err != nil {
			return err
		}
		if len(hosts) == 0 || len(hosts[0]) == 0 {
			return errors.New("deluge web UI knows no daemon hosts")
		}
		hostID, ok := hosts[0][0].(string)
		if !ok {
			return errors.New("unexpected deluge host list shape")
		}
		if err := c.call(ctx, "web.connect", []any{hostID}, nil); err != nil {
			return errors.Wrap(err, "could not attach deluge web UI to daemon")
		}
	}

	log.Debug().Str("endpoint", c.endpoint).Msg("Connected to deluge")
	return nil
}

type delugeFile struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

type delugeTracker struct {
	URL string `json:"url"`
}

type delugeTorrentStatus struct {
	Name         string          `json:"name"`
	Progress     float64         `json:"progress"`
	TotalSize    int64           `json:"total_size"`
	Files        []delugeFile    `json:"files"`
	FileProgress []float64       `json:"file_progress"`
	Trackers     []delugeTracker `json:"trackers"`
	SavePath     string          `json:"save_path"`
	State        string          `json:"state"`
	Pieces       []int           `json:"pieces"`
	NumPieces    int             `json:"num_pieces"`
	Label        string          `json:"label"`
	TimeAdded    float64         `json:"time_added"`
}

// delugeKeys translates a field selection into status keys. Deluge keys
// requests by value, so the hash never needs to ride along.
func delugeKeys(fields Fields) []string {
	keys := []string{"name"}
	if fields.Has(FieldProgress) {
		keys = append(keys, "progress")
	}
	if fields.Has(FieldTotalSize) {
		keys = append(keys, "total_size")
	}
	if fields.Has(FieldFiles) {
		keys = append(keys, "files", "file_progress")
	}
	if fields.Has(FieldTrackers) {
		keys = append(keys, "trackers")
	}
	if fields.Has(FieldDownloadDir) {
		keys = append(keys, "save_path")
	}
	if fields.Has(FieldState) {
		keys = append(keys, "state")
	}
	if fields.Has(FieldPieceProgress) {
		keys = append(keys, "pieces", "num_pieces")
		if !fields.Has(FieldProgress) {
			// The completed-torrent fallback below needs the raw progress.
			keys = append(keys, "progress")
		}
	}
	if fields.Has(FieldLabel) {
		keys = append(keys, "label")
	}
	if fields.Has(FieldAddedAt) {
		keys = append(keys, "time_added")
	}
	return keys
}

func (c *delugeClient) delugeTorrent(hash string, s delugeTorrentStatus) Torrent {
	out := Torrent{
		Hash:        strings.ToLower(hash),
		Name:        s.Name,
		DownloadDir: s.SavePath,
		TotalSize:   s.TotalSize,
		Progress:    s.Progress / 100,
		Label:       s.Label,
	}
	if s.State != "" {
		mapped, ok := delugeStates[s.State]
		if !ok {
			mapped = StateUnknown
		}
		out.State = mapped
	}
	if s.TimeAdded > 0 {
		out.AddedAt = time.Unix(int64(s.TimeAdded), 0)
	}
	for _, trk := range s.Trackers {
		out.Trackers = append(out.Trackers, trk.URL)
	}
	if len(s.Files) > 0 {
		out.Files = make([]File, 0, len(s.Files))
		for _, f := range s.Files {
			progress := 0.0
			if f.Index >= 0 && f.Index < len(s.FileProgress) {
				progress = s.FileProgress[f.Index]
			}
			out.Files = append(out.Files, File{
				Path:     strings.TrimPrefix(f.Path, s.Name+"/"),
				Size:     f.Size,
				Progress: progress,
			})
		}
	}
	// Seeding torrents report no piece list, so trust the raw progress
	// before falling back to per-piece states (3 means downloaded).
	if s.Progress == 100 && s.NumPieces > 0 {
		pieces := make([]bool, s.NumPieces)
		for i := range pieces {
			pieces[i] = true
		}
		out.PieceProgress = pieces
	} else if len(s.Pieces) > 0 {
		pieces := make([]bool, len(s.Pieces))
		for i, p := range s.Pieces {
			pieces[i] = p == 3
		}
		out.PieceProgress = pieces
	}
	return out
}

func (c *delugeClient) List(ctx context.Context, fields Fields) ([]Torrent, error) {
	var raw map[string]delugeTorrentStatus
	if err := c.call(ctx, "core.get_torrents_status", []any{map[string]any{}, delugeKeys(fields)}, &raw); err != nil {
		return nil, errors.Wrap(err, "deluge torrent list failed")
	}

	hashes := make([]string, 0, len(raw))
	for hash := range raw {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	out := make([]Torrent, 0, len(hashes))
	for _, hash := range hashes {
		out = append(out, c.delugeTorrent(hash, raw[hash]))
	}
	return out, nil
}

func (c *delugeClient) Get(ctx context.Context, hash string, fields Fields) (*Torrent, error) {
	hash = strings.ToLower(hash)

	// Unknown hashes come back as an empty dict, not an error.
	var raw json.RawMessage
	if err := c.call(ctx, "core.get_torrent_status", []any{hash, delugeKeys(fields)}, &raw); err != nil {
		return nil, errors.Wrap(err, "deluge torrent fetch failed")
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return nil, nil
	}

	var status delugeTorrentStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, errors.Wrap(err, "could not decode deluge torrent status")
	}
	t := c.delugeTorrent(hash, status)
	return &t, nil
}

func (c *delugeClient) States(ctx context.Context, hashes []string) (map[string]State, error) {
	states := make(map[string]State, len(hashes))
	if len(hashes) == 0 {
		return states, nil
	}

	lowered := make([]string, 0, len(hashes))
	for _, h := range hashes {
		lowered = append(lowered, strings.ToLower(h))
	}

	var raw map[string]struct {
		State string `json:"state"`
	}
	if err := c.call(ctx, "core.get_torrents_status", []any{map[string]any{"id": lowered}, []string{"state"}}, &raw); err != nil {
		return nil, errors.Wrap(err, "deluge state poll failed")
	}

	for hash, status := range raw {
		mapped, ok := delugeStates[status.State]
		if !ok {
			mapped = StateUnknown
		}
		states[strings.ToLower(hash)] = mapped
	}
	return states, nil
}

func (c *delugeClient) Add(ctx context.Context, raw []byte, opts AddOptions) (string, error) {
	nameBytes := make([]byte, 16)
	if _, err := rand.Read(nameBytes); err != nil {
		return "", errors.Wrap(err, "could not build upload name")
	}

	args := map[string]any{
		"add_paused": opts.Paused,
		"seed_mode":  opts.SkipVerify,
	}
	if opts.DownloadDir != "" {
		args["download_location"] = opts.DownloadDir
	}

	var added string
	err := c.call(ctx, "core.add_torrent_file", []any{
		hex.EncodeToString(nameBytes) + ".torrent",
		base64.StdEncoding.EncodeToString(raw),
		args,
	}, &added)
	if err != nil {
		var dErr *delugeError
		if errors.As(err, &dErr) && strings.Contains(dErr.Message, "Torrent already in session") {
			existing := ""
			if m := delugeConflictHash.FindStringSubmatch(dErr.Message); m != nil {
				existing = m[1]
			}
			return "", &TorrentConflictError{ExistingHash: existing}
		}
		return "", errors.Wrap(err, "deluge torrent add failed")
	}
	if added == "" {
		return "", errors.New("deluge did not return a torrent id for the add")
	}
	added = strings.ToLower(added)

	if opts.Label != "" {
		c.setLabel(ctx, added, opts.Label)
	}
	return added, nil
}

// setLabel applies the label through the label plugin, creating it on
// first use. Label trouble never fails an injection.
func (c *delugeClient) setLabel(ctx context.Context, hash, label string) {
	err := c.call(ctx, "label.set_torrent", []any{hash, label}, nil)
	if err == nil {
		return
	}

	var dErr *delugeError
	if errors.As(err, &dErr) && isUnknownDelugeLabel(dErr.Message) {
		if addErr := c.call(ctx, "label.add", []any{label}, nil); addErr == nil {
			if err = c.call(ctx, "label.set_torrent", []any{hash, label}, nil); err == nil {
				return
			}
		}
	}
	log.Warn().Err(err).Str("hash", hash).Str("label", label).Msg("Could not label added torrent")
}

func isUnknownDelugeLabel(msg string) bool {
	return strings.Contains(msg, "Unknown Label") ||
		strings.Contains(strings.ToLower(msg), "label does not exist")
}

func (c *delugeClient) RenameRoot(ctx context.Context, hash, oldName, newName string) error {
	err := c.call(ctx, "core.rename_folder", []any{strings.ToLower(hash), oldName + "/", newName + "/"}, nil)
	return errors.Wrapf(err, "root rename %q -> %q failed", oldName, newName)
}

func (c *delugeClient) ApplyRenameMap(ctx context.Context, hash string, plan reconcile.Map, torrent *Torrent) error {
	if len(plan) == 0 {
		return nil
	}
	hash = strings.ToLower(hash)

	// rename_files wants indices, so take a fresh listing; its paths
	// already carry the renamed root.
	var status struct {
		Files []delugeFile `json:"files"`
	}
	if err := c.call(ctx, "core.get_torrent_status", []any{hash, []string{"files"}}, &status); err != nil {
		return errors.Wrap(err, "deluge file listing failed")
	}
	indexByPath := make(map[string]int, len(status.Files))
	for _, f := range status.Files {
		indexByPath[f.Path] = f.Index
	}

	for _, entry := range plan {
		oldPath := path.Join(torrent.Name, entry.RemotePath)
		newPath := path.Join(torrent.Name, path.Dir(entry.RemotePath), entry.LocalName)
		if index, ok := indexByPath[oldPath]; ok {
			if err := c.call(ctx, "core.rename_files", []any{hash, []any{[]any{index, newPath}}}, nil); err != nil {
				return errors.Wrapf(err, "rename %q -> %q failed", oldPath, newPath)
			}
		} else {
			if err := c.call(ctx, "core.rename_folder", []any{hash, oldPath + "/", newPath + "/"}, nil); err != nil {
				return errors.Wrapf(err, "folder rename %q -> %q failed", oldPath, newPath)
			}
		}
		log.Trace().Str("hash", hash).Str("path", oldPath).Str("to", newPath).Msg("Renamed torrent path")
	}
	return nil
}

func (c *delugeClient) Verify(ctx context.Context, hash string) error {
	err := c.call(ctx, "core.force_recheck", []any{[]string{strings.ToLower(hash)}}, nil)
	return errors.Wrap(err, "deluge recheck failed")
}

func (c *delugeClient) Resume(ctx context.Context, hash string) error {
	err := c.call(ctx, "core.resume_torrent", []any{[]string{strings.ToLower(hash)}}, nil)
	return errors.Wrap(err, "deluge resume failed")
}

func (c *delugeClient) Remove(ctx context.Context, hash string, deleteData bool) error {
	err := c.call(ctx, "core.remove_torrent", []any{strings.ToLower(hash), deleteData}, nil)
	return errors.Wrap(err, "deluge remove failed")
}

// ExportMetainfo reads from the daemon's state directory; the web API has
// no export call.
func (c *delugeClient) ExportMetainfo(ctx context.Context, hash string) ([]byte, error) {
	if c.torrentsDir == "" {
		return nil, errors.New("deluge cannot export torrents; set torrents_dir on the client URL")
	}
	return metainfo.FindInDir(c.torrentsDir, hash)
}
