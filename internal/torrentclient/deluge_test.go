// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/nemorosa/internal/reconcile"
)

var (
	delugeHashA = strings.Repeat("a", 40)
	delugeHashB = strings.Repeat("b", 40)
)

// delugeCall is one JSON-RPC request the fake bridge received.
type delugeCall struct {
	Method string
	Params []json.RawMessage
}

// fakeDelugeBridge scripts the web UI's /json endpoint. Unscripted methods
// come back as deluge errors so a missing stub fails the test loudly.
type fakeDelugeBridge struct {
	mu     sync.Mutex
	calls  []delugeCall
	script map[string]func(call int, params []json.RawMessage) (any, *delugeError)
	counts map[string]int
}

func newDelugeFake(t *testing.T) (*fakeDelugeBridge, *delugeClient) {
	t.Helper()

	f := &fakeDelugeBridge{
		script: make(map[string]func(int, []json.RawMessage) (any, *delugeError)),
		counts: make(map[string]int),
	}

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client, err := New(fmt.Sprintf("deluge://:webpass@%s", u.Host), "nemorosa")
	require.NoError(t, err)

	return f, client.(*delugeClient)
}

func (f *fakeDelugeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     int64             `json:"id"`
	}
	if r.URL.Path != "/json" || r.Method != http.MethodPost ||
		json.NewDecoder(r.Body).Decode(&req) != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, delugeCall{Method: req.Method, Params: req.Params})
	n := f.counts[req.Method]
	f.counts[req.Method] = n + 1
	fn := f.script[req.Method]
	f.mu.Unlock()

	var result any
	var dErr *delugeError
	if fn == nil {
		dErr = &delugeError{Message: "unscripted method " + req.Method, Code: 1}
	} else {
		result, dErr = fn(n, req.Params)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":     req.ID,
		"result": result,
		"error":  dErr,
	})
}

func (f *fakeDelugeBridge) on(method string, fn func(call int, params []json.RawMessage) (any, *delugeError)) {
	f.mu.Lock()
	f.script[method] = fn
	f.mu.Unlock()
}

// reply scripts a method to return a fixed result.
func (f *fakeDelugeBridge) reply(method string, result any) {
	f.on(method, func(int, []json.RawMessage) (any, *delugeError) { return result, nil })
}

func (f *fakeDelugeBridge) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeDelugeBridge) call(t *testing.T, i int) delugeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Less(t, i, len(f.calls))
	return f.calls[i]
}

func decodeParam[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestDelugeConnect(t *testing.T) {
	t.Parallel()

	t.Run("already attached to a daemon", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)
		f.reply("auth.login", true)
		f.reply("web.connected", true)

		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, []string{"auth.login", "web.connected"}, f.methods())
		assert.Equal(t, "webpass", decodeParam[string](t, f.call(t, 0).Params[0]))
	})

	t.Run("attaches the web UI to the first daemon", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)
		f.reply("auth.login", true)
		f.reply("web.connected", false)
		f.reply("web.get_hosts", [][]any{{"deadbeef01", "127.0.0.1", 58846, "Online"}})
		f.reply("web.connect", nil)

		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, []string{"auth.login", "web.connected", "web.get_hosts", "web.connect"}, f.methods())
		assert.Equal(t, "deadbeef01", decodeParam[string](t, f.call(t, 3).Params[0]))
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)
		f.reply("auth.login", false)

		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rejected the password")
	})

	t.Run("no daemons known", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)
		f.reply("auth.login", true)
		f.reply("web.connected", false)
		f.reply("web.get_hosts", [][]any{})

		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no daemon hosts")
	})
}

func TestDelugeList(t *testing.T) {
	t.Parallel()

	f, c := newDelugeFake(t)
	f.reply("core.get_torrents_status", map[string]any{
		delugeHashB: map[string]any{
			"name":     "Album B",
			"progress": 42.5,
			"state":    "Downloading",
		},
		delugeHashA: map[string]any{
			"name":       "Artist - Album (2020) [FLAC]",
			"progress":   100.0,
			"total_size": 3000,
			"files": []map[string]any{
				{"index": 0, "path": "Artist - Album (2020) [FLAC]/01 - Intro.flac", "size": 1000},
				{"index": 1, "path": "Artist - Album (2020) [FLAC]/cd2/02 - Song.flac", "size": 2000},
			},
			"file_progress": []float64{1, 1},
			"trackers":      []map[string]any{{"url": "https://flacsfor.me/announce"}},
			"save_path":     "/data/music",
			"state":         "Seeding",
			"label":         "nemorosa",
			"time_added":    1700000000.0,
		},
	})

	out, err := c.List(context.Background(), FieldsAll)
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := out[0] // sorted by hash
	assert.Equal(t, delugeHashA, first.Hash)
	assert.Equal(t, "Artist - Album (2020) [FLAC]", first.Name)
	assert.Equal(t, "/data/music", first.DownloadDir)
	assert.Equal(t, int64(3000), first.TotalSize)
	assert.Equal(t, 1.0, first.Progress)
	assert.Equal(t, StateSeeding, first.State)
	assert.Equal(t, "nemorosa", first.Label)
	assert.Equal(t, int64(1700000000), first.AddedAt.Unix())
	assert.Equal(t, []string{"https://flacsfor.me/announce"}, first.Trackers)
	require.Len(t, first.Files, 2)
	assert.Equal(t, "01 - Intro.flac", first.Files[0].Path, "root component is dropped")
	assert.Equal(t, "cd2/02 - Song.flac", first.Files[1].Path)
	assert.Equal(t, 1.0, first.Files[0].Progress)

	second := out[1]
	assert.Equal(t, delugeHashB, second.Hash)
	assert.Equal(t, StateDownloading, second.State)
	assert.Equal(t, 0.425, second.Progress)
}

func TestDelugeGet(t *testing.T) {
	t.Parallel()

	f, c := newDelugeFake(t)
	f.on("core.get_torrent_status", func(_ int, params []json.RawMessage) (any, *delugeError) {
		if decodeParam[string](t, params[0]) == delugeHashA {
			return map[string]any{"name": "Album", "state": "Paused"}, nil
		}
		// unknown hashes come back as an empty dict
		return map[string]any{}, nil
	})

	got, err := c.Get(context.Background(), strings.ToUpper(delugeHashA), FieldName|FieldState)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Album", got.Name)
	assert.Equal(t, StatePaused, got.State)

	missing, err := c.Get(context.Background(), delugeHashB, FieldName)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDelugeStates(t *testing.T) {
	t.Parallel()

	f, c := newDelugeFake(t)

	var gotFilter map[string][]string
	var gotKeys []string
	f.on("core.get_torrents_status", func(_ int, params []json.RawMessage) (any, *delugeError) {
		gotFilter = decodeParam[map[string][]string](t, params[0])
		gotKeys = decodeParam[[]string](t, params[1])
		return map[string]any{
			delugeHashA: map[string]string{"state": "Seeding"},
			delugeHashB: map[string]string{"state": "SomethingNew"},
		}, nil
	})

	states, err := c.States(context.Background(), []string{strings.ToUpper(delugeHashA), delugeHashB})
	require.NoError(t, err)
	assert.Equal(t, map[string]State{
		delugeHashA: StateSeeding,
		delugeHashB: StateUnknown,
	}, states)
	assert.Equal(t, map[string][]string{"id": {delugeHashA, delugeHashB}}, gotFilter)
	assert.Equal(t, []string{"state"}, gotKeys)

	// an empty poll never hits the wire
	states, err = c.States(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Len(t, f.methods(), 1)
}

func TestDelugeTorrentMapping(t *testing.T) {
	t.Parallel()

	c := &delugeClient{}

	t.Run("completed torrents synthesize a full piece map", func(t *testing.T) {
		t.Parallel()

		tor := c.delugeTorrent(strings.ToUpper(delugeHashA), delugeTorrentStatus{
			Name:      "Album",
			Progress:  100,
			NumPieces: 3,
			State:     "Seeding",
		})
		assert.Equal(t, delugeHashA, tor.Hash)
		assert.Equal(t, StateSeeding, tor.State)
		assert.Equal(t, 1.0, tor.Progress)
		assert.Equal(t, []bool{true, true, true}, tor.PieceProgress)
	})

	t.Run("partial torrents read per-piece states", func(t *testing.T) {
		t.Parallel()

		tor := c.delugeTorrent(delugeHashA, delugeTorrentStatus{
			Progress: 50,
			Pieces:   []int{3, 0, 3},
			State:    "Downloading",
		})
		assert.Equal(t, []bool{true, false, true}, tor.PieceProgress)
		assert.Equal(t, StateDownloading, tor.State)
	})

	t.Run("unmapped daemon state", func(t *testing.T) {
		t.Parallel()

		tor := c.delugeTorrent(delugeHashA, delugeTorrentStatus{State: "Whatever"})
		assert.Equal(t, StateUnknown, tor.State)
	})
}

func TestDelugeKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"name", "files", "file_progress", "state"},
		delugeKeys(FieldName|FieldFiles|FieldState))

	// the completed-torrent shortcut needs the raw percent
	keys := delugeKeys(FieldPieceProgress)
	assert.Contains(t, keys, "pieces")
	assert.Contains(t, keys, "num_pieces")
	assert.Contains(t, keys, "progress")
}

func TestDelugeAdd(t *testing.T) {
	t.Parallel()

	raw := []byte("d4:infod4:name5:Albumee")

	t.Run("uploads metainfo and labels the result", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)

		var gotName, gotPayload string
		var gotArgs map[string]any
		f.on("core.add_torrent_file", func(_ int, params []json.RawMessage) (any, *delugeError) {
			gotName = decodeParam[string](t, params[0])
			gotPayload = decodeParam[string](t, params[1])
			gotArgs = decodeParam[map[string]any](t, params[2])
			return strings.ToUpper(delugeHashA), nil
		})
		f.reply("label.set_torrent", nil)

		got, err := c.Add(context.Background(), raw, AddOptions{
			DownloadDir: "/data/music",
			SkipVerify:  true,
			Label:       "nemorosa",
			Paused:      true,
		})
		require.NoError(t, err)
		assert.Equal(t, delugeHashA, got)

		assert.True(t, strings.HasSuffix(gotName, ".torrent"))
		decoded, err := base64.StdEncoding.DecodeString(gotPayload)
		require.NoError(t, err)
		assert.Equal(t, raw, decoded)
		assert.Equal(t, true, gotArgs["add_paused"])
		assert.Equal(t, true, gotArgs["seed_mode"])
		assert.Equal(t, "/data/music", gotArgs["download_location"])

		require.Equal(t, []string{"core.add_torrent_file", "label.set_torrent"}, f.methods())
		assert.Equal(t, delugeHashA, decodeParam[string](t, f.call(t, 1).Params[0]))
		assert.Equal(t, "nemorosa", decodeParam[string](t, f.call(t, 1).Params[1]))
	})

	t.Run("session conflict carries the existing hash", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)
		f.on("core.add_torrent_file", func(int, []json.RawMessage) (any, *delugeError) {
			return nil, &delugeError{
				Message: fmt.Sprintf("Torrent already in session (%s).", delugeHashB),
				Code:    4,
			}
		})

		_, err := c.Add(context.Background(), raw, AddOptions{})
		var conflict *TorrentConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, delugeHashB, conflict.ExistingHash)
	})

	t.Run("creates the label on first use", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)
		f.reply("core.add_torrent_file", delugeHashA)
		f.reply("label.add", nil)
		f.on("label.set_torrent", func(call int, _ []json.RawMessage) (any, *delugeError) {
			if call == 0 {
				return nil, &delugeError{Message: "Unknown Label", Code: 4}
			}
			return nil, nil
		})

		_, err := c.Add(context.Background(), raw, AddOptions{Label: "nemorosa"})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"core.add_torrent_file",
			"label.set_torrent",
			"label.add",
			"label.set_torrent",
		}, f.methods())
	})

	t.Run("empty add result", func(t *testing.T) {
		t.Parallel()

		f, c := newDelugeFake(t)
		f.reply("core.add_torrent_file", "")

		_, err := c.Add(context.Background(), raw, AddOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not return a torrent id")
	})
}

func TestDelugeRenameRoot(t *testing.T) {
	t.Parallel()

	f, c := newDelugeFake(t)
	f.reply("core.rename_folder", nil)

	require.NoError(t, c.RenameRoot(context.Background(), strings.ToUpper(delugeHashA), "Old Root", "New Root"))

	call := f.call(t, 0)
	assert.Equal(t, "core.rename_folder", call.Method)
	assert.Equal(t, delugeHashA, decodeParam[string](t, call.Params[0]))
	assert.Equal(t, "Old Root/", decodeParam[string](t, call.Params[1]))
	assert.Equal(t, "New Root/", decodeParam[string](t, call.Params[2]))
}

func TestDelugeApplyRenameMap(t *testing.T) {
	t.Parallel()

	f, c := newDelugeFake(t)
	f.reply("core.get_torrent_status", map[string]any{
		"files": []map[string]any{
			{"index": 0, "path": "New Root/disc1/01 - intro.flac", "size": 1000},
			{"index": 1, "path": "New Root/disc1/02 - song.flac", "size": 2000},
		},
	})
	f.reply("core.rename_files", nil)
	f.reply("core.rename_folder", nil)

	plan := reconcile.Map{
		{RemotePath: "disc1/01 - intro.flac", LocalName: "01 - Intro.flac", Priority: 10},
		{RemotePath: "disc1", LocalName: "Disc 1", Priority: 1},
	}
	require.NoError(t, c.ApplyRenameMap(context.Background(), delugeHashA, plan, &Torrent{Name: "New Root"}))

	require.Equal(t, []string{
		"core.get_torrent_status",
		"core.rename_files",
		"core.rename_folder",
	}, f.methods())

	// file entries rename by index
	fileCall := f.call(t, 1)
	assert.Equal(t, delugeHashA, decodeParam[string](t, fileCall.Params[0]))
	pairs := decodeParam[[][]any](t, fileCall.Params[1])
	require.Len(t, pairs, 1)
	assert.Equal(t, float64(0), pairs[0][0])
	assert.Equal(t, "New Root/disc1/01 - Intro.flac", pairs[0][1])

	// folder entries rename by path with trailing slashes
	folderCall := f.call(t, 2)
	assert.Equal(t, "New Root/disc1/", decodeParam[string](t, folderCall.Params[1]))
	assert.Equal(t, "New Root/Disc 1/", decodeParam[string](t, folderCall.Params[2]))
}

func TestDelugeApplyRenameMapEmptyPlan(t *testing.T) {
	t.Parallel()

	f, c := newDelugeFake(t)
	require.NoError(t, c.ApplyRenameMap(context.Background(), delugeHashA, nil, &Torrent{Name: "Root"}))
	assert.Empty(t, f.methods())
}

func TestDelugeVerifyResumeRemove(t *testing.T) {
	t.Parallel()

	f, c := newDelugeFake(t)
	f.reply("core.force_recheck", nil)
	f.reply("core.resume_torrent", nil)
	f.reply("core.remove_torrent", nil)

	ctx := context.Background()
	require.NoError(t, c.Verify(ctx, strings.ToUpper(delugeHashA)))
	require.NoError(t, c.Resume(ctx, delugeHashA))
	require.NoError(t, c.Remove(ctx, delugeHashA, true))

	assert.Equal(t, []string{delugeHashA}, decodeParam[[]string](t, f.call(t, 0).Params[0]))
	assert.Equal(t, []string{delugeHashA}, decodeParam[[]string](t, f.call(t, 1).Params[0]))
	assert.Equal(t, delugeHashA, decodeParam[string](t, f.call(t, 2).Params[0]))
	assert.Equal(t, true, decodeParam[bool](t, f.call(t, 2).Params[1]))
}

func TestDelugeExportMetainfo(t *testing.T) {
	t.Parallel()

	t.Run("needs torrents_dir", func(t *testing.T) {
		t.Parallel()

		c, err := New("deluge://localhost:8112", "nemorosa")
		require.NoError(t, err)

		_, err = c.ExportMetainfo(context.Background(), delugeHashA)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "torrents_dir")
	})

	t.Run("reads from the state directory", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		payload := []byte("d8:announce3:urle")
		require.NoError(t, os.WriteFile(filepath.Join(dir, delugeHashA+".torrent"), payload, 0o644))

		c, err := New("deluge://localhost:8112?torrents_dir="+url.QueryEscape(dir), "nemorosa")
		require.NoError(t, err)

		got, err := c.ExportMetainfo(context.Background(), strings.ToUpper(delugeHashA))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
}
