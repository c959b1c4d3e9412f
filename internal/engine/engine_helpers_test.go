// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/autobrr/nemorosa/internal/database"
	"github.com/autobrr/nemorosa/internal/gazelle"
	"github.com/autobrr/nemorosa/internal/models"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/internal/torrentclient"
)

// fakeClient is an in-memory torrentclient.Client that honors the Fields
// selector the way real adapters do and records every mutation.
type fakeClient struct {
	vendor string

	mu       sync.Mutex
	torrents map[string]*torrentclient.Torrent
	exports  map[string][]byte

	// onAdd decides what Add does; tests that never inject leave it nil.
	onAdd       func(raw []byte, opts torrentclient.AddOptions) (string, error)
	addCalls    int
	lastAddOpts torrentclient.AddOptions

	// getFailures fails that many Get calls before behaving again.
	getFailures int
	// fileGets counts Get calls that asked for the file listing.
	fileGets int

	rootRenames []string
	plansSeen   []reconcile.Map
	verified    []string
	resumed     []string
	removed     []string
}

func newFakeClient(vendor string) *fakeClient {
	return &fakeClient{
		vendor:   vendor,
		torrents: make(map[string]*torrentclient.Torrent),
		exports:  make(map[string][]byte),
	}
}

func (f *fakeClient) put(t torrentclient.Torrent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torrents[t.Hash] = &t
}

func (f *fakeClient) Name() string                      { return f.vendor }
func (f *fakeClient) Label() string                     { return "nemorosa" }
func (f *fakeClient) Connect(ctx context.Context) error { return nil }

func (f *fakeClient) view(t *torrentclient.Torrent, fields torrentclient.Fields) torrentclient.Torrent {
	cp := *t
	if !fields.Has(torrentclient.FieldFiles) {
		cp.Files = nil
	}
	return cp
}

func (f *fakeClient) List(ctx context.Context, fields torrentclient.Fields) ([]torrentclient.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]torrentclient.Torrent, 0, len(f.torrents))
	for _, t := range f.torrents {
		out = append(out, f.view(t, fields))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (f *fakeClient) Get(ctx context.Context, hash string, fields torrentclient.Fields) (*torrentclient.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getFailures > 0 {
		f.getFailures--
		return nil, errors.New("transient rpc failure")
	}
	if fields.Has(torrentclient.FieldFiles) {
		f.fileGets++
	}
	t, ok := f.torrents[hash]
	if !ok {
		return nil, nil
	}
	cp := f.view(t, fields)
	return &cp, nil
}

func (f *fakeClient) States(ctx context.Context, hashes []string) (map[string]torrentclient.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make(map[string]torrentclient.State, len(hashes))
	for _, h := range hashes {
		if t, ok := f.torrents[h]; ok {
			states[h] = t.State
		}
	}
	return states, nil
}

func (f *fakeClient) Add(ctx context.Context, raw []byte, opts torrentclient.AddOptions) (string, error) {
	f.mu.Lock()
	f.addCalls++
	f.lastAddOpts = opts
	onAdd := f.onAdd
	f.mu.Unlock()
	if onAdd == nil {
		return "", errors.New("fake client refuses adds")
	}
	return onAdd(raw, opts)
}

func (f *fakeClient) RenameRoot(ctx context.Context, hash, oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rootRenames = append(f.rootRenames, oldName+" -> "+newName)
	if t, ok := f.torrents[hash]; ok {
		t.Name = newName
	}
	return nil
}

func (f *fakeClient) ApplyRenameMap(ctx context.Context, hash string, plan reconcile.Map, torrent *torrentclient.Torrent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plansSeen = append(f.plansSeen, plan)
	t, ok := f.torrents[hash]
	if !ok {
		return errors.Errorf("no torrent %s", hash)
	}
	for _, entry := range plan {
		prefix := entry.RemotePath + "/"
		renamed := path.Join(path.Dir(entry.RemotePath), entry.LocalName)
		for i := range t.Files {
			switch {
			case t.Files[i].Path == entry.RemotePath:
				t.Files[i].Path = renamed
			case strings.HasPrefix(t.Files[i].Path, prefix):
				t.Files[i].Path = renamed + "/" + strings.TrimPrefix(t.Files[i].Path, prefix)
			}
		}
	}
	return nil
}

func (f *fakeClient) Verify(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, hash)
	return nil
}

func (f *fakeClient) Resume(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, hash)
	return nil
}

func (f *fakeClient) Remove(ctx context.Context, hash string, deleteData bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, hash)
	delete(f.torrents, hash)
	return nil
}

func (f *fakeClient) ExportMetainfo(ctx context.Context, hash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.exports[hash]; ok {
		return b, nil
	}
	return nil, errors.Errorf("no metainfo for %s", hash)
}

// fakeSite is a scripted engine.Site.
type fakeSite struct {
	host        string
	trackerHost string
	sourceFlag  string

	mu          sync.Mutex
	hashHits    map[string]*gazelle.HashHit
	results     map[string][]gazelle.SearchResult
	searchErr   map[string]error
	fileLists   map[string]fakeFileList
	fileListErr map[string]error
	payloads    map[string][]byte
	downloadErr map[string]error

	hashQueries []string
	nameQueries []string
	fetched     []string
	downloaded  []string
}

type fakeFileList struct {
	files map[string]int64
	order []string
}

func newFakeSite(host, trackerHost, flag string) *fakeSite {
	return &fakeSite{
		host:        host,
		trackerHost: trackerHost,
		sourceFlag:  flag,
		hashHits:    make(map[string]*gazelle.HashHit),
		results:     make(map[string][]gazelle.SearchResult),
		searchErr:   make(map[string]error),
		fileLists:   make(map[string]fakeFileList),
		fileListErr: make(map[string]error),
		payloads:    make(map[string][]byte),
		downloadErr: make(map[string]error),
	}
}

func (s *fakeSite) Host() string        { return s.host }
func (s *fakeSite) TrackerHost() string { return s.trackerHost }
func (s *fakeSite) SourceFlag() string  { return s.sourceFlag }
func (s *fakeSite) AnnounceURL() string {
	return "https://" + s.trackerHost + "/secret/announce"
}
func (s *fakeSite) TorrentURL(torrentID string) string {
	return "https://" + s.host + "/torrents.php?torrentid=" + torrentID
}

func (s *fakeSite) SearchByHash(ctx context.Context, infohash string) (*gazelle.HashHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashQueries = append(s.hashQueries, infohash)
	return s.hashHits[infohash], nil
}

func (s *fakeSite) SearchByFilename(ctx context.Context, query string) ([]gazelle.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nameQueries = append(s.nameQueries, query)
	if err := s.searchErr[query]; err != nil {
		return nil, err
	}
	return s.results[query], nil
}

func (s *fakeSite) FetchFileList(ctx context.Context, torrentID string) (map[string]int64, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, torrentID)
	if err := s.fileListErr[torrentID]; err != nil {
		return nil, nil, err
	}
	fl, ok := s.fileLists[torrentID]
	if !ok {
		return map[string]int64{}, nil, nil
	}
	return fl.files, fl.order, nil
}

func (s *fakeSite) DownloadTorrent(ctx context.Context, torrentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloaded = append(s.downloaded, torrentID)
	if err := s.downloadErr[torrentID]; err != nil {
		return nil, err
	}
	if b, ok := s.payloads[torrentID]; ok {
		return b, nil
	}
	return nil, errors.Errorf("no payload for torrent %s", torrentID)
}

// trackerSpy collects the hashes handed to the verification tracker.
type trackerSpy struct {
	mu     sync.Mutex
	hashes []string
}

func (s *trackerSpy) Track(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes = append(s.hashes, hash)
}

func (s *trackerSpy) tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hashes...)
}

// testEnv wires an engine against a throwaway database.
type testEnv struct {
	engine  *Engine
	client  *fakeClient
	scans   *models.ScanResultStore
	retries *models.RetryQueueStore
	cache   *models.ClientTorrentStore
	spy     *trackerSpy
}

func newTestEnv(t *testing.T, client *fakeClient, sites []Site, settings Settings) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "nemorosa.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	scans := models.NewScanResultStore(db)
	retries := models.NewRetryQueueStore(db)
	cache := models.NewClientTorrentStore(db)
	spy := &trackerSpy{}

	eng, err := New(Options{
		Settings: settings,
		Client:   client,
		Sites:    sites,
		DB:       db,
		Scans:    scans,
		Retries:  retries,
		Cache:    cache,
		Tracker:  spy,
	})
	require.NoError(t, err)
	eng.injectDelay = 0

	return &testEnv{engine: eng, client: client, scans: scans, retries: retries, cache: cache, spy: spy}
}

// localTorrent builds a client torrent with the total size derived from its
// files.
func localTorrent(hash, name, dir string, trackers []string, files []torrentclient.File) torrentclient.Torrent {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return torrentclient.Torrent{
		Hash:        hash,
		Name:        name,
		DownloadDir: dir,
		TotalSize:   total,
		Files:       files,
		Trackers:    trackers,
		State:       torrentclient.StateSeeding,
	}
}

type remoteFile struct {
	path string
	size int64
}

// remotePayload bencodes a multi-file torrent whose root is name.
func remotePayload(t *testing.T, name, source string, files []remoteFile) []byte {
	t.Helper()

	list := make([]interface{}, 0, len(files))
	for _, f := range files {
		parts := strings.Split(f.path, "/")
		pathParts := make([]interface{}, len(parts))
		for i, c := range parts {
			pathParts[i] = c
		}
		list = append(list, map[string]interface{}{"length": f.size, "path": pathParts})
	}
	info := map[string]interface{}{
		"name":         name,
		"piece length": int64(16384),
		"pieces":       strings.Repeat("p", 20),
		"files":        list,
	}
	if source != "" {
		info["source"] = source
	}
	b, err := bencode.EncodeBytes(map[string]interface{}{
		"announce": "https://flacsfor.me/announce",
		"info":     info,
	})
	require.NoError(t, err)
	return b
}
