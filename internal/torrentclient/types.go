// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentclient drives the torrent clients nemorosa injects
// cross-seeds into. Each vendor adapter projects torrents onto a common
// shape so the match engine and the verification tracker never touch
// vendor specifics.
package torrentclient

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/nemorosa/internal/reconcile"
)

// State is the normalized torrent state shared by all vendors.
type State string

const (
	StateDownloading         State = "downloading"
	StateSeeding             State = "seeding"
	StatePaused              State = "paused"
	StateCompleted           State = "completed"
	StateChecking            State = "checking"
	StateError               State = "error"
	StateQueued              State = "queued"
	StateMoving              State = "moving"
	StateAllocating          State = "allocating"
	StateMetadataDownloading State = "metadata_downloading"
	StateUnknown             State = "unknown"
)

// Fields selects which optional attributes List and Get fill in. The hash
// and name always come back; everything else costs extra RPC arguments or,
// for some vendors, extra round trips.
type Fields uint16

const (
	FieldName Fields = 1 << iota
	FieldProgress
	FieldTotalSize
	FieldFiles
	FieldTrackers
	FieldDownloadDir
	FieldState
	FieldPieceProgress
	FieldLabel
	FieldAddedAt
)

// FieldsAll requests every attribute an adapter can fill.
const FieldsAll = FieldName | FieldProgress | FieldTotalSize | FieldFiles |
	FieldTrackers | FieldDownloadDir | FieldState | FieldPieceProgress |
	FieldLabel | FieldAddedAt

// Has reports whether every bit in sel is set.
func (f Fields) Has(sel Fields) bool { return f&sel == sel }

// File is one payload file inside a torrent. Path is relative to the
// torrent root with the root component dropped, slash separated; a
// single-file torrent carries the bare file name.
type File struct {
	Path     string
	Size     int64
	Progress float64
}

// Torrent is the vendor-neutral view of a client torrent. Hash is the
// lower-hex v1 infohash and is the only identity used anywhere.
type Torrent struct {
	Hash          string
	Name          string
	DownloadDir   string
	TotalSize     int64
	Files         []File
	Trackers      []string
	State         State
	Progress      float64
	PieceProgress []bool
	Label         string
	AddedAt       time.Time
}

// FileMap maps file paths to sizes, the shape the reconciler consumes.
// The keys follow the same root-dropped convention as metainfo.FileMap,
// so local and remote listings compare directly.
func (t *Torrent) FileMap() map[string]int64 {
	m := make(map[string]int64, len(t.Files))
	for _, f := range t.Files {
		m[f.Path] = f.Size
	}
	return m
}

// AddOptions control how Add injects a torrent.
type AddOptions struct {
	DownloadDir string
	SkipVerify  bool
	Label       string
	Paused      bool
}

// TorrentConflictError means the torrent to inject cannot coexist with a
// torrent the client already holds. In practice the injected metainfo
// carried a source flag the client has already seen, which collapses two
// logically distinct torrents onto one infohash.
type TorrentConflictError struct {
	ExistingHash string
}

func (e *TorrentConflictError) Error() string {
	if e.ExistingHash == "" {
		return "torrent cannot coexist with a torrent already in the client"
	}
	return fmt.Sprintf("torrent cannot coexist with local torrent %s", e.ExistingHash)
}

// ErrUnsupportedVendor is returned by New for client URLs naming a vendor
// nemorosa cannot drive.
var ErrUnsupportedVendor = errors.New("unsupported torrent client vendor")

// Client is the operation surface the engine and tracker need from a
// torrent client. Get returns (nil, nil) when the hash is unknown.
//
// ApplyRenameMap consumes a reconcile.Map ordered deepest-first: every
// file entry is applied before any of its ancestor folders, so each
// rename sees exactly the path prefix the client still has. The torrent
// argument carries the current (already renamed) root name and the file
// listing used to tell file entries from folder entries.
type Client interface {
	// Name returns the vendor tag: transmission, qbittorrent or deluge.
	Name() string
	Connect(ctx context.Context) error
	List(ctx context.Context, fields Fields) ([]Torrent, error)
	Get(ctx context.Context, hash string, fields Fields) (*Torrent, error)
	// States resolves hashes to states only. Cheap enough to poll every
	// second; must never fetch file lists.
	States(ctx context.Context, hashes []string) (map[string]State, error)
	// Add injects raw metainfo and returns the new torrent's infohash. A
	// same-hash collision surfaces as *TorrentConflictError.
	Add(ctx context.Context, metainfo []byte, opts AddOptions) (string, error)
	RenameRoot(ctx context.Context, hash, oldName, newName string) error
	ApplyRenameMap(ctx context.Context, hash string, plan reconcile.Map, torrent *Torrent) error
	Verify(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
	Remove(ctx context.Context, hash string, deleteData bool) error
	// ExportMetainfo recovers the .torrent bytes for a torrent the client
	// holds, from the client itself or its torrents_dir.
	ExportMetainfo(ctx context.Context, hash string) ([]byte, error)
	// Label returns the label attached to injected torrents.
	Label() string
}
