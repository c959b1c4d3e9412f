// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metainfo reads and rewrites BitTorrent metainfo files. Both the
// outer dictionary and the info dictionary are kept as raw bencode values,
// so keys we do not model survive round-trips byte for byte.
package metainfo

import (
	"bytes"
	"encoding/hex"
	"strings"

	"crypto/sha1" //nolint:gosec // BitTorrent v1 infohashes require SHA1.

	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

// Torrent is a parsed metainfo file.
type Torrent struct {
	root map[string]bencode.RawMessage
	info map[string]bencode.RawMessage
	dict infoDict
}

type infoDict struct {
	Name   string     `bencode:"name"`
	Length int64      `bencode:"length"`
	Files  []fileDict `bencode:"files"`
	Source string     `bencode:"source"`
}

type fileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// FileEntry is a single file with its full path components. The first
// component of a multi-file torrent is the root directory.
type FileEntry struct {
	Path []string
	Size int64
}

// Parse decodes a metainfo file.
func Parse(b []byte) (*Torrent, error) {
	var root map[string]bencode.RawMessage
	if err := bencode.DecodeBytes(b, &root); err != nil {
		return nil, errors.Wrap(err, "decode torrent")
	}

	infoRaw, ok := root["info"]
	if !ok {
		return nil, errors.New("torrent has no info dictionary")
	}

	t := &Torrent{root: root}
	if err := bencode.DecodeBytes(infoRaw, &t.info); err != nil {
		return nil, errors.Wrap(err, "decode info dictionary")
	}
	if err := bencode.DecodeBytes(infoRaw, &t.dict); err != nil {
		return nil, errors.Wrap(err, "decode info dictionary")
	}
	if t.dict.Name == "" {
		return nil, errors.New("info dictionary has no name")
	}
	return t, nil
}

// Bytes re-encodes the torrent. Bencode dictionaries encode key-sorted, so
// the output is canonical.
func (t *Torrent) Bytes() ([]byte, error) {
	infoRaw, err := bencode.EncodeBytes(t.info)
	if err != nil {
		return nil, errors.Wrap(err, "encode info dictionary")
	}
	t.root["info"] = infoRaw

	out, err := bencode.EncodeBytes(t.root)
	if err != nil {
		return nil, errors.Wrap(err, "encode torrent")
	}
	return out, nil
}

// Name returns the display name, which doubles as the root directory for
// multi-file torrents.
func (t *Torrent) Name() string { return t.dict.Name }

// Source returns the info.source flag, or "" when unset.
func (t *Torrent) Source() string { return t.dict.Source }

// SetSource rewrites the info.source flag. An empty value deletes the key.
func (t *Torrent) SetSource(source string) error {
	if source == "" {
		delete(t.info, "source")
		t.dict.Source = ""
		return nil
	}
	raw, err := bencode.EncodeBytes(source)
	if err != nil {
		return errors.Wrap(err, "encode source")
	}
	t.info["source"] = raw
	t.dict.Source = source
	return nil
}

// Announce returns the top-level announce URL, or "" when unset.
func (t *Torrent) Announce() string {
	raw, ok := t.root["announce"]
	if !ok {
		return ""
	}
	var announce string
	if err := bencode.DecodeBytes(raw, &announce); err != nil {
		return ""
	}
	return announce
}

// SetComment replaces the top-level comment.
func (t *Torrent) SetComment(comment string) error {
	raw, err := bencode.EncodeBytes(comment)
	if err != nil {
		return errors.Wrap(err, "encode comment")
	}
	t.root["comment"] = raw
	return nil
}

// SetAnnounce replaces the announce URL and drops any announce-list, so the
// rewritten torrent announces only to the target tracker.
func (t *Torrent) SetAnnounce(announce string) error {
	raw, err := bencode.EncodeBytes(announce)
	if err != nil {
		return errors.Wrap(err, "encode announce")
	}
	t.root["announce"] = raw
	delete(t.root, "announce-list")
	return nil
}

// Infohash returns the lower-hex SHA1 of the canonical info dictionary.
func (t *Torrent) Infohash() (string, error) {
	return hashInfo(t.info)
}

// HashVariants computes the infohash the torrent would carry under each
// candidate source flag. The empty flag stands for a deleted source key.
func (t *Torrent) HashVariants(sources []string) (map[string]string, error) {
	variants := make(map[string]string, len(sources))
	for _, source := range sources {
		clone := make(map[string]bencode.RawMessage, len(t.info)+1)
		for k, v := range t.info {
			clone[k] = v
		}
		if source == "" {
			delete(clone, "source")
		} else {
			raw, err := bencode.EncodeBytes(source)
			if err != nil {
				return nil, errors.Wrap(err, "encode source")
			}
			clone["source"] = raw
		}
		hash, err := hashInfo(clone)
		if err != nil {
			return nil, err
		}
		variants[source] = hash
	}
	return variants, nil
}

func hashInfo(info map[string]bencode.RawMessage) (string, error) {
	encoded, err := bencode.EncodeBytes(info)
	if err != nil {
		return "", errors.Wrap(err, "encode info dictionary")
	}
	sum := sha1.Sum(encoded) //nolint:gosec // BitTorrent v1 infohashes require SHA1.
	return hex.EncodeToString(sum[:]), nil
}

// Files lists every file with its full path components. Entries with an
// empty path list are dropped.
func (t *Torrent) Files() []FileEntry {
	if len(t.dict.Files) == 0 {
		return []FileEntry{{Path: []string{t.dict.Name}, Size: t.dict.Length}}
	}
	entries := make([]FileEntry, 0, len(t.dict.Files))
	for _, f := range t.dict.Files {
		if len(f.Path) == 0 {
			continue
		}
		path := make([]string, 0, len(f.Path)+1)
		path = append(path, t.dict.Name)
		path = append(path, f.Path...)
		entries = append(entries, FileEntry{Path: path, Size: f.Length})
	}
	return entries
}

// FileMap maps each file's path relative to the torrent root to its size.
// Single-file torrents map the lone file name.
func (t *Torrent) FileMap() map[string]int64 {
	if len(t.dict.Files) == 0 {
		return map[string]int64{t.dict.Name: t.dict.Length}
	}
	m := make(map[string]int64, len(t.dict.Files))
	for _, f := range t.dict.Files {
		if len(f.Path) == 0 {
			continue
		}
		m[strings.Join(f.Path, "/")] = f.Length
	}
	return m
}

// FileOrder lists the FileMap keys in torrent file order, for callers that
// need deterministic iteration over the map.
func (t *Torrent) FileOrder() []string {
	if len(t.dict.Files) == 0 {
		return []string{t.dict.Name}
	}
	order := make([]string, 0, len(t.dict.Files))
	for _, f := range t.dict.Files {
		if len(f.Path) == 0 {
			continue
		}
		order = append(order, strings.Join(f.Path, "/"))
	}
	return order
}

// TotalSize returns the sum of all file sizes.
func (t *Torrent) TotalSize() int64 {
	if len(t.dict.Files) == 0 {
		return t.dict.Length
	}
	var total int64
	for _, f := range t.dict.Files {
		total += f.Length
	}
	return total
}

// LooksLikeTorrent reports whether a payload is plausibly a bencoded
// metainfo file. Tracker error pages are JSON or HTML and fail this guard.
func LooksLikeTorrent(b []byte) bool {
	return len(b) > 0 && b[0] == 'd' && bytes.Contains(b, []byte("4:info"))
}
