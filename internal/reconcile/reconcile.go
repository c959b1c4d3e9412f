// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconcile pairs the files of a remote torrent with the local
// files they should point at, and compresses the pairing into the
// per-component rename map the client adapters apply.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// ConflictError marks a filename present on both sides with different
// sizes. Injecting such a candidate would overwrite local data, so the
// candidate is rejected outright.
type ConflictError struct {
	Name       string
	LocalSize  int64
	RemoteSize int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("file %q exists on both sides with different sizes (local %d, remote %d)", e.Name, e.LocalSize, e.RemoteSize)
}

// CheckConflicts returns a *ConflictError when any shared relative path
// has different sizes locally and remotely.
func CheckConflicts(local, remote map[string]int64) error {
	names := make([]string, 0, len(remote))
	for name := range remote {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		localSize, ok := local[name]
		if !ok {
			continue
		}
		if remoteSize := remote[name]; localSize != remoteSize {
			return &ConflictError{Name: name, LocalSize: localSize, RemoteSize: remoteSize}
		}
	}
	return nil
}

// Pair maps one remote file path to the local file holding its data. Both
// sides are relative paths with the torrent root dropped.
type Pair struct {
	Remote string
	Local  string
}

// Generate pairs remote files with local files: shared names are already in
// place and need no entry, the rest are bucketed by exact size and matched
// in remote order, breaking ties with a similarity ratio on the raw paths.
// remoteOrder fixes the iteration order; remote paths missing from it are
// ignored.
func Generate(local, remote map[string]int64, remoteOrder []string) ([]Pair, error) {
	if err := CheckConflicts(local, remote); err != nil {
		return nil, err
	}

	shared := make(map[string]bool)
	for name := range remote {
		if _, ok := local[name]; ok {
			shared[name] = true
		}
	}

	localNames := make([]string, 0, len(local))
	for name := range local {
		if !shared[name] {
			localNames = append(localNames, name)
		}
	}
	sort.Strings(localNames)

	buckets := make(map[int64][]string)
	for _, name := range localNames {
		size := local[name]
		buckets[size] = append(buckets[size], name)
	}

	if len(remoteOrder) == 0 {
		remoteOrder = make([]string, 0, len(remote))
		for name := range remote {
			remoteOrder = append(remoteOrder, name)
		}
		sort.Strings(remoteOrder)
	}

	pairs := make([]Pair, 0, len(remote))
	for _, name := range remoteOrder {
		size, ok := remote[name]
		if !ok || shared[name] {
			continue
		}
		bucket := buckets[size]
		if len(bucket) == 0 {
			continue
		}

		best := 0
		if len(bucket) > 1 {
			bestRatio := -1.0
			for i, candidate := range bucket {
				if ratio := similarity(name, candidate); ratio > bestRatio {
					bestRatio = ratio
					best = i
				}
			}
		}

		pairs = append(pairs, Pair{Remote: name, Local: bucket[best]})
		buckets[size] = append(bucket[:best:best], bucket[best+1:]...)
	}

	return pairs, nil
}

// similarity is a normalized sequence-similarity ratio in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	dist := fuzzy.LevenshteinDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// Entry renames the last component of RemotePath to LocalName. Priority is
// the component depth; applying entries by priority descending renames
// leaves before the directories above them.
type Entry struct {
	RemotePath string `json:"remote_path"`
	LocalName  string `json:"local_name"`
	Priority   int    `json:"priority"`
}

// Map is the canonical rename map, ordered by priority descending.
type Map []Entry

// Compress folds full-path pairs into per-component entries. Pairs whose
// sides differ in depth cannot be expressed as component renames and are
// skipped. Duplicate prefixes (several files under one renamed directory)
// emit a single entry.
func Compress(pairs []Pair) Map {
	type slot struct {
		entry Entry
		order int
	}
	seen := make(map[string]slot)
	emitted := 0

	for _, pair := range pairs {
		remoteParts := strings.Split(pair.Remote, "/")
		localParts := strings.Split(pair.Local, "/")
		if len(remoteParts) != len(localParts) {
			continue
		}
		for i := range remoteParts {
			if remoteParts[i] == localParts[i] {
				continue
			}
			key := strings.Join(remoteParts[:i+1], "/")
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = slot{
				entry: Entry{RemotePath: key, LocalName: localParts[i], Priority: i},
				order: emitted,
			}
			emitted++
		}
	}

	slots := make([]slot, 0, len(seen))
	for _, s := range seen {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].entry.Priority != slots[j].entry.Priority {
			return slots[i].entry.Priority > slots[j].entry.Priority
		}
		return slots[i].order < slots[j].order
	})

	m := make(Map, len(slots))
	for i, s := range slots {
		m[i] = s.entry
	}
	return m
}
