// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/gazelle"
	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/internal/torrentclient"
	"github.com/autobrr/nemorosa/pkg/stringutils"
)

// match is an accepted remote candidate. A hash match keeps the exported
// local metainfo, rewritten with the source flag that hit, so injection can
// skip the site download entirely.
type match struct {
	TorrentID   string
	UseExisting bool
	Metainfo    *metainfo.Torrent
}

const (
	// maxSearchQueries caps how many file names are tried per site.
	maxSearchQueries = 5
	// maxFilenameResults is the cutoff beyond which a result set is too
	// generic to be worth fetching file lists for.
	maxFilenameResults = 20
)

var musicExtensions = map[string]bool{
	".flac": true,
	".mp3":  true,
	".dsf":  true,
	".dff":  true,
	".m4a":  true,
}

func isMusicFile(name string) bool {
	return musicExtensions[strings.ToLower(path.Ext(name))]
}

// findMatch locates a torrent on the site carrying the same content as t,
// by infohash first and file names second.
func (e *Engine) findMatch(ctx context.Context, t *torrentclient.Torrent, site Site) (*match, error) {
	if m := e.matchByHash(ctx, t, site); m != nil {
		return m, nil
	}
	return e.matchByFilename(ctx, t, site)
}

// hashSearchFlags orders the source flags worth hashing: the site's own
// flag, the bare info dict, then retired flags the site migrated from.
func hashSearchFlags(siteFlag string) []string {
	candidates := append([]string{siteFlag, ""}, gazelle.SourceFlagFamily[siteFlag]...)
	seen := make(map[string]bool, len(candidates))
	flags := candidates[:0]
	for _, f := range candidates {
		if seen[f] {
			continue
		}
		seen[f] = true
		flags = append(flags, f)
	}
	return flags
}

// matchByHash probes the site for the infohashes this torrent would carry
// under each plausible source flag. Anything that keeps the hash search
// from running is logged and swallowed; the filename search still gets its
// turn.
func (e *Engine) matchByHash(ctx context.Context, t *torrentclient.Torrent, site Site) *match {
	log.Debug().Str("site", site.Host()).Str("hash", t.Hash).Msg("Trying hash-based search first")

	raw, err := e.client.ExportMetainfo(ctx, t.Hash)
	if err != nil {
		log.Debug().Err(err).Str("hash", t.Hash).Msg("Client cannot export metainfo, skipping hash search")
		return nil
	}
	meta, err := metainfo.Parse(raw)
	if err != nil {
		log.Debug().Err(err).Str("hash", t.Hash).Msg("Exported metainfo unreadable, skipping hash search")
		return nil
	}

	flags := hashSearchFlags(site.SourceFlag())
	variants, err := meta.HashVariants(flags)
	if err != nil {
		log.Debug().Err(err).Str("hash", t.Hash).Msg("Cannot compute hash variants, skipping hash search")
		return nil
	}

	for _, flag := range flags {
		hit, err := site.SearchByHash(ctx, variants[flag])
		if err != nil {
			log.Debug().Err(err).Str("site", site.Host()).Str("sourceFlag", flag).Msg("Hash search attempt failed")
			continue
		}
		if hit == nil {
			continue
		}
		if err := meta.SetSource(flag); err != nil {
			log.Debug().Err(err).Str("sourceFlag", flag).Msg("Cannot apply source flag, falling back to filename search")
			return nil
		}
		log.Info().
			Str("site", site.Host()).
			Str("torrentID", hit.TorrentID).
			Str("sourceFlag", flag).
			Str("infohash", variants[flag]).
			Msg("Found torrent by infohash")
		return &match{TorrentID: hit.TorrentID, UseExisting: true, Metainfo: meta}
	}
	return nil
}

// matchByFilename searches the site for the torrent's most distinctive file
// names and accepts the first result whose content lines up with the local
// files. Search errors skip to the next query; only a failed file-list
// fetch aborts the attempt, so the pair stays unscanned.
func (e *Engine) matchByFilename(ctx context.Context, t *torrentclient.Torrent, site Site) (*match, error) {
	log.Debug().Str("site", site.Host()).Str("name", t.Name).Msg("Hash search came up empty, falling back to filename search")

	local := t.FileMap()
	queries := searchQueries(local)

	for _, query := range queries {
		log.Debug().Str("site", site.Host()).Str("file", query).Msg("Searching for file")

		effective := query
		results, err := site.SearchByFilename(ctx, effective)
		if err != nil {
			log.Error().Err(err).Str("site", site.Host()).Str("file", effective).Msg("Filename search failed")
			continue
		}
		log.Debug().Int("results", len(results)).Str("file", effective).Msg("Potential matches found")

		// music files often carry punctuation the site's tokenizer chokes
		// on, so an empty result set gets one sanitized retry
		if len(results) == 0 && isMusicFile(query) {
			if fallback := stringutils.SanitizeQuery(query); fallback != "" && fallback != query {
				log.Debug().Str("file", query).Str("fallback", fallback).Msg("No results, retrying with sanitized query")
				fallbackResults, err := site.SearchByFilename(ctx, fallback)
				switch {
				case err != nil:
					log.Error().Err(err).Str("site", site.Host()).Str("fallback", fallback).Msg("Fallback search failed")
				case len(fallbackResults) > 0:
					effective = fallback
					results = fallbackResults
					log.Debug().Int("results", len(results)).Str("fallback", fallback).Msg("Fallback search found matches")
				default:
					log.Debug().Str("fallback", fallback).Msg("Fallback search also came up empty")
				}
			}
		}

		for _, r := range results {
			if r.Size == t.TotalSize {
				log.Info().Str("site", site.Host()).Str("torrentID", r.TorrentID).Int64("size", r.Size).Msg("Total size match found")
				return &match{TorrentID: r.TorrentID}, nil
			}
		}

		if len(results) > maxFilenameResults {
			log.Warn().Int("results", len(results)).Str("file", effective).Msg("Too many results, skipping query")
			continue
		}

		m, err := e.matchByContent(ctx, site, results, effective, query, local, queries)
		if err != nil {
			return nil, err
		}
		if m != nil {
			log.Debug().Str("file", query).Msg("Match found, stopping search")
			return m, nil
		}

		if len(results) > 0 && isMusicFile(query) {
			log.Debug().Str("file", query).Msg("Music file found no match, weaker queries will not either")
			break
		}
	}
	return nil, nil
}

// matchByContent walks the candidates in server order, fetches each file
// list, and accepts the first torrent that shares the searched file with a
// conflict-free overlap.
func (e *Engine) matchByContent(ctx context.Context, site Site, results []gazelle.SearchResult, effective, query string, local map[string]int64, queries []string) (*match, error) {
	log.Debug().Str("file", effective).Msg("No size match, checking file contents")

	// the final query doubles as a music anchor when a non-music file hits
	anchor := queries[len(queries)-1]
	words := strings.Fields(effective)

	for i, r := range results {
		log.Debug().Str("torrentID", r.TorrentID).Msgf("Checking torrent %d/%d", i+1, len(results))

		remote, order, err := site.FetchFileList(ctx, r.TorrentID)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch file list for torrent %s", r.TorrentID)
		}

		var matchingKeys []string
		if effective == query {
			matchingKeys = []string{query}
		} else {
			for _, key := range order {
				if containsAllWords(key, words) {
					matchingKeys = append(matchingKeys, key)
				}
			}
			log.Debug().Int("count", len(matchingKeys)).Str("query", effective).Msg("Remote files matching query words")
		}

		accepted := false
		for _, key := range matchingKeys {
			if remote[key] != local[query] {
				continue
			}
			if isMusicFile(key) {
				log.Info().Str("site", site.Host()).Str("torrentID", r.TorrentID).Str("file", key).Msg("Music file match found")
				accepted = true
				break
			}
			// a non-music hit needs the anchor to agree on both sides
			if remote[anchor] == local[anchor] {
				log.Info().Str("site", site.Host()).Str("torrentID", r.TorrentID).Str("file", key).Msg("File match found")
				accepted = true
				break
			}
		}
		if !accepted {
			continue
		}

		if err := reconcile.CheckConflicts(local, remote); err != nil {
			log.Debug().Err(err).Str("torrentID", r.TorrentID).Msg("Candidate conflicts with local files, skipping")
			continue
		}
		return &match{TorrentID: r.TorrentID}, nil
	}
	return nil, nil
}

// searchQueries picks the file names worth searching: names sorted longest
// first, keeping the longest overall plus any music files, five at most.
// Longer names make more distinctive queries.
func searchQueries(local map[string]int64) []string {
	names := make([]string, 0, len(local))
	for name := range local {
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	queries := make([]string, 0, maxSearchQueries)
	for i, name := range names {
		if i == 0 || isMusicFile(name) {
			queries = append(queries, name)
		}
		if len(queries) >= maxSearchQueries {
			break
		}
	}
	return queries
}

// containsAllWords reports whether every word appears somewhere in key.
func containsAllWords(key string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(key, w) {
			return false
		}
	}
	return true
}
