// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazelle

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/pkg/hashutil"
)

// AjaxResponse is the Gazelle JSON envelope.
type AjaxResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

// FlexInt tolerates ids that arrive as either JSON numbers or strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = FlexInt(parsed)
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into FlexInt", string(data))
}

func (f FlexInt) String() string {
	return strconv.FormatInt(int64(f), 10)
}

// HashHit is a torrent located by infohash.
type HashHit struct {
	TorrentID string
	GroupID   string
	GroupName string
	Size      int64
	InfoHash  string
}

// SearchResult is one torrent from a filelist search, flattened out of its
// group in server order.
type SearchResult struct {
	TorrentID string
	GroupID   string
	GroupName string
	Size      int64
}

type torrentResponse struct {
	Group struct {
		ID   FlexInt `json:"id"`
		Name string  `json:"name"`
	} `json:"group"`
	Torrent struct {
		ID       FlexInt `json:"id"`
		InfoHash string  `json:"infoHash"`
		Size     int64   `json:"size"`
		FileList string  `json:"fileList"`
	} `json:"torrent"`
}

type browseResponse struct {
	Results []struct {
		GroupID   FlexInt `json:"groupId"`
		GroupName string  `json:"groupName"`
		Torrents  []struct {
			TorrentID FlexInt `json:"torrentId"`
			Size      int64   `json:"size"`
		} `json:"torrents"`
	} `json:"results"`
}

// notFoundAPIError reports whether a Gazelle failure envelope is the site's
// way of saying "no such torrent". The wording differs between forks.
func notFoundAPIError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "bad hash parameter") ||
		strings.Contains(lower, "bad id parameter") ||
		strings.Contains(lower, "bad parameters")
}

// SearchByHash looks a torrent up by its v1 infohash. A miss returns
// (nil, nil).
func (c *Client) SearchByHash(ctx context.Context, infohash string) (*HashHit, error) {
	params := url.Values{}
	params.Set("hash", hashutil.NormalizeUpper(infohash))

	resp, err := c.ajax(ctx, "torrent", params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			if notFoundAPIError(apiErr.msg) {
				log.Trace().Str("site", c.host).Str("hash", infohash).Msg("No torrent with this hash")
				return nil, nil
			}
			return nil, &ProtocolError{Site: c.host, Op: "torrent", Err: apiErr}
		}
		return nil, err
	}

	var tr torrentResponse
	if err := json.Unmarshal(resp.Response, &tr); err != nil {
		return nil, &ProtocolError{Site: c.host, Op: "torrent", Err: err}
	}

	return &HashHit{
		TorrentID: tr.Torrent.ID.String(),
		GroupID:   tr.Group.ID.String(),
		GroupName: tr.Group.Name,
		Size:      tr.Torrent.Size,
		InfoHash:  tr.Torrent.InfoHash,
	}, nil
}

// SearchByFilename runs a filelist search and flattens the grouped results
// in server order. No results is an empty slice, never an error.
func (c *Client) SearchByFilename(ctx context.Context, query string) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("searchstr", "")
	params.Set("filelist", query)

	resp, err := c.ajax(ctx, "browse", params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return nil, &ProtocolError{Site: c.host, Op: "browse", Err: apiErr}
		}
		return nil, err
	}

	var br browseResponse
	if err := json.Unmarshal(resp.Response, &br); err != nil {
		return nil, &ProtocolError{Site: c.host, Op: "browse", Err: err}
	}

	results := make([]SearchResult, 0, len(br.Results))
	for _, group := range br.Results {
		for _, t := range group.Torrents {
			results = append(results, SearchResult{
				TorrentID: t.TorrentID.String(),
				GroupID:   group.GroupID.String(),
				GroupName: group.GroupName,
				Size:      t.Size,
			})
		}
	}
	return results, nil
}

// FetchFileList returns a torrent's files as name → size plus the names in
// server order. Results are cached for a few minutes since content matching
// may revisit the same candidate across queries.
func (c *Client) FetchFileList(ctx context.Context, torrentID string) (map[string]int64, []string, error) {
	if entry, ok := c.fileLists.Get(torrentID); ok {
		return entry.files, entry.order, nil
	}

	params := url.Values{}
	params.Set("id", torrentID)

	resp, err := c.ajax(ctx, "torrent", params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return nil, nil, &ProtocolError{Site: c.host, Op: "torrent", Err: apiErr}
		}
		return nil, nil, err
	}

	var tr torrentResponse
	if err := json.Unmarshal(resp.Response, &tr); err != nil {
		return nil, nil, &ProtocolError{Site: c.host, Op: "torrent", Err: err}
	}

	files, order := parseFileList(tr.Torrent.FileList)
	c.fileLists.Set(torrentID, fileListEntry{files: files, order: order}, ttlcache.DefaultTTL)
	return files, order, nil
}

// parseFileList decodes the Gazelle fileList format: entries separated by
// `|||`, each `name{{{size}}}`, names HTML-entity-encoded. Malformed
// entries are dropped with a warning.
func parseFileList(raw string) (map[string]int64, []string) {
	files := make(map[string]int64)
	var order []string

	if raw == "" {
		return files, order
	}

	for _, entry := range strings.Split(raw, "|||") {
		parts := strings.Split(entry, "{{{")
		if len(parts) != 2 {
			log.Warn().Str("entry", entry).Msg("Malformed entry in file list")
			continue
		}
		name := html.UnescapeString(strings.TrimSpace(parts[0]))
		size, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(parts[1], "}}}")), 10, 64)
		if err != nil {
			log.Warn().Str("entry", entry).Msg("Malformed size in file list")
			continue
		}
		if _, dup := files[name]; !dup {
			order = append(order, name)
		}
		files[name] = size
	}
	return files, order
}

// DownloadTorrent fetches the .torrent payload, retrying up to eight times
// two seconds apart. Anything that does not parse as a torrent counts as a
// failed attempt.
func (c *Client) DownloadTorrent(ctx context.Context, torrentID string) ([]byte, error) {
	var payload []byte

	err := retry.Do(
		func() error {
			params := url.Values{}
			params.Set("action", "download")
			params.Set("id", torrentID)
			if c.authkey != "" {
				params.Set("auth", c.authkey)
			}

			body, err := c.request(ctx, "ajax.php", params)
			if err != nil {
				return err
			}

			if !metainfo.LooksLikeTorrent(body) {
				var ajaxErr AjaxResponse
				if json.Unmarshal(body, &ajaxErr) == nil && ajaxErr.Error != "" {
					return errors.Errorf("download failed: %s", ajaxErr.Error)
				}
				return errors.Errorf("downloaded data is not a torrent (size=%d)", len(body))
			}

			payload = body
			return nil
		},
		retry.Attempts(c.downloadAttempts),
		retry.Delay(c.downloadDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Str("site", c.host).Str("torrentID", torrentID).Uint("attempt", n+1).Msg("Torrent download failed, retrying")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "gazelle: download torrent %s from %s", torrentID, c.host)
	}
	return payload, nil
}
