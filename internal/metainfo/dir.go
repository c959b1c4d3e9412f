// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metainfo

import (
	"os"
	"path/filepath"
	"strings"

	anacrolix "github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by FindInDir when no torrent file in the
// directory carries the wanted infohash.
var ErrNotFound = errors.New("torrent file not found")

// FindInDir locates the metainfo file for an infohash inside a client's
// torrents directory. Clients that name files `<infohash>.torrent` hit the
// direct probe; otherwise every torrent file is hashed and compared.
func FindInDir(dir, infohash string) ([]byte, error) {
	infohash = strings.ToLower(strings.TrimSpace(infohash))

	direct := filepath.Join(dir, infohash+".torrent")
	if b, err := os.ReadFile(direct); err == nil {
		return b, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.torrent"))
	if err != nil {
		return nil, errors.Wrapf(err, "glob error: %s", dir)
	}

	for _, match := range matches {
		mi, err := anacrolix.LoadFromFile(match)
		if err != nil {
			log.Debug().Err(err).Str("file", match).Msg("Skipping unreadable torrent file")
			continue
		}
		if mi.HashInfoBytes().HexString() == infohash {
			return os.ReadFile(match)
		}
	}

	return nil, errors.Wrapf(ErrNotFound, "infohash %s in %s", infohash, dir)
}
