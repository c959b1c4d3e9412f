// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hashutil normalizes torrent infohashes so every layer stores
// and compares them in one canonical form.
package hashutil

import (
	"github.com/autobrr/nemorosa/pkg/stringutils"
)

// Normalize canonicalizes a torrent hash by trimming whitespace and
// lowercasing. Returns an empty string if the input is blank. The result
// is interned since hashes are stored and compared all over the place.
func Normalize(hash string) string {
	return stringutils.InternNormalized(hash)
}

// NormalizeUpper is Normalize with uppercase output, for APIs that want
// hashes in upper hex (Gazelle's hash search does).
func NormalizeUpper(hash string) string {
	return stringutils.InternNormalizedUpper(hash)
}

// IsInfohash reports whether the string looks like a v1 infohash: exactly
// 40 hex digits.
func IsInfohash(hash string) bool {
	if len(hash) != 40 {
		return false
	}
	for _, c := range []byte(hash) {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
