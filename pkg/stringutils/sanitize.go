// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stringutils

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// queryNormalizer caches sanitized search queries. A sweep sanitizes the same
// file paths over and over, so caching keeps the regexp work off the hot path.
var queryNormalizer = NewNormalizer(defaultNormalizerTTL, sanitizeQueryInner)

// querySeparators matches characters that tracker search indexes treat as
// token separators or strip outright: ASCII punctuation, control characters,
// and the zoo of Unicode spaces and zero-width code points that show up in
// release names.
var querySeparators = regexp.MustCompile(`[?_\-.·~!@#$%^&*+=|\\:";'<>,/` + "`" +
	`\x{FF1F}\x{FFFD}\x{200B}-\x{200D}\x{2060}\x{FEFF}\x{A0}\x{180E}\x{2000}-\x{200A}\x{2028}\x{2029}\x{202F}\x{205F}\x{3000}\x00-\x1F\x7F-\x9F]`)

// sanitizeQueryInner is the inner transformation function used by queryNormalizer.
func sanitizeQueryInner(s string) string {
	// Torrent file lists always use forward slashes, so path.Base is the
	// right basename here regardless of host OS.
	s = norm.NFC.String(path.Base(s))
	s = querySeparators.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// SanitizeQuery reduces a file path to the words a tracker filename search can
// actually match: it takes the base name, applies NFC so composed and
// decomposed accents compare equal, replaces separator punctuation with
// spaces, and collapses runs of whitespace.
//
// Results are cached per input string (5 minute TTL) to avoid repeated
// regexp work for identical inputs.
//
// Examples:
//   - "Album/01 - Intro.flac" → "01 Intro flac"
//   - "01.Intro.flac" → "01 Intro flac"
//   - "artist_-_track.mp3" → "artist track mp3"
func SanitizeQuery(s string) string {
	return queryNormalizer.Normalize(s)
}
