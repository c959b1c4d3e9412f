// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import "github.com/autobrr/nemorosa/pkg/hashutil"

func normalizeHash(value string) string {
	return hashutil.Normalize(value)
}
