// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildQueryWithPlaceholders(t *testing.T) {
	tests := []struct {
		name               string
		template           string
		placeholdersPerRow int
		numRows            int
		want               string
	}{
		{
			name:               "single_row_single_placeholder",
			template:           "INSERT INTO t (a) VALUES %s",
			placeholdersPerRow: 1,
			numRows:            1,
			want:               "INSERT INTO t (a) VALUES (?)",
		},
		{
			name:               "single_row_multiple_placeholders",
			template:           "INSERT INTO t (a, b, c) VALUES %s",
			placeholdersPerRow: 3,
			numRows:            1,
			want:               "INSERT INTO t (a, b, c) VALUES (?, ?, ?)",
		},
		{
			name:               "multiple_rows",
			template:           "INSERT INTO t (a, b) VALUES %s",
			placeholdersPerRow: 2,
			numRows:            3,
			want:               "INSERT INTO t (a, b) VALUES (?, ?), (?, ?), (?, ?)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildQueryWithPlaceholders(tt.template, tt.placeholdersPerRow, tt.numRows)
			assert.Equal(t, tt.want, got)
		})
	}
}
