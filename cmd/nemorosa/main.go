// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// nemorosa cross-seeds music torrents: it matches what a torrent client
// already seeds against Gazelle trackers and injects the matches back into
// the client, remapping file names onto the existing payload so nothing is
// re-downloaded.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/autobrr/nemorosa/internal/buildinfo"
)

func main() {
	cmd := RunRootCommand()
	cmd.AddCommand(RunVersionCommand())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Print(buildinfo.String())
		},
	}
}
