// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

package main

import (
	"fmt"
	"os"

	"github.com/anshulthakur/hwmgr/internal/cmd"
)

// version and commit are set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := cmd.NewCommand(version, commit).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
