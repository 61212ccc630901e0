// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The skiff CLI administers a local forge installation: store
// inventory and backups, session cleanup, log uploads, and running the
// daemon itself. Every command reads the same skiff.yaml the daemon
// does, so paths never have to be repeated on the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SkiffLocal/pkg/ux"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
)

// provider serves the live configuration to every command. Built once
// in PersistentPreRun; a missing skiff.yaml falls back to defaults.
var provider *config.Provider

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed usage for flag errors; anything else
		// still deserves a line.
		ux.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if plainOutput {
			ux.SetPlain(true)
		}

		path := configPath
		if path == "" {
			path = os.Getenv("SKIFF_CONFIG")
		}
		if path == "" {
			path = "skiff.yaml"
		}

		p, err := config.NewProvider(path)
		if err != nil {
			fail("Could not load %s: %v", path, err)
		}
		provider = p
	}
}

// fail prints an error line and exits non-zero. Command bodies call it
// instead of returning errors so cobra never re-prints usage on an
// operational failure.
func fail(format string, args ...any) {
	ux.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
