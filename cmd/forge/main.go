// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The forge daemon serves the code-generation workflow over HTTP on
// localhost. Assembly lives in services/forge/daemon so `skiff serve`
// can run the same service in-process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/SkiffLocal/services/forge/daemon"
)

func main() {
	configPath := os.Getenv("SKIFF_CONFIG")
	if configPath == "" {
		configPath = "skiff.yaml"
	}
	flag.StringVar(&configPath, "config", configPath, "path to skiff.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, configPath); err != nil {
		log.Fatalf("forge: %v", err)
	}
}
