// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nishisan-dev/n-ndmp/internal/archive"
	"github.com/nishisan-dev/n-ndmp/internal/config"
	"github.com/nishisan-dev/n-ndmp/internal/logging"
	"github.com/nishisan-dev/n-ndmp/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to daemon config file (optional)")
	port := flag.Int("port", 0, "listen port override")
	testMode := flag.Bool("T", false, "test mode: print READY when listening, exit on stdin EOF")
	flag.Parse()

	var cfg *config.DaemonConfig
	if *configPath != "" {
		loaded, err := config.LoadDaemonConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Agent.Listen = fmt.Sprintf("0.0.0.0:%d", *port)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	daemon := session.NewDaemon(logger, cfg)
	daemon.TestMode = *testMode

	// Monitoramento de host e stats periódicos
	var tapeDir string
	if len(cfg.Tape.Allow) > 0 {
		tapeDir = cfg.Tape.Allow[0]
	}
	monitor := session.NewSystemMonitor(logger, tapeDir)
	monitor.Start()
	defer monitor.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go daemon.StartStatsReporter(monitor, stop)

	// Janitor: lockfiles órfãos + archive de volumes fechados
	if cfg.Janitor.Enabled {
		var uploader *archive.Uploader
		if cfg.Archive.Enabled {
			up, err := archive.NewUploader(context.Background(), cfg.Archive, logger)
			if err != nil {
				logger.Error("archive disabled", "error", err)
			} else {
				uploader = up
			}
		}
		janitor, err := session.NewJanitor(cfg.Janitor, uploader, logger)
		if err != nil {
			logger.Error("janitor disabled", "error", err)
		} else {
			janitor.Start()
			defer janitor.Stop()
		}
	}

	os.Exit(daemon.Serve())
}
