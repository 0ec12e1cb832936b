// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command sha256d runs the digest server: it reads
// requests from a well-known FIFO, schedules them
// shortest-job-first across a worker pool, and
// answers repeated requests from the digest cache.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "net/http/pprof"

	"github.com/SnellerInc/sha256d/server"
)

var version = "development"

func main() {
	configPath := flag.String("c", "", "configuration file (YAML or JSON)")
	workers := flag.Int("w", 0, "number of digest workers (overrides the config file)")
	fifoPath := flag.String("f", "", "request FIFO path (overrides the config file)")
	debugAddr := flag.String("debug", "", "address to serve /debug/pprof on (overrides the config file)")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.Lshortfile)

	var cfg server.Config
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			logger.Fatal(err)
		}
		c, err := server.DecodeConfig(f)
		f.Close()
		if err != nil {
			logger.Fatalf("%s: %s", *configPath, err)
		}
		cfg = *c
	}
	if *workers != 0 {
		cfg.Workers = *workers
	}
	if *fifoPath != "" {
		cfg.RequestFIFO = *fifoPath
	}
	if *debugAddr != "" {
		cfg.DebugAddr = *debugAddr
	}

	srv, err := server.New(cfg)
	if err != nil {
		logger.Fatal(err)
	}
	srv.Logger = logger

	if cfg.DebugAddr != "" {
		// pprof handlers live on the default mux
		go func() {
			logger.Println(http.ListenAndServe(cfg.DebugAddr, nil))
		}()
	}

	// graceful shutdown on SIGINT or SIGTERM:
	// stop the dispatcher, drain the queue,
	// stop the workers
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Printf("shutting down")
		srv.Close()
	}()

	logger.Printf("sha256d %s starting", version)
	if err := srv.Serve(); err != nil {
		logger.Fatal(err)
	}
}
