// Package main starts the live poll coordinator and handles termination.
//
// The process keeps every poll in memory; closed rounds are optionally
// archived to SQLite for later reads.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	pollcmd "github.com/louisbranch/livepoll/internal/cmd/poll"
)

func main() {
	cfg, err := pollcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[POLL] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pollcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
