// RISE fleet daemon.
//
// Runs the agent-less control plane: content cache sync, the auto-update
// scheduler, and the session layer the UI drives managed hosts through.
//
// Usage:
//
//	rise-daemon --config /var/lib/rise/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/risefleet/rise/internal/daemon"
)

var (
	flagConfig  = flag.String("config", "/var/lib/rise/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("rise-daemon %s", daemon.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := daemon.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}
