package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/runtime"
	srv "github.com/codemilestones/Fairy/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg := config.LoadConfig(*cfgPath)
	if *addr != "" {
		cfg.Server.Address = *addr
	}

	ctx := context.Background()
	telemetry, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, "fairyd", "dev")
	if err != nil {
		log.Fatalf("fairyd telemetry init: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	if err := srv.Run(cfg); err != nil {
		log.Fatalf("fairyd exited: %v", err)
	}

	// Sleep briefly to give deferred logs time to flush in containerised runs.
	time.Sleep(100 * time.Millisecond)
}
