package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/podpilot/podpilot/hub"
	"github.com/podpilot/podpilot/internal/hub/config"
	"github.com/podpilot/podpilot/internal/logging"
)

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file (optional)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	logging.PrintBanner("hub", version, fmt.Sprintf(":%d", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := hub.NewServer(ctx, cfg, version)
	if err != nil {
		return err
	}

	return server.Serve(ctx)
}
