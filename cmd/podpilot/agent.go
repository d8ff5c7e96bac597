package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/podpilot/podpilot/internal/agent/config"
	"github.com/podpilot/podpilot/internal/agent/gpu"
	"github.com/podpilot/podpilot/internal/agent/hubclient"
	"github.com/podpilot/podpilot/internal/agent/status"
	"github.com/podpilot/podpilot/internal/logging"
)

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
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

	logging.PrintBanner("agent", version, cfg.HubURL)
	slog.Info("starting agent",
		"provider", cfg.Provider,
		"instance_id", cfg.ProviderInstanceID,
		"hostname", cfg.Hostname,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := hubclient.New(cfg, version, gpu.Detect())

	statusSrv := status.NewServer(cfg.StatusPort, version, client.Connected)
	statusErr := make(chan error, 1)
	go func() { statusErr <- statusSrv.Serve(ctx) }()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		client.Run(ctx)
	}()

	select {
	case err := <-statusErr:
		if err != nil {
			stop()
			<-clientDone
			return fmt.Errorf("status server: %w", err)
		}
	case <-ctx.Done():
	}

	<-clientDone
	slog.Info("agent stopped")
	return nil
}
