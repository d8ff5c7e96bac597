package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/podpilot/podpilot/internal/logging"
)

var version = "0.1.0"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: podpilot [hub|agent|version] [flags]\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "hub":
		if err := runHub(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "agent":
		if err := runAgent(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: podpilot [hub|agent|version] [flags]\n")
		os.Exit(1)
	}
}

// applyLogLevel parses the configured level and installs it globally.
func applyLogLevel(level string) error {
	l, err := logging.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logging.SetLevel(l)
	return nil
}
