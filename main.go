package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensrp/fhir-gateway/cmd"
	"github.com/opensrp/fhir-gateway/lib/logging"
	"github.com/spf13/pflag"
)

func main() {
	configFile := pflag.String("config", "", "Path to a configuration file. Defaults to config/gateway.yml when present.")
	logLevel := pflag.String("loglevel", "", "Console log level (debug, info, warn, error). Overrides the configured level.")
	pflag.Parse()

	config, err := cmd.LoadConfig(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", logging.Error(err))
		os.Exit(1)
	}
	if *logLevel != "" {
		config.Tracing.LogLevel = *logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Start(ctx, config); err != nil {
		slog.Error("Failed to start application", logging.Error(err))
		os.Exit(1)
	}
}
