package main

import (
	"context"
	"flag"
	"log"

	"github.com/carverauto/hearth/pkg/config"
	"github.com/carverauto/hearth/pkg/consumers/statewriter"
	"github.com/carverauto/hearth/pkg/lifecycle"
	"github.com/carverauto/hearth/pkg/logger"
)

func main() {
	configPath := flag.String("config", "/etc/hearth/consumers/state-writer.json", "Path to config file")
	flag.Parse()

	ctx := context.Background()

	var cfg statewriter.StateWriterConfig

	cfgLoader := config.NewConfig(nil)
	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger configuration
	loggerConfig := cfg.Logging
	if loggerConfig == nil {
		loggerConfig = logger.DefaultConfig()
	}

	serviceLogger, err := lifecycle.CreateComponentLogger(ctx, "state-writer", loggerConfig)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	svc, err := statewriter.NewService(ctx, &cfg, serviceLogger)
	if err != nil {
		log.Fatalf("Failed to initialize state writer service: %v", err)
	}

	opts := &lifecycle.ServerOptions{
		ListenAddr:        cfg.ListenAddr,
		ServiceName:       "state-writer",
		Service:           svc,
		EnableHealthCheck: true,
		Security:          cfg.Security,
		Logger:            serviceLogger,
	}

	if err := lifecycle.RunServer(ctx, opts); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
