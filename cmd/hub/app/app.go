package app

import (
	"context"
	"errors"

	"github.com/carverauto/hearth/pkg/config"
	"github.com/carverauto/hearth/pkg/hub"
	"github.com/carverauto/hearth/pkg/lifecycle"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/version"
)

// Options contains runtime configuration derived from CLI flags.
type Options struct {
	ConfigPath string
}

// Run boots the hub service using the provided options.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg models.HubConfig

	cfgLoader := config.NewConfig(nil)
	if err := cfgLoader.LoadAndValidate(ctx, opts.ConfigPath, &cfg); err != nil {
		return err
	}

	// Initialize basic logger first (without trace context)
	basicLogger, err := lifecycle.CreateComponentLogger(ctx, "hub-main", cfg.Logging)
	if err != nil {
		return err
	}

	var otelCfg *logger.OTelConfig
	if cfg.Logging != nil {
		otelCfg = &cfg.Logging.OTel
	}

	// Initialize OpenTelemetry tracing with logger
	tp, ctxWithTrace, rootSpan, err := logger.InitializeTracing(ctx, logger.TracingConfig{
		ServiceName:    "hearth-hub",
		ServiceVersion: version.GetVersion(),
		Logger:         basicLogger,
		OTel:           otelCfg,
	})
	if err != nil {
		return err
	}

	ctx = ctxWithTrace

	defer func() {
		if err = tp.Shutdown(context.Background()); err != nil {
			basicLogger.Error().Err(err).Msg("Error shutting down tracer provider")
		}

		rootSpan.End()
	}()

	// Create trace-aware logger (this will have trace_id and span_id)
	mainLogger, err := lifecycle.CreateComponentLogger(ctx, "hub-main", cfg.Logging)
	if err != nil {
		return err
	}

	if cfg.Logging != nil {
		if _, metricsErr := logger.InitializeMetrics(ctx, logger.MetricsConfig{
			ServiceName:    "hearth-hub",
			ServiceVersion: version.GetVersion(),
			OTel:           &cfg.Logging.OTel,
		}); metricsErr != nil && !errors.Is(metricsErr, logger.ErrOTelMetricsDisabled) {
			return metricsErr
		}
	}

	defer func() {
		if shutdownErr := lifecycle.ShutdownLogger(); shutdownErr != nil {
			mainLogger.Error().Err(shutdownErr).Msg("Error shutting down logger")
		}
	}()

	server, err := hub.NewServer(&cfg, mainLogger)
	if err != nil {
		return err
	}

	mainLogger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("version", version.GetFullVersion()).
		Msg("Starting Hearth hub")

	// The hub serves its own HTTP API, including GET /healthz, on ListenAddr,
	// so the lifecycle health listener stays off.
	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName: "hearth-hub",
		Service:     server,
		Security:    cfg.Security,
		Logger:      mainLogger,
	})
}
