/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle provides shared daemon plumbing: signal handling, a
// health endpoint, and coordinated startup/shutdown of a Service.
package lifecycle

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	healthReadTimeout      = 5 * time.Second
)

var errFailedToParseHealthCA = errors.New("failed to parse health listener CA certificate")

// Service is a long-running component managed by RunServer. Start may either
// block until the service exits or return nil once background work is
// running; Stop must be safe to call after either.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServerOptions configures RunServer.
type ServerOptions struct {
	// ListenAddr is the address for the health endpoint. Ignored unless
	// EnableHealthCheck is set.
	ListenAddr        string
	ServiceName       string
	Service           Service
	EnableHealthCheck bool
	Security          *models.SecurityConfig
	// ShutdownTimeout bounds Service.Stop. Zero means 30s.
	ShutdownTimeout time.Duration
	// Logger receives lifecycle events. Nil falls back to the package logger.
	Logger logger.Logger
}

// RunServer runs the service until SIGINT/SIGTERM or a fatal service error,
// then stops it within the shutdown timeout.
func RunServer(ctx context.Context, opts *ServerOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := opts.Logger
	if log == nil {
		var err error

		log, err = CreateComponentLogger(ctx, "lifecycle", nil)
		if err != nil {
			return fmt.Errorf("failed to create lifecycle logger: %w", err)
		}
	}

	healthSrv, err := startHealthServer(opts, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- opts.Service.Start(ctx)
	}()

	log.Info().Str("service", opts.ServiceName).Msg("Service starting")

	var runErr error

wait:
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("service", opts.ServiceName).Msg("Shutdown signal received")
			break wait
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("service", opts.ServiceName).Msg("Service failed")
				runErr = err

				break wait
			}
			// Start returned cleanly; keep serving until a signal arrives.
		}
	}

	stopTimeout := opts.ShutdownTimeout
	if stopTimeout == 0 {
		stopTimeout = defaultShutdownTimeout
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	if healthSrv != nil {
		if err := healthSrv.Shutdown(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Health endpoint shutdown failed")
		}
	}

	if err := opts.Service.Stop(stopCtx); err != nil {
		log.Error().Err(err).Str("service", opts.ServiceName).Msg("Service stop failed")

		if runErr == nil {
			runErr = err
		}
	}

	log.Info().Str("service", opts.ServiceName).Msg("Service stopped")

	return runErr
}

// startHealthServer exposes GET /healthz on ListenAddr when enabled. With an
// mtls SecurityConfig the listener requires client certificates.
func startHealthServer(opts *ServerOptions, log logger.Logger) (*http.Server, error) {
	if !opts.EnableHealthCheck || opts.ListenAddr == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, opts.ServiceName)
	})

	srv := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: healthReadTimeout,
	}

	useTLS := opts.Security != nil && opts.Security.Mode == models.SecurityModeMTLS
	if useTLS {
		tlsConfig, err := healthTLSConfig(opts.Security)
		if err != nil {
			return nil, err
		}

		srv.TLSConfig = tlsConfig
	}

	go func() {
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listen_addr", opts.ListenAddr).Msg("Health endpoint failed")
		}
	}()

	log.Info().Str("listen_addr", opts.ListenAddr).Bool("tls", useTLS).Msg("Health endpoint listening")

	return srv, nil
}

func healthTLSConfig(sec *models.SecurityConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(sec.TLS.CertFile, sec.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load health listener certificate: %w", err)
	}

	caPEM, err := os.ReadFile(sec.TLS.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read health listener client CA: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errFailedToParseHealthCA
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
