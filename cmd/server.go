/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/blnkfinance/escrow/api"
	"github.com/blnkfinance/escrow/config"
	trace "github.com/blnkfinance/escrow/internal/traces"
	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

/*
serveTLS starts an HTTPS server using CertMagic for automatic certificate
management. Without a domain it falls back to localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// sendHeartbeat reports liveness to PostHog every five minutes.
func sendHeartbeat(client posthog.Client, heartbeatID string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "server_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				logrus.WithError(err).Warn("failed to send heartbeat")
			}
		}
	}()
}

func initializeRouter(app *escrowInstance) (*gin.Engine, error) {
	a := api.NewAPI(app.escrow)
	if a == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return a.Router(), nil
}

func initializeTracing(ctx context.Context, cfg *config.Configuration, service string) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, service, trace.Options{Endpoint: cfg.Telemetry.OtlpEndpoint})
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	logrus.AddHook(trace.NewLogHook(service))
	return shutdown, nil
}

func initializePostHog(cfg *config.Configuration) posthog.Client {
	if cfg.Telemetry.PosthogKey == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(cfg.Telemetry.PosthogKey, posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		logrus.WithError(err).Warn("posthog disabled")
		return nil
	}
	sendHeartbeat(client, uuid.New().String())
	return client
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// initializeObservability turns on tracing and telemetry when enabled. The
// returned shutdown is never nil.
func initializeObservability(ctx context.Context, cfg *config.Configuration, service string) (posthog.Client, func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx, cfg, service)
	if err != nil {
		return nil, nil, err
	}
	return initializePostHog(cfg), shutdown, nil
}

// serverCommands returns the command that serves the HTTP API.
func serverCommands(app *escrowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start escrow server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			phClient, shutdown, err := initializeObservability(ctx, cfg, "ESCROW")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			router, err := initializeRouter(app)
			if err != nil {
				log.Fatal(err)
			}

			if err := startServer(router, cfg.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
