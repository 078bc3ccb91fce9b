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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/disburse/api"
	"github.com/blnkfinance/disburse/config"
	trace "github.com/blnkfinance/disburse/internal/traces"
	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const certStoragePath = "./certmagic"

// tlsServer builds an HTTPS server whose certificates CertMagic obtains and renews.
func tlsServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: certStoragePath}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}, nil
}

func initializeRouter(d *disburseInstance) (*gin.Engine, error) {
	a := api.NewAPI(d.disburse, d.gateway)
	if a == nil {
		return nil, errors.New("api could not be created: configuration is not loaded")
	}
	return a.Router(), nil
}

func initializeObservability(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// startServer serves until ctx is cancelled, then drains in-flight requests. A
// disbursement in flight keeps running after its client disconnects, so the drain
// window covers the lock TTL.
func startServer(ctx context.Context, router *gin.Engine, cfg *config.Configuration) error {
	var server *http.Server
	if cfg.Server.SSL {
		s, err := tlsServer(ctx, router, cfg.Server)
		if err != nil {
			return err
		}
		server = s
	} else {
		server = &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s (tls=%t)", server.Addr, cfg.Server.SSL)
		var err error
		if cfg.Server.SSL {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	drain := cfg.Disbursement.LockTTL()
	if drain <= 0 {
		drain = time.Minute
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	log.Println("Shutting down server")
	return server.Shutdown(shutdownCtx)
}

func serverCommands(d *disburseInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start disburse server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			router, err := initializeRouter(d)
			if err != nil {
				log.Fatal(err)
			}

			shutdown, err := initializeObservability(ctx, d.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if err := startServer(ctx, router, d.cnf); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
