// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"axonflow/modelrouter/routing/api"
	"axonflow/modelrouter/shared/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the routing HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), loadSettings(), logger.New("modelrouter"))
		},
	}
}

func newRouter(c *components, s settings) http.Handler {
	r := mux.NewRouter()
	api.NewHandler(c.engine, c.flags, c.kv, c.log.Named("api")).RegisterRoutes(r)
	r.Handle("/metrics", promhttp.HandlerFor(c.metrics, promhttp.HandlerOpts{})).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: s.AllowedOrigin,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Tenant-ID", "X-Request-ID", "X-User-ID", "Authorization"},
	})
	return corsHandler.Handler(r)
}

func serve(ctx context.Context, s settings, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("", "", "starting model router", map[string]interface{}{"version": version})

	c, err := wire(ctx, s, log)
	if err != nil {
		return err
	}
	defer c.close(context.Background())

	if c.file != nil {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		defer signal.Stop(reload)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-reload:
					// Reload logs its own failure and keeps the old snapshot.
					_ = c.file.Reload(ctx)
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           newRouter(c, s),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "model router listening", map[string]interface{}{"port": s.Port})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
