// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// gardend runs the garden client engine behind a local HTTP API for the UI.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/config"
	"github.com/efchatnet/efgarden/client/integration"
	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/storage/badgerstore"
)

const shutdownTimeout = 10 * time.Second

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "gardend",
		Short: "Garden end-to-end encrypted messaging client",
		Long: `gardend keeps encrypted channel history on this device, holds the
group keys needed to read it and maintains live connections to the garden
backend. A local HTTP API serves the UI.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to the configuration file (GARDEN_* environment variables override it)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Create the device identity key and print its public half",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return keygen(cmd, cfg)
		},
	})

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := integration.Open(cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer engine.Close()
	engine.Start(ctx)

	router := mux.NewRouter()
	engine.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local API listening", zap.String("addr", cfg.API.Listen), zap.String("user_id", cfg.UserID))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("local API failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func keygen(cmd *cobra.Command, cfg config.Config) error {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return err
	}
	vault, err := badgerstore.Open(filepath.Join(cfg.DataDir, integration.VaultDir), passphrase, nil)
	if err != nil {
		return err
	}
	defer vault.Close()

	public, created, err := integration.EnsureIdentity(vault)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintln(cmd.ErrOrStderr(), "identity already exists")
	}
	fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(public))
	return nil
}
