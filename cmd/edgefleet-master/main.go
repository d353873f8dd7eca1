// Command edgefleet-master is the central coordinator: it accepts
// agent registrations and heartbeats, dispatches commands, persists
// node/execution/log state, and serves a viewer-facing HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/markus-barta/edgefleet/internal/bus"
	"github.com/markus-barta/edgefleet/internal/fanout"
	"github.com/markus-barta/edgefleet/internal/master"
	"github.com/markus-barta/edgefleet/internal/masterconfig"
	"github.com/markus-barta/edgefleet/internal/masterhttp"
	"github.com/markus-barta/edgefleet/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "edgefleet-master",
		Short: "edgefleet master — coordinates the fleet and serves the viewer API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(cmd.Context())
		},
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edgefleet-master %s\n", version)
		},
	}
}

func runMaster(ctx context.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := masterconfig.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("version", version).Str("broker", cfg.Broker).Str("db", cfg.DatabasePath).Msg("edgefleet master starting")

	db, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	st := store.NewSQLiteStore(db)

	plane := fanout.New()
	defer plane.Stop()

	masterBus := bus.New(bus.Options{
		Broker:   cfg.Broker,
		ClientID: "master-" + uuid.NewString()[:8],
		TLS:      buildTLSConfig(cfg),
		Log:      log,
	})
	if err := masterBus.Connect(); err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer masterBus.Disconnect(250 * time.Millisecond)

	coord := master.New(master.Options{
		Bus:              masterBus,
		Store:            st,
		Plane:            plane,
		Log:              log,
		SecretKey:        cfg.SecretKey,
		LivenessInterval: cfg.LivenessInterval,
		OfflineThreshold: cfg.OfflineThreshold,
	})
	defer coord.Stop()

	httpServer := masterhttp.New(cfg, coord, plane, log)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}

	log.Info().Msg("edgefleet master stopped")
	return nil
}

func buildTLSConfig(cfg *masterconfig.Config) *bus.TLSConfig {
	if cfg.TLSCACert == "" && cfg.TLSClientCert == "" {
		return nil
	}
	return &bus.TLSConfig{
		CACertPath:     cfg.TLSCACert,
		ClientCertPath: cfg.TLSClientCert,
		ClientKeyPath:  cfg.TLSClientKey,
	}
}
