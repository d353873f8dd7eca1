// Command edgefleet-agent is the edge-node runtime: it registers with
// a master over the bus, heartbeats, and executes dispatched commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/markus-barta/edgefleet/internal/agent"
	"github.com/markus-barta/edgefleet/internal/agentconfig"
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
		Use:   "edgefleet-agent",
		Short: "edgefleet agent — registers with a master and runs dispatched commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
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
			fmt.Printf("edgefleet-agent %s\n", version)
		},
	}
}

func runAgent(ctx context.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := agentconfig.LoadFromEnv()
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

	log.Info().Str("version", version).Str("broker", cfg.Broker).Str("node_name", cfg.NodeName).Msg("edgefleet agent starting")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := agent.New(cfg, log)
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("agent stopped with error: %w", err)
	}
	return nil
}
