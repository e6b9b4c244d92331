// Command edgerm-agent runs one cluster agent: it derives a stable id,
// samples the host's available resources, and pings the master at its
// configured rate, running whatever task the master dispatches back.
// Flags mirror agent/python/agent.py's CLI (--host required and
// DNS-resolved, --port default 5683). Unlike the python original, main
// is invoked exactly once — the original calls it twice at the bottom of
// agent.py, which is a bug, not a feature (spec.md §9).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edgerm/edgerm/internal/agentloop"
	"github.com/edgerm/edgerm/internal/hostprobe"
	"github.com/edgerm/edgerm/internal/runtime"
	"github.com/edgerm/edgerm/internal/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edgerm-agent:", err)
		os.Exit(1)
	}
}

var (
	host string
	port int
)

var rootCmd = &cobra.Command{
	Use:   "edgerm-agent",
	Short: "Run an edgerm cluster agent",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&host, "host", "", "master address to ping; DNS-resolved if not already an IP")
	rootCmd.Flags().IntVar(&port, "port", 5683, "UDP port the master's protocol listener is bound to")
	_ = rootCmd.MarkFlagRequired("host")
}

func run(cmd *cobra.Command, args []string) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "agent").Logger()

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("get hostname: %w", err)
	}
	id, err := agentloop.DeriveID(hostname)
	if err != nil {
		return fmt.Errorf("derive agent id: %w", err)
	}

	resolved := agentloop.ResolveHost(host)
	masterAddr := fmt.Sprintf("%s:%d", resolved, port)
	client, err := transport.NewClient(masterAddr)
	if err != nil {
		return fmt.Errorf("dial master %s: %w", masterAddr, err)
	}

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}

	probe := hostprobe.NewGopsutilProbe()
	agent := agentloop.New(id, hostname, client, probe, rt, 0, log)

	log.Info().Str("id", id).Str("master", masterAddr).Msg("agent: starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent.Run(ctx)
	log.Info().Msg("agent: shutting down")
	return nil
}
