// Command edgerm-master runs the cluster's control plane: it listens for
// agent pings and framework offer/task requests over UDP, and serves a
// read-only JSON projection of its state over HTTP. Flags mirror
// master/python/master.py's CLI (--host required, --port default 5683,
// --api-port default 8080).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edgerm/edgerm/internal/master"
	"github.com/edgerm/edgerm/internal/store"
	"github.com/edgerm/edgerm/internal/transport"
)

const reapInterval = 5 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edgerm-master:", err)
		os.Exit(1)
	}
}

var (
	host    string
	port    int
	apiPort int
)

var rootCmd = &cobra.Command{
	Use:   "edgerm-master",
	Short: "Run the edgerm cluster master",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&host, "host", "", "address to bind the UDP protocol listener on")
	rootCmd.Flags().IntVar(&port, "port", 5683, "UDP port for the ping/request/task protocol")
	rootCmd.Flags().IntVar(&apiPort, "api-port", 8080, "TCP port for the read-only HTTP JSON API")
	_ = rootCmd.MarkFlagRequired("host")
}

func run(cmd *cobra.Command, args []string) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "master").Logger()

	s := store.New(nil)
	m := master.New(s, log)

	udpAddr := fmt.Sprintf("%s:%d", host, port)
	srv, err := transport.Listen(udpAddr, log)
	if err != nil {
		// A bind failure is a fatal startup condition per spec.md §7.
		return fmt.Errorf("bind udp listener: %w", err)
	}
	log.Info().Str("addr", udpAddr).Msg("master: listening for agent/framework traffic")

	httpAddr := fmt.Sprintf("%s:%d", host, apiPort)
	httpSrv := &http.Server{Addr: httpAddr, Handler: master.NewAPI(m)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := master.NewReaper(s, log)
	go reaper.Run(ctx, reapInterval)

	go func() {
		log.Info().Str("addr", httpAddr).Msg("master: serving read-only HTTP API")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("master: http api stopped")
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, m.HandleEnvelope) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("master: shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("master: protocol listener stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = srv.Close()
	return nil
}
