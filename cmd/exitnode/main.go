// main.go - Katzenpost exit endpoint demo binary.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/katzenpost/exitnode/core/log"
	"github.com/katzenpost/exitnode/core/utils"
	"github.com/katzenpost/exitnode/exit"
	"github.com/katzenpost/exitnode/internal/config"
	"github.com/katzenpost/exitnode/internal/metrics"
)

// cliConfig holds the command line configuration.
type cliConfig struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "exitnode",
		Short: "Katzenpost exit endpoint",
		Long: `exitnode runs a standalone Exit Endpoint: the bridge between an overlay
mix network's path-addressed packet world and a kernel TUN interface. It
allocates IPv4 addresses to overlay identities, routes Internet-bound
traffic to and from the corresponding sessions, and answers DNS queries
for the service-nodes it has provisioned.

This binary wires the endpoint to an in-process event loop and TUN device
for demonstration and integration testing; a production router embeds
the exit package directly instead of spawning this binary.`,
		Example: `  # Start with the default config file
  exitnode

  # Start with an explicit config file
  exitnode --config /etc/katzenpost/exit.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "exit.toml",
		"path to the exit endpoint configuration file (TOML format)")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func run(cfg cliConfig) error {
	if !utils.Exists(cfg.ConfigFile) {
		return fmt.Errorf("config file %q does not exist", cfg.ConfigFile)
	}

	exitCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file %q: %w", cfg.ConfigFile, err)
	}

	backend, err := log.New(exitCfg.Logging.File, exitCfg.Logging.Level, exitCfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "exit")

	loop := newDemoLoop()
	router := newDemoRouter()

	ep, err := exit.New(exitCfg, router, loop, m, backend)
	if err != nil {
		return fmt.Errorf("failed to construct exit endpoint: %w", err)
	}

	if exitCfg.Exit.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{
				Addr:     exitCfg.Exit.MetricsAddress,
				Handler:  mux,
				ErrorLog: backend.GetGoLogger("metrics", "ERROR"),
			}
			_ = srv.ListenAndServe()
		}()
	}

	go func() {
		if err := ep.StartDNS(exitCfg.Exit.LocalDNS); err != nil {
			backend.GetLogger("exitnode").Errorf("DNS responder exited: %v", err)
		}
	}()

	loop.run(ep)

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Rotate logs upon SIGHUP, without interrupting the event loop.
	go func() {
		for range rotateCh {
			if err := backend.Rotate(); err != nil {
				backend.GetLogger("exitnode").Errorf("Failed to rotate logs: %v", err)
			}
		}
	}()

	<-haltCh

	loop.stop()
	return nil
}

// demoLoop drives the exit endpoint's Flush/Tick cycle in this
// standalone binary, once a second, in lieu of a real event loop and
// TUN device.
type demoLoop struct {
	ep      *exit.Endpoint
	ticker  *time.Ticker
	stopped chan struct{}
	start   time.Time
}

func newDemoLoop() *demoLoop {
	return &demoLoop{stopped: make(chan struct{}), start: time.Now()}
}

func (l *demoLoop) run(ep *exit.Endpoint) {
	l.ep = ep
	l.ticker = time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case now := <-l.ticker.C:
				l.ep.Flush()
				l.ep.Tick(now)
			case <-l.stopped:
				return
			}
		}
	}()
}

func (l *demoLoop) stop() {
	if l.ticker != nil {
		l.ticker.Stop()
	}
	close(l.stopped)
}
