// gpuflowd is the gpuflow datapath daemon.
//
// It programs NIC flow steering, builds accelerator-resident packet
// buffers and runs the worker loops that bridge hardware queues to the
// application-facing burst API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/gpuflow/pkg/daemon"
)

func main() {
	configFile := flag.String("config", "/etc/gpuflow/gpuflow.yaml", "configuration file path")
	apiAddr := flag.String("api-addr", "127.0.0.1:8080", "HTTP API listen address (empty to disable)")
	backend := flag.String("backend", "", "override the config's backend type (e.g. sim)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		Backend:    *backend,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "gpuflowd: %v\n", err)
		os.Exit(1)
	}
}
