// Package daemon implements the gpuflow daemon lifecycle: config load,
// engine bring-up, API server, and signal-driven shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/psaab/gpuflow/pkg/api"
	"github.com/psaab/gpuflow/pkg/config"
	"github.com/psaab/gpuflow/pkg/engine"
	"github.com/psaab/gpuflow/pkg/logging"
	"github.com/psaab/gpuflow/pkg/sim"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	APIAddr    string // HTTP API listen address (empty = no API)
	Backend    string // override the config's backend type
}

// Daemon is the main gpuflow daemon.
type Daemon struct {
	opts     Options
	eventBuf *logging.EventBuffer
	mgr      *engine.Manager
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/gpuflow/gpuflow.yaml"
	}
	return &Daemon{
		opts:     opts,
		eventBuf: logging.NewEventBuffer(1000),
	}
}

// newBackends resolves a backend type to its collaborator factories.
// Hardware backends register here as they land.
func newBackends(kind string) (engine.Backends, error) {
	switch kind {
	case "", "sim":
		b := sim.NewBackend()
		return engine.Backends{NIC: b, Accel: b}, nil
	default:
		return engine.Backends{}, fmt.Errorf("unknown backend type %q (valid: sim)", kind)
	}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting gpuflow daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	if d.opts.Backend != "" {
		cfg.Backend = d.opts.Backend
	}

	backends, err := newBackends(cfg.Backend)
	if err != nil {
		return err
	}

	d.mgr = engine.New(backends, d.eventBuf)
	if err := d.mgr.SetConfigAndInitialize(cfg); err != nil {
		return fmt.Errorf("engine initialization: %w", err)
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if d.opts.APIAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:     d.opts.APIAddr,
			Manager:  d.mgr,
			EventBuf: d.eventBuf,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("API server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	stop()
	wg.Wait()

	d.mgr.Shutdown()
	slog.Info("shutdown complete")
	return runErr
}
