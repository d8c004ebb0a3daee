package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/config"
)

// Options are command line switches that change how services are built.
type Options struct {
	// Simulate forces the simulated house regardless of devices.backend.
	Simulate bool
}

// App is the main application container that manages all services and their lifecycle.
type App struct {
	holder   *config.Holder
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new App instance with all services initialized but not started. path is
// re-read on reload.
func New(path string, cfg *config.Config, opts Options) (*App, error) {
	holder := config.NewHolder(path, cfg)
	services, err := NewServices(holder, opts)
	if err != nil {
		return nil, err
	}

	return &App{
		holder:   holder,
		services: services,
	}, nil
}

// Start initializes and starts all services.
// The provided context is used for cancellation.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	// Fatal error handler - cancels the app context to trigger shutdown
	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	go watchReload(a.ctx, a.services.RequestReload)

	log.Info().Int("rooms", len(a.holder.Current().Rooms)).Msg("heatd started")
	return nil
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the application context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// ResetState drops persisted room modes, holiday flag, boiler snapshot and overrides.
// Used by the --reset-state flag before Start.
func (a *App) ResetState() error {
	if a.services != nil {
		return a.services.ResetState()
	}
	return nil
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}

// watchReload calls reload on every SIGHUP until ctx is done.
func watchReload(ctx context.Context, reload func()) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			reload()
		}
	}
}
