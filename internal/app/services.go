package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/clock"
	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/db"
	"github.com/dokzlo13/heatd/internal/engine"
	"github.com/dokzlo13/heatd/internal/eventbus"
	"github.com/dokzlo13/heatd/internal/ledger"
	"github.com/dokzlo13/heatd/internal/script"
	"github.com/dokzlo13/heatd/internal/status"
	"github.com/dokzlo13/heatd/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	holder *config.Holder
	clock  clock.Clock

	// Core infrastructure
	DB        *db.DB
	Store     *storage.Store
	Overrides *storage.SQLiteOverrides
	Journal   *ledger.Ledger
	Bus       *eventbus.Bus

	// Collaborators of the engine
	Devices   *DeviceService
	Publisher status.Publisher
	Holiday   *script.HolidayHook

	// High-level services
	Engine *engine.Engine
	API    *APIService

	wg sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
func NewServices(holder *config.Holder, opts Options) (*Services, error) {
	cfg := holder.Current()
	s := &Services{holder: holder, clock: clock.Real()}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database
	s.Store = storage.NewStore(database.DB)
	s.Overrides = storage.NewSQLiteOverrides(database.DB)
	s.Journal = ledger.New(database.DB)

	s.Bus = eventbus.NewWithConfig(cfg.Engine.EventWorkers, cfg.Engine.EventQueueSize)

	s.Devices, err = NewDeviceService(cfg, opts, s.clock, s.Bus)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Publisher = status.NopPublisher{}
	if cfg.MQTT.Enabled {
		pub, err := status.NewMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Publisher = pub
	}

	deps := engine.Deps{
		Config:    holder,
		Clock:     s.clock,
		Sensors:   s.Devices.Sensors,
		Actuators: s.Devices.Actuators,
		Heat:      s.Devices.Heat,
		Overrides: s.Overrides,
		Store:     s.Store,
		Publisher: s.Publisher,
		Journal:   s.Journal,
	}

	if cfg.Script.Holiday != "" {
		s.Holiday, err = script.Load(cfg.Script.Holiday)
		if err != nil {
			s.Close()
			return nil, err
		}
		deps.Holiday = s.Holiday
		log.Info().Str("script", cfg.Script.Holiday).Msg("Holiday hook loaded")
	}

	s.Engine = engine.New(deps)
	s.Engine.Attach(s.Bus)

	s.API = NewAPIService(cfg, s.Engine)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g. the API port is taken).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Lock actuator setpoints and restore persisted state before the first pass
	if err := s.Engine.Start(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Engine.Run(ctx); err != nil {
			onFatalError(err)
		}
	}()

	s.Devices.Start(ctx, &s.wg)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pruneJournal(ctx)
	}()
	s.API.Start(ctx, onFatalError)

	return nil
}

// journalPruneInterval is how often old journal entries are removed.
const journalPruneInterval = 24 * time.Hour

// pruneJournal removes expired journal entries now and then once per interval until ctx
// is cancelled.
func (s *Services) pruneJournal(ctx context.Context) {
	prune := func() {
		retention := s.holder.Current().Database.JournalRetention.Duration()
		removed, err := s.Journal.DeleteOlderThan(s.clock.Now(), retention)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune journal")
			return
		}
		if removed > 0 {
			log.Info().Int64("removed", removed).Dur("retention", retention).Msg("Pruned journal")
		}
	}

	prune()
	ticker := s.clock.NewTicker(journalPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// RequestReload queues a configuration reload through the event bus.
func (s *Services) RequestReload() {
	s.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeReload, At: s.clock.Now()})
}

// ResetState clears all persisted runtime state.
func (s *Services) ResetState() error {
	return s.DB.Reset()
}

// Stop waits for the engine loop, persists the supervisor and releases everything.
func (s *Services) Stop() error {
	s.wg.Wait()
	if s.Engine != nil {
		s.Engine.Stop()
	}
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.holder.Current().ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close status publisher")
		}
	}
	if s.Devices != nil {
		s.Devices.Close()
	}
	if s.Holiday != nil {
		s.Holiday.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
