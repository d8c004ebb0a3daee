// Package eventbus carries inbound notifications (sensor readings, commands, actuator
// reports, timer expiry) to their subscribers on a small worker pool.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeSensor   EventType = "sensor"   // a temperature reading changed
	EventTypeMode     EventType = "mode"     // room mode or manual setpoint changed
	EventTypeOverride EventType = "override" // override created, cleared, paused or resumed
	EventTypeFeedback EventType = "feedback" // actuator reported a position
	EventTypeVerify   EventType = "verify"   // actuator verification is due
	EventTypeTimer    EventType = "timer"    // a supervision timer fired
	EventTypeReload   EventType = "reload"   // configuration reload requested
	EventTypeManual   EventType = "manual"   // operator asked for a recompute
	EventTypeHoliday  EventType = "holiday"  // holiday flag changed
)

// Types lists every event type, in the order above.
var Types = []EventType{
	EventTypeSensor,
	EventTypeMode,
	EventTypeOverride,
	EventTypeFeedback,
	EventTypeVerify,
	EventTypeTimer,
	EventTypeReload,
	EventTypeManual,
	EventTypeHoliday,
}

// Default configuration
const (
	DefaultWorkerCount = 2
	DefaultQueueSize   = 100
)

// Event is the single inbound notification type feeding the recompute trigger. Room is
// empty for house-wide events.
type Event struct {
	Type   EventType
	Room   string
	Entity string // sensor entity for sensor events
	At     time.Time
	Value  float64 // sensor value or actuator position, when relevant
}

// Handler is a function that handles events
type Handler func(Event)

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	// Worker pool
	workQueue chan work
	wg        sync.WaitGroup

	// closing is closed before workQueue so publishers never send on a closed channel
	closing   chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}

	// Start worker pool
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes events from the work queue
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Str("room", w.event.Room).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers handler for every event type in Types.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, t := range Types {
		b.Subscribe(t, handler)
	}
}

// Dropped returns how many deliveries were discarded because the queue was full or the
// bus was closing.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish sends an event to all subscribed handlers. It never blocks: when the queue is
// full or the bus is closing the delivery is dropped and counted.
func (b *Bus) Publish(event Event) {
	// the read lock also keeps Close from closing workQueue under us
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[event.Type] {
		select {
		case <-b.closing:
			b.dropped.Add(1)
			log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
			return
		default:
		}

		select {
		case b.workQueue <- work{event: event, handler: handler}:
		default:
			// a dropped sensor event is repaired by the next reading or periodic pass
			b.dropped.Add(1)
			log.Warn().
				Str("event_type", string(event.Type)).
				Str("room", event.Room).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close stops accepting events, lets the workers drain the queue and waits for them
// until ctx expires. Calling Close more than once is safe.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
		b.mu.Lock()
		close(b.workQueue)
		b.mu.Unlock()
	})

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Uint64("dropped", b.dropped.Load()).Msg("Event bus workers stopped")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
