// internal/events/bus.go
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// Type identifies an event on the stream.
type Type string

const (
	TypeLog          Type = "log"
	TypeStatsUpdate  Type = "statsUpdate"
	TypeTaskResolved Type = "taskResolved"
	TypeRunComplete  Type = "runComplete"
)

// Level is the severity of a log event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogPayload is the payload of a TypeLog event.
type LogPayload struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

// Event is the envelope delivered to subscribers. Payload is one of
// LogPayload, schemas.Stats or *schemas.RegistrationTask.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      Type        `json:"type"`
	Payload   interface{} `json:"payload"`
}

// Bus fans events out to subscribers. Delivery is best-effort: with no
// subscribers an event is dropped, and a subscriber whose buffer is full
// misses it. Publish never blocks.
type Bus struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	subs       map[chan Event]map[Type]struct{}
	bufferSize int
	closed     bool
	dropped    atomic.Uint64
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:     logger.Named("event_bus"),
		subs:       make(map[chan Event]map[Type]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe returns a channel receiving the given types (all types when none
// are given) and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	filter := make(map[Type]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	b.subs[ch] = filter

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to every interested subscriber without blocking.
func (b *Bus) Publish(t Type, payload interface{}) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for ch, filter := range b.subs {
		if len(filter) > 0 {
			if _, ok := filter[t]; !ok {
				continue
			}
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Subscriber buffer full, dropping event.", zap.String("type", string(t)))
		}
	}
}

// Log publishes a TypeLog event.
func (b *Bus) Log(level Level, text string) {
	b.Publish(TypeLog, LogPayload{Level: level, Text: text})
}

// StatsUpdated publishes a TypeStatsUpdate event.
func (b *Bus) StatsUpdated(stats schemas.Stats) {
	b.Publish(TypeStatsUpdate, stats)
}

// TaskResolved publishes a TypeTaskResolved event with a copy of the task.
func (b *Bus) TaskResolved(task *schemas.RegistrationTask) {
	b.Publish(TypeTaskResolved, task.Clone())
}

// RunComplete publishes a TypeRunComplete event.
func (b *Bus) RunComplete(stats schemas.Stats) {
	b.Publish(TypeRunComplete, stats)
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Event]map[Type]struct{})
	b.logger.Debug("Event bus shut down.")
}
