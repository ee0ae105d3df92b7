package events

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Handler processes a single event. A returned error is logged and contained;
// it never interrupts delivery to other handlers.
type Handler func(Event) error

// Bus fans decoded events out to registered handlers by event name. Handlers
// are invoked synchronously on the publishing goroutine. Safe for concurrent use.
type Bus struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

// NewBus creates an empty Bus.
func NewBus(log *zap.SugaredLogger) (*Bus, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	return &Bus{
		log:      log,
		handlers: make(map[string]map[uint64]Handler),
	}, nil
}

// Subscription is a registration handle. Unsubscribe is idempotent and must
// be called on teardown so a dead consumer never receives further events.
type Subscription struct {
	bus   *Bus
	id    uint64
	names []string
	once  sync.Once
}

// Unsubscribe removes the subscription's handler from every event name it
// was registered for.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for _, name := range s.names {
			delete(s.bus.handlers[name], s.id)
			if len(s.bus.handlers[name]) == 0 {
				delete(s.bus.handlers, name)
			}
		}
	})
}

// Subscribe registers fn for every given event name and returns the handle
// used to unregister it.
func (b *Bus) Subscribe(fn Handler, names ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	for _, name := range names {
		if b.handlers[name] == nil {
			b.handlers[name] = make(map[uint64]Handler)
		}
		b.handlers[name][id] = fn
	}
	return &Subscription{bus: b, id: id, names: names}
}

// Publish delivers a single event to every handler subscribed to its name.
// Handler errors are logged and swallowed so one failing handler cannot
// break subsequent event delivery.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	fns := make([]Handler, 0, len(b.handlers[e.Name]))
	for _, fn := range b.handlers[e.Name] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		if err := fn(e); err != nil {
			b.log.Errorw("event handler failed",
				"event", e.Name,
				"id", e.DedupID(),
				"block", e.Block,
				"error", err,
			)
		}
	}
}

// PublishBatch delivers events one by one in slice order. Listeners may
// receive several logs in one callback invocation; the bus flattens them.
func (b *Bus) PublishBatch(batch []Event) {
	for _, e := range batch {
		b.Publish(e)
	}
}
