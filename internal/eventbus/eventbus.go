// Package eventbus delivers session events to subscribers. Each subscription
// owns an unbounded FIFO mailbox drained by its own goroutine, so a slow
// handler delays only itself and per-subscription order matches publish order.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

// Handler receives published events.
type Handler func(device.Event)

// Bus fans published events out to subscriptions.
type Bus struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New creates an empty bus.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscription is a registered handler. Release it to stop delivery.
type Subscription struct {
	bus     *Bus
	id      uint64
	kind    device.EventKind // empty matches every kind
	handler Handler

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []device.Event
	released bool

	once     sync.Once
	done     chan struct{}
	delivery atomic.Uint64 // goroutine id of the delivery loop
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind device.EventKind, h Handler) *Subscription {
	return b.subscribe(kind, h)
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(kind device.EventKind, h Handler) *Subscription {
	s := &Subscription{
		bus:     b,
		kind:    kind,
		handler: h,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.released = true
		s.once.Do(func() {})
		close(s.done)
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	b.mu.Unlock()

	name := "eventbus-all"
	if kind != "" {
		name = "eventbus-" + string(kind)
	}
	groutine.Go(context.Background(), name, func(context.Context) {
		s.run()
	})

	b.logger.WithField("kind", kind).Debug("Subscription added")
	return s
}

// Publish enqueues the event on every matching subscription. It never blocks
// on handlers.
func (b *Bus) Publish(ev device.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kind == "" || s.kind == ev.Kind {
			s.enqueue(ev)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Release()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (s *Subscription) enqueue(ev device.Event) {
	s.mu.Lock()
	if !s.released {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) run() {
	defer close(s.done)
	s.delivery.Store(groutine.ID())

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.released {
			s.cond.Wait()
		}
		if s.released {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = device.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *Subscription) deliver(ev device.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.WithFields(logrus.Fields{
				"kind":  ev.Kind,
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	s.handler(ev)
}

// Release stops delivery and drops undelivered events. It returns after an
// in-flight handler call has finished, except when called from the handler
// itself. Only the first call has an effect.
func (s *Subscription) Release() {
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		s.queue = nil
		s.cond.Signal()
		s.mu.Unlock()
		s.bus.remove(s.id)
	})

	if groutine.ID() == s.delivery.Load() {
		return
	}
	<-s.done
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
