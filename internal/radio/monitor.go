// Package radio tracks the host radio state and fans transitions out to
// observers in the order the hardware reported them.
package radio

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

// Observer is called with the previous and the new radio state.
type Observer func(prev, next device.RadioState)

// Monitor holds the current radio state. Update is called by the event
// dispatcher only; Current may be called from any goroutine.
type Monitor struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	state     device.RadioState
	observers map[uint64]Observer
	order     []uint64
	nextID    uint64
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(initial device.RadioState, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		logger:    logger,
		state:     initial,
		observers: make(map[uint64]Observer),
	}
}

// Current returns the last reported radio state.
func (m *Monitor) Current() device.RadioState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Require returns a RadioError unless the radio is on.
func (m *Monitor) Require() error {
	if state := m.Current(); state != device.RadioOn {
		return &device.RadioError{State: state}
	}
	return nil
}

// OnStateChange registers an observer. The returned release function removes
// it; calling release more than once has no effect.
func (m *Monitor) OnStateChange(fn Observer) (release func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.observers, id)
			for i, oid := range m.order {
				if oid == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Update records a new state and notifies observers synchronously, in
// registration order. It reports whether the state changed.
func (m *Monitor) Update(next device.RadioState) bool {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return false
	}
	m.state = next
	observers := make([]Observer, 0, len(m.order))
	for _, id := range m.order {
		observers = append(observers, m.observers[id])
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   next,
	}).Info("Radio state changed")

	for _, fn := range observers {
		fn(prev, next)
	}
	return true
}
