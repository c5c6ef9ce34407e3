package connection

import (
	"context"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

// Manager is the registry of connections, one per peripheral.
type Manager struct {
	native device.Native
	bus    Publisher
	radio  RadioSource
	opts   Options
	logger *logrus.Logger

	mu    sync.Mutex // serializes Open and Remove
	conns *hashmap.Map[device.PeripheralID, *Connection]
}

// NewManager creates an empty registry. bus and radio may be nil.
func NewManager(native device.Native, bus Publisher, radio RadioSource, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		native: native,
		bus:    bus,
		radio:  radio,
		opts:   opts.withDefaults(),
		logger: logger,
		conns:  hashmap.New[device.PeripheralID, *Connection](),
	}
}

// Options returns the options every connection is created with.
func (m *Manager) Options() Options {
	return m.opts
}

// Get returns the connection of a peripheral, if one was opened.
func (m *Manager) Get(id device.PeripheralID) (*Connection, bool) {
	return m.conns.Get(id)
}

// Open returns the connection of a peripheral, creating it Disconnected if
// needed.
func (m *Manager) Open(id device.PeripheralID) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns.Get(id); ok {
		return c
	}
	c := newConnection(id, m.native, m.bus, m.radio, m.opts, m.logger)
	m.conns.Set(id, c)
	m.logger.WithField("peripheral", id).Debug("Connection opened")
	return c
}

// Connected lists the connections that are not Disconnected, ordered by
// peripheral. With service UUIDs given, only Ready connections whose catalog
// holds at least one of them are listed.
func (m *Manager) Connected(serviceUUIDs ...string) []*Connection {
	services := device.NormalizeUUIDs(serviceUUIDs)
	var out []*Connection
	m.conns.Range(func(_ device.PeripheralID, c *Connection) bool {
		if c.State() == device.Disconnected {
			return true
		}
		if len(services) > 0 && !hasAnyService(c, services) {
			return true
		}
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func hasAnyService(c *Connection, services []string) bool {
	catalog := c.Catalog()
	if catalog == nil {
		return false
	}
	for _, s := range services {
		if _, err := catalog.Service(s); err == nil {
			return true
		}
	}
	return false
}

// IsConnected reports whether the link to the peripheral is up.
func (m *Manager) IsConnected(id device.PeripheralID) bool {
	c, ok := m.conns.Get(id)
	if !ok {
		return false
	}
	switch c.State() {
	case device.Connected, device.DiscoveringServices, device.Ready:
		return true
	}
	return false
}

// Remove drops a Disconnected peripheral from the registry. Removing an
// unknown peripheral is a no-op.
func (m *Manager) Remove(id device.PeripheralID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns.Get(id)
	if !ok {
		return nil
	}
	if st := c.State(); st != device.Disconnected {
		return &device.StateError{Op: "remove", State: st}
	}
	m.conns.Del(id)
	c.Close()
	m.logger.WithField("peripheral", id).Debug("Connection removed")
	return nil
}

// HandleEvent routes a native per-peripheral event to its connection.
func (m *Manager) HandleEvent(ev device.Event) {
	c, ok := m.conns.Get(ev.Peripheral)
	if !ok {
		m.logger.WithFields(logrus.Fields{"peripheral": ev.Peripheral, "kind": ev.Kind}).Debug("Event for unknown peripheral")
		return
	}
	switch ev.Kind {
	case device.EventDisconnect:
		c.HandleDisconnect(ev.Reason)
	case device.EventNotification:
		if ev.Notification != nil {
			c.HandleNotification(*ev.Notification)
		}
	}
}

// HandleRadioChange drops every connection when the radio leaves On.
func (m *Manager) HandleRadioChange(_, next device.RadioState) {
	if next == device.RadioOn {
		return
	}
	m.conns.Range(func(_ device.PeripheralID, c *Connection) bool {
		c.HandleRadioOff(next)
		return true
	})
}

// Close disconnects every connection, waiting until ctx ends, and stops
// their actors.
func (m *Manager) Close(ctx context.Context) {
	var conns []*Connection
	m.conns.Range(func(_ device.PeripheralID, c *Connection) bool {
		conns = append(conns, c)
		return true
	})
	for _, c := range conns {
		if _, err := c.Disconnect().Await(ctx); err != nil {
			m.logger.WithError(err).WithField("peripheral", c.id).Warn("Disconnect did not finish before shutdown")
		}
	}
	for _, c := range conns {
		m.conns.Del(c.id)
		c.Close()
	}
}
