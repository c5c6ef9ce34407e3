package connection

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

func notifyKey(service, characteristic string) string {
	return service + "/" + characteristic
}

// IsSubscribed reports whether updates of the characteristic are delivered.
func (c *Connection) IsSubscribed(service, characteristic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[notifyKey(device.NormalizeUUID(service), device.NormalizeUUID(characteristic))]
}

// HandleNotification delivers a value update from the native stack. Updates
// for characteristics without an active subscription are dropped. Delivered
// updates get the next sequence number of this connection and go to the
// publisher and every open Stream.
func (c *Connection) HandleNotification(n device.NotificationData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n.Service = device.NormalizeUUID(n.Service)
	n.Characteristic = device.NormalizeUUID(n.Characteristic)
	if c.state != device.Ready || !c.subscribed[notifyKey(n.Service, n.Characteristic)] {
		c.logger.WithFields(logrus.Fields{
			"peripheral":     c.id,
			"characteristic": n.Characteristic,
		}).Debug("Dropping update for unsubscribed characteristic")
		return false
	}

	c.seq++
	n.Seq = c.seq
	n.Data = append([]byte(nil), n.Data...)
	for _, s := range c.streams {
		s.push(n)
	}
	c.publish(device.Event{Kind: device.EventNotification, Notification: &n})
	return true
}

// Stream opens a pull-style consumer of this connection's notifications.
// capacity <= 0 uses Options.StreamBuffer.
func (c *Connection) Stream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = c.opts.StreamBuffer
	}
	s := newStream(capacity, c.detachStream)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.once.Do(func() { close(s.closed) })
		return s
	}
	c.streams = append(c.streams, s)
	return s
}

func (c *Connection) detachStream(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, open := range c.streams {
		if open == s {
			c.streams = append(c.streams[:i], c.streams[i+1:]...)
			return
		}
	}
}
