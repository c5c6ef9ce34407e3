package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/gatt"
	"github.com/srg/blecentral/pkg/config"
	"github.com/srg/blecentral/pkg/connection"
)

const deviceAddressNote = `Peripheral addresses are MAC addresses on Linux and CoreBluetooth UUIDs on
macOS; use "blecentral scan" to find them.`

// link is a connected peripheral inside its own session.
type link struct {
	*session
	conn    *connection.Connection
	catalog *gatt.Catalog
}

// connectPeripheral opens a session, connects to the peripheral and waits for
// its catalog. The returned link must be closed.
func connectPeripheral(ctx context.Context, cfg *config.Config, logger *logrus.Logger, address string, progress *ProgressPrinter) (*link, error) {
	if address == "" {
		return nil, fmt.Errorf("peripheral address is required")
	}

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	id := device.PeripheralID(address)
	sub := sess.manager.Subscribe(device.EventConnectionState, func(ev device.Event) {
		if ev.Peripheral != id {
			return
		}
		switch ev.State {
		case device.Connecting:
			progress.SetPhase("Connecting")
		case device.DiscoveringServices:
			progress.SetPhase("Discovering services")
		}
	})
	defer sub.Release()

	conn, catalog, err := sess.manager.Connect(ctx, id)
	if err != nil {
		sess.Close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"peripheral": id,
		"services":   catalog.Len(),
	}).Debug("Peripheral connected")
	return &link{session: sess, conn: conn, catalog: catalog}, nil
}

// Close disconnects and closes the session.
func (l *link) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DisconnectTimeout)
	defer cancel()
	if _, err := l.conn.Disconnect().Await(ctx); err != nil {
		l.logger.WithError(err).Debug("Disconnect failed")
	}
	l.session.Close()
}
