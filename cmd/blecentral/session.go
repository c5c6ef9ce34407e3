package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	goble "github.com/srg/blecentral/internal/device/go-ble"
	"github.com/srg/blecentral/internal/store"
	"github.com/srg/blecentral/pkg/central"
	"github.com/srg/blecentral/pkg/config"
)

// newNative creates the native BLE stack (can be overridden in tests)
var newNative = func(logger *logrus.Logger) device.Native {
	return goble.NewAdapter(logger, goble.DefaultEventBuffer)
}

// session is one started central manager plus the resources it owns.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	native  device.Native
	cache   *store.Store
	manager *central.Manager
}

// openSession starts a manager on the native stack. The cache is opened when
// cfg.CachePath is set. Close must be called on success.
func openSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*session, error) {
	s := &session{cfg: cfg, logger: logger, native: newNative(logger)}

	if cfg.CachePath != "" {
		cache, err := store.Open(cfg.CachePath, logger)
		if err != nil {
			s.closeNative()
			return nil, err
		}
		s.cache = cache
	}

	s.manager = central.New(s.native, central.Options{
		Connection: cfg.ConnectionOptions(),
		Cache:      s.cache,
		Logger:     logger,
	})
	if err := s.manager.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close disconnects every peripheral within the disconnect timeout and
// releases the stack and the cache.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
	defer cancel()
	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			s.logger.WithError(err).Warn("Session close failed")
		}
	}
	s.closeNative()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.WithError(err).Warn("Cache close failed")
		}
	}
}

func (s *session) closeNative() {
	if c, ok := s.native.(io.Closer); ok {
		_ = c.Close()
	}
}

// commandContext returns the command context cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
