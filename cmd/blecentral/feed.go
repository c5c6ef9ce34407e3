package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/feed"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/central"
)

const feedShutdownTimeout = 5 * time.Second

type feedFlags struct {
	addr     string
	scan     bool
	services []string
	connect  []string
}

func newFeedCmd() *cobra.Command {
	f := &feedFlags{}
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Serve session events over WebSocket",
		Long: `Starts a session and streams every event (discoveries, scan stops,
connection state changes, radio changes and notifications) as JSON to
WebSocket clients on /events. Clients may pass ?kind=discover,notification
to receive only some kinds. /peripherals returns the current scan results.

Examples:
  # Scan continuously and stream discoveries
  blecentral feed --scan

  # Stream heart rate notifications of one peripheral
  blecentral feed --connect AA:BB:CC:DD:EE:FF --addr 0.0.0.0:8765`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFeed(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address; default from config")
	cmd.Flags().BoolVar(&f.scan, "scan", false, "Scan until interrupted")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Service UUID filter for --scan")
	cmd.Flags().StringSliceVar(&f.connect, "connect", nil, "Connect to these peripherals and enable every notification")
	return cmd
}

func runFeed(cmd *cobra.Command, f *feedFlags) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr := f.addr
	if addr == "" {
		addr = cfg.FeedAddr
	}
	var services []string
	if len(f.services) > 0 {
		if services, err = device.ValidateUUID(f.services...); err != nil {
			return err
		}
	}
	cmd.SilenceUsage = true

	ctx, stop := commandContext(cmd)
	defer stop()

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           feedRoutes(sess.manager, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	groutine.Go(ctx, "feed-http", func(context.Context) {
		serveErr <- server.Serve(listener)
	})
	fmt.Fprintf(cmd.OutOrStdout(), "Serving events on ws://%s/events (Ctrl+C to stop)\n", listener.Addr())

	if f.scan {
		opts := cfg.ScanOptions()
		opts.Duration = 0
		opts.ServiceUUIDs = services
		if err := sess.manager.Scan(ctx, opts); err != nil {
			_ = server.Close()
			return err
		}
	}
	for _, address := range f.connect {
		if err := enableNotifications(ctx, sess.manager, device.PeripheralID(address), logger); err != nil {
			logger.WithError(err).WithField("peripheral", address).Warn("Feed connect failed")
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", address, FormatUserError(err))
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), feedShutdownTimeout)
	defer cancel()
	// hijacked WebSocket connections are not tracked by Shutdown; closing the
	// session releases their subscriptions
	return server.Shutdown(shutdownCtx)
}

// feedRoutes mounts the event stream next to a JSON snapshot of the scan.
func feedRoutes(m *central.Manager, logger *logrus.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/events", feed.NewServer(m, logger).Handler())
	mux.HandleFunc("/peripherals", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := writeJSON(w, m.DiscoveredPeripherals()); err != nil {
			logger.WithError(err).Debug("Peripheral snapshot write failed")
		}
	})
	return mux
}

// enableNotifications connects to a peripheral and turns on every notifying
// characteristic; updates reach feed clients through the event bus.
func enableNotifications(ctx context.Context, m *central.Manager, id device.PeripheralID, logger *logrus.Logger) error {
	conn, catalog, err := m.Connect(ctx, id)
	if err != nil {
		return err
	}
	enabled := 0
	for _, svc := range catalog.Services() {
		for _, ch := range svc.Characteristics {
			if !ch.Properties.CanNotify() {
				continue
			}
			if _, err := conn.SetNotification(svc.UUID, ch.UUID, true).Await(ctx); err != nil {
				return err
			}
			enabled++
		}
	}
	logger.WithFields(logrus.Fields{"peripheral": id, "characteristics": enabled}).Info("Feed notifications enabled")
	return nil
}
