package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/pkg/config"
)

type subscribeFlags struct {
	service string
	hex     bool
	format  string
	count   int
}

// notificationLine is the JSON form of one streamed update.
type notificationLine struct {
	Peripheral device.PeripheralID `json:"peripheral"`
	device.NotificationData
	Dropped bool `json:"dropped,omitempty"`
}

func newSubscribeCmd() *cobra.Command {
	f := &subscribeFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> [uuid]",
		Short: "Stream characteristic notifications",
		Long: fmt.Sprintf(`Enables notifications on one or more characteristics and prints every update
until interrupted. A gap marker is printed when updates were dropped because
the terminal could not keep up.

Examples:
  # Heart Rate Measurement as hex
  blecentral subscribe AA:BB:CC:DD:EE:FF 2a37 --hex

  # Every notifying characteristic of a service, as JSON lines
  blecentral subscribe AA:BB:CC:DD:EE:FF --service 180d -f json

  # Stop after 10 updates
  blecentral subscribe AA:BB:CC:DD:EE:FF 2a37 --count 10

%s`, deviceAddressNote),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, args, f)
		},
	}

	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output format (table, json); default from config")
	cmd.Flags().IntVar(&f.count, "count", 0, "Exit after this many updates; 0 streams until interrupted")
	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string, f *subscribeFlags) error {
	address := args[0]
	var uuidInput string
	if len(args) == 2 {
		uuidInput = args[1]
	} else if f.service == "" {
		return fmt.Errorf("UUID required: provide as second argument or via --service flag")
	}
	if f.count < 0 {
		return fmt.Errorf("count must not be negative, got %d", f.count)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format := f.format
	if format == "" {
		format = cfg.OutputFormat
	}
	if err := validateFormat(format); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := commandContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, "Subscribing on "+address, "Starting")
	progress.Start()
	defer progress.Stop()

	l, err := connectPeripheral(ctx, cfg, logger, address, progress)
	if err != nil {
		return err
	}
	defer l.Close()

	targets, err := resolveCharacteristics(l.catalog, uuidInput, f.service)
	if err != nil {
		return err
	}
	if uuidInput == "" {
		// whole service: keep only characteristics that can notify
		notifying := targets[:0]
		for _, t := range targets {
			if t.properties.CanNotify() {
				notifying = append(notifying, t)
			}
		}
		targets = notifying
	}
	if len(targets) == 0 {
		return fmt.Errorf("no notifying characteristics found in service %s", f.service)
	}
	for _, t := range targets {
		if !t.properties.CanNotify() {
			return fmt.Errorf("characteristic %s does not support notifications", t.characteristic)
		}
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	lost := l.manager.Subscribe(device.EventUnexpectedDisconnect, func(ev device.Event) {
		if ev.Peripheral == l.conn.ID() {
			cancel(ErrConnectionLost)
		}
	})
	defer lost.Release()

	stream := l.conn.Stream(cfg.NotificationBuffer)
	defer stream.Close()

	progress.SetPhase("Enabling notifications")
	for _, t := range targets {
		if _, err := l.conn.SetNotification(t.service, t.characteristic, true).Await(streamCtx); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", t, err)
		}
	}
	progress.Stop()
	if format == config.FormatTable {
		fmt.Fprintf(out, "Subscribed to %d characteristic(s), press Ctrl+C to stop\n", len(targets))
	}

	received := 0
	for f.count == 0 || received < f.count {
		n, err := stream.Next(streamCtx)
		if err != nil {
			if cause := context.Cause(streamCtx); errors.Is(cause, ErrConnectionLost) {
				return ErrConnectionLost
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		received++
		if err := writeNotification(out, format, l.conn.ID(), n, f.hex); err != nil {
			return err
		}
	}

	// best effort; disconnect clears subscriptions anyway
	disableCtx, cancelDisable := context.WithTimeout(context.Background(), cfg.AttributeTimeout)
	defer cancelDisable()
	for _, t := range targets {
		_, _ = l.conn.SetNotification(t.service, t.characteristic, false).Await(disableCtx)
	}
	logger.WithField("updates", received).WithField("dropped", stream.Dropped()).Info("Subscription finished")
	return nil
}

func writeNotification(out io.Writer, format string, id device.PeripheralID, n device.NotificationData, asHex bool) error {
	dropped := n.Flags&device.FlagDropped != 0
	if format == config.FormatJSON {
		return json.NewEncoder(out).Encode(notificationLine{Peripheral: id, NotificationData: n, Dropped: dropped})
	}
	if dropped {
		fmt.Fprintln(out, "... updates dropped ...")
	}
	label := attributeLabel(n.Characteristic, bledb.LookupCharacteristic(n.Characteristic))
	_, err := fmt.Fprintf(out, "[%s] #%d %s: %s\n", time.Now().Format("15:04:05.000"), n.Seq, label, formatValue(n.Data, asHex))
	return err
}
