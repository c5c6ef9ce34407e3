package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/pkg/connection"
)

type readFlags struct {
	service string
	char    string
	desc    string
	hex     bool
	watch   string
}

func newReadCmd() *cobra.Command {
	f := &readFlags{}
	cmd := &cobra.Command{
		Use:   "read <device-address> [uuid]",
		Short: "Read a characteristic or descriptor value",
		Long: fmt.Sprintf(`Reads data from BLE characteristic(s) or a descriptor.

Examples:
  # Read Battery Level characteristic
  blecentral read AA:BB:CC:DD:EE:FF 2a19

  # Read multiple characteristics (comma-separated)
  blecentral read AA:BB:CC:DD:EE:FF 2a38,2a19 --hex

  # Read every characteristic of a service
  blecentral read AA:BB:CC:DD:EE:FF --service 180d

  # Read descriptor (Client Characteristic Configuration)
  blecentral read AA:BB:CC:DD:EE:FF --service 180d --char 2a37 --desc 2902 --hex

  # Poll a characteristic every 500ms
  blecentral read AA:BB:CC:DD:EE:FF 2a19 --watch 500ms

%s`, deviceAddressNote),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args, f)
		},
	}

	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.char, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().StringVar(&f.watch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	cmd.Flags().Lookup("watch").NoOptDefVal = "1s"
	return cmd
}

func runRead(cmd *cobra.Command, args []string, f *readFlags) error {
	address := args[0]

	// UUID source: positional argument, then --char, then --desc
	var uuidInput string
	switch {
	case len(args) == 2:
		uuidInput = args[1]
	case f.char != "":
		uuidInput = f.char
	case f.desc != "":
		uuidInput = f.desc
	case f.service == "":
		return fmt.Errorf("UUID required: provide as second argument or via --char/--desc/--service flag")
	}
	uuids := parseCSVUUIDs(uuidInput)
	if f.desc != "" && len(parseCSVUUIDs(f.desc)) > 1 {
		return fmt.Errorf("descriptor reads take a single UUID, got %s", f.desc)
	}

	var watchInterval time.Duration
	if f.watch != "" {
		if len(uuids) != 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(uuids))
		}
		var err error
		if watchInterval, err = time.ParseDuration(f.watch); err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %s", f.watch)
		}
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := commandContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, "Reading from "+address, "Starting")
	progress.Start()
	defer progress.Stop()

	l, err := connectPeripheral(ctx, cfg, logger, address, progress)
	if err != nil {
		return err
	}
	defer l.Close()
	progress.Stop()

	if f.desc != "" {
		// a positional UUID next to --desc names the characteristic
		charUUID := f.char
		if charUUID == "" && len(args) == 2 && device.NormalizeUUID(args[1]) != device.NormalizeUUID(f.desc) {
			charUUID = args[1]
		}
		t, err := resolveTarget(l.catalog, f.desc, f.service, charUUID, f.desc)
		if err != nil {
			return err
		}
		value, err := l.conn.ReadDescriptor(t.service, t.characteristic, t.descriptor).Await(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatValue(value, f.hex))
		return nil
	}

	targets, err := resolveCharacteristics(l.catalog, uuidInput, f.service)
	if err != nil {
		return err
	}

	if watchInterval > 0 {
		return watchRead(ctx, out, l.conn, targets[0], watchInterval, f.hex)
	}

	if len(targets) == 1 {
		value, err := l.conn.ReadCharacteristic(targets[0].service, targets[0].characteristic).Await(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatValue(value, f.hex))
		return nil
	}

	// queue every read before waiting; completions arrive in submission order
	reads := make([]*connection.Future[[]byte], len(targets))
	for i, t := range targets {
		reads[i] = l.conn.ReadCharacteristic(t.service, t.characteristic)
	}
	for i, t := range targets {
		label := attributeLabel(t.characteristic, bledb.LookupCharacteristic(t.characteristic))
		value, err := reads[i].Await(ctx)
		if err != nil {
			fmt.Fprintf(out, "%s: error: %s\n", label, FormatUserError(err))
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", label, formatValue(value, f.hex))
	}
	return nil
}

// watchRead polls one characteristic until ctx is cancelled.
func watchRead(ctx context.Context, out io.Writer, conn *connection.Connection, t target, interval time.Duration, asHex bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		value, err := conn.ReadCharacteristic(t.service, t.characteristic).Await(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "[%s] %s\n", time.Now().Format("15:04:05.000"), formatValue(value, asHex))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
