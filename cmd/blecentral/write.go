package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
)

type writeFlags struct {
	service    string
	char       string
	desc       string
	hex        bool
	noResponse bool
	mtu        int
}

func newWriteCmd() *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <device-address> [uuid] <data>",
		Short: "Write to a characteristic or descriptor",
		Long: fmt.Sprintf(`Writes data to a BLE characteristic or descriptor. Payloads longer than one
ATT write are split into chunks.

Examples:
  # Write to characteristic (string data)
  blecentral write AA:BB:CC:DD:EE:FF 2a06 "high"

  # Write hex data
  blecentral write AA:BB:CC:DD:EE:FF 2a06 01 --hex

  # Enable notifications by hand through the CCCD
  blecentral write AA:BB:CC:DD:EE:FF --service 180d --char 2a37 --desc 2902 0100 --hex

  # Write without response, paced between chunks
  blecentral write AA:BB:CC:DD:EE:FF 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello" --without-response

%s`, deviceAddressNote),
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args, f)
		},
	}

	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.char, "char", "", "Characteristic UUID")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().BoolVar(&f.noResponse, "without-response", false, "Write without response (no ACK); default waits for ACK, if available")
	cmd.Flags().IntVar(&f.mtu, "mtu", 0, "Request this ATT MTU before writing to enlarge chunks")
	return cmd
}

func runWrite(cmd *cobra.Command, args []string, f *writeFlags) error {
	address := args[0]

	// UUID from positional arg or flags; data is always last
	var targetUUID string
	switch {
	case len(args) == 3:
		targetUUID = args[1]
	case f.char != "":
		targetUUID = f.char
	case f.desc != "":
		targetUUID = f.desc
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char/--desc flag")
	}
	data, err := parseWriteData(args[len(args)-1], f.hex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("data must not be empty")
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := commandContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, fmt.Sprintf("Writing %d bytes to %s on %s", len(data), targetUUID, address), "Starting")
	progress.Start()
	defer progress.Stop()

	l, err := connectPeripheral(ctx, cfg, logger, address, progress)
	if err != nil {
		return err
	}
	defer l.Close()

	charUUID := f.char
	if f.desc != "" && charUUID == "" && len(args) == 3 && device.NormalizeUUID(args[1]) != device.NormalizeUUID(f.desc) {
		charUUID = args[1]
	}
	t, err := resolveTarget(l.catalog, targetUUID, f.service, charUUID, f.desc)
	if err != nil {
		return err
	}

	if f.mtu > 0 {
		progress.SetPhase("Negotiating MTU")
		if _, err := l.conn.RequestMTU(f.mtu).Await(ctx); err != nil {
			logger.WithError(err).Warn("MTU request failed, keeping default chunk size")
		}
	}

	progress.SetPhase("Writing")
	if t.descriptor != "" {
		_, err = l.conn.WriteDescriptor(t.service, t.characteristic, t.descriptor, data).Await(ctx)
	} else {
		acknowledged, perr := writeMode(t, f.noResponse)
		if perr != nil {
			return perr
		}
		_, err = l.conn.WriteCharacteristic(t.service, t.characteristic, data, acknowledged).Await(ctx)
	}
	progress.Stop()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", t, err)
	}

	fmt.Fprintf(out, "Write successful (%d bytes, %d-byte chunks)\n", len(data), l.conn.WriteChunk())
	return nil
}

// writeMode picks acknowledged writes unless --without-response was given or
// the characteristic only supports unacknowledged writes.
func writeMode(t target, noResponse bool) (bool, error) {
	canWrite := t.properties.Has(device.PropWrite)
	canWriteNoResponse := t.properties.Has(device.PropWriteWithoutResponse)
	switch {
	case !canWrite && !canWriteNoResponse:
		return false, fmt.Errorf("characteristic %s does not support write operations", t.characteristic)
	case noResponse && !canWriteNoResponse:
		return false, fmt.Errorf("characteristic %s does not support write without response", t.characteristic)
	case noResponse || !canWrite:
		return false, nil
	default:
		return true, nil
	}
}

// parseWriteData converts input to bytes; hex input may contain spaces,
// colons, dashes and 0x prefixes.
func parseWriteData(dataStr string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(dataStr), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
