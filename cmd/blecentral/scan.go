package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/config"
)

const watchRefreshInterval = time.Second

type scanFlags struct {
	duration   time.Duration
	format     string
	services   []string
	allow      []string
	block      []string
	duplicates bool
	watch      bool
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE peripherals",
		Long: `Scans for nearby BLE peripherals and lists them, strongest signal first.

Examples:
  # Scan for the configured duration (10s by default)
  blecentral scan

  # Scan for 30 seconds and print JSON
  blecentral scan -d 30s -f json

  # Only peripherals advertising the Heart Rate service
  blecentral scan -s 180d

  # Live table while scanning
  blecentral scan --watch --duplicates`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration; default from config")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output format (table, json); default from config")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Only report peripherals advertising one of these service UUIDs")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only report these peripheral addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Never report these peripheral addresses")
	cmd.Flags().BoolVar(&f.duplicates, "duplicates", false, "Keep updating signal and advertisement of seen peripherals")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Redraw the table while scanning")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
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

	opts := cfg.ScanOptions()
	if f.duration > 0 {
		opts.Duration = f.duration
	}
	if f.duplicates {
		opts.AllowDuplicates = true
	}
	if len(f.services) > 0 {
		if opts.ServiceUUIDs, err = device.ValidateUUID(f.services...); err != nil {
			return err
		}
	}
	opts.AllowList = f.allow
	opts.BlockList = f.block

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := commandContext(cmd)
	defer stop()

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	progress := NewCountdownProgressPrinter(out, "Scanning for BLE devices", "Scanning", opts.Duration)
	if !f.watch {
		progress.Start()
	}
	defer progress.Stop()

	if err := sess.manager.Scan(ctx, opts); err != nil {
		return err
	}

	if f.watch && format == config.FormatTable {
		err = watchScan(ctx, out, sess)
	} else {
		err = sess.manager.WaitScan(ctx)
	}
	progress.Stop()
	if err != nil {
		// Ctrl+C ends the scan early; report what was found so far
		if !errors.Is(err, context.Canceled) {
			return err
		}
		_ = sess.manager.StopScan()
	}

	peripherals := sess.manager.DiscoveredPeripherals()
	if format == config.FormatJSON {
		return writeJSON(out, peripherals)
	}
	if f.watch {
		clearScreen(out)
	}
	return writePeripheralsTable(out, peripherals, time.Now())
}

// watchScan redraws the peripheral table until the pass ends.
func watchScan(ctx context.Context, out io.Writer, sess *session) error {
	ticker := time.NewTicker(watchRefreshInterval)
	defer ticker.Stop()

	done := make(chan error, 1)
	groutine.Go(ctx, "scan-wait", func(ctx context.Context) {
		done <- sess.manager.WaitScan(ctx)
	})

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			clearScreen(out)
			fmt.Fprintf(out, "Scanning... (Ctrl+C to stop)\n\n")
			_ = writePeripheralsTable(out, sess.manager.DiscoveredPeripherals(), time.Now())
		}
	}
}

func clearScreen(out io.Writer) {
	if isTerminal(out) {
		fmt.Fprint(out, "\033[H\033[2J")
	}
}
