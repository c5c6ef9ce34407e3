package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/gatt"
	"github.com/srg/blecentral/pkg/config"
)

type inspectFlags struct {
	format      string
	descriptors bool
	mtu         int
}

// inspectResult is the JSON form of an inspection.
type inspectResult struct {
	Peripheral device.PeripheralID `json:"peripheral"`
	RSSI       *int                `json:"rssi,omitempty"`
	WriteChunk int                 `json:"write_chunk"`
	Services   []gatt.Service      `json:"services"`
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Connect and list GATT services, characteristics and descriptors",
		Long: fmt.Sprintf(`Connects to a peripheral, enumerates its GATT catalog, reads the signal
strength and every descriptor value, then prints the catalog.

Examples:
  # Inspect a peripheral
  blecentral inspect AA:BB:CC:DD:EE:FF

  # JSON output without descriptor reads
  blecentral inspect AA:BB:CC:DD:EE:FF -f json --descriptors=false

  # Negotiate a larger MTU first
  blecentral inspect AA:BB:CC:DD:EE:FF --mtu 247

%s`, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], f)
		},
	}

	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output format (table, json); default from config")
	cmd.Flags().BoolVar(&f.descriptors, "descriptors", true, "Read every descriptor value")
	cmd.Flags().IntVar(&f.mtu, "mtu", 0, "Request this ATT MTU after connecting")
	return cmd
}

func runInspect(cmd *cobra.Command, address string, f *inspectFlags) error {
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
	progress := NewProgressPrinter(out, "Inspecting "+address, "Starting")
	progress.Start()
	defer progress.Stop()

	l, err := connectPeripheral(ctx, cfg, logger, address, progress)
	if err != nil {
		return err
	}
	defer l.Close()

	result := inspectResult{Peripheral: l.conn.ID()}

	if f.mtu > 0 {
		progress.SetPhase("Negotiating MTU")
		if mtu, err := l.conn.RequestMTU(f.mtu).Await(ctx); err != nil {
			logger.WithError(err).Warn("MTU request failed")
		} else {
			logger.WithField("mtu", mtu).Debug("MTU negotiated")
		}
	}

	progress.SetPhase("Reading RSSI")
	if rssi, err := l.conn.ReadRSSI().Await(ctx); err == nil {
		result.RSSI = &rssi
	} else {
		logger.WithError(err).Warn("RSSI read failed")
	}

	catalog := l.catalog
	if f.descriptors {
		progress.SetPhase("Reading descriptors")
		if _, err := l.conn.ReadAllDescriptors().Await(ctx); err != nil {
			return err
		}
		catalog = l.conn.Catalog()
		if err := l.manager.SaveCatalog(ctx, l.conn.ID()); err != nil {
			logger.WithError(err).Warn("Failed to cache catalog")
		}
	}
	progress.Stop()

	result.WriteChunk = l.conn.WriteChunk()
	result.Services = catalog.Services()

	logger.WithFields(logrus.Fields{
		"peripheral":      result.Peripheral,
		"services":        catalog.Len(),
		"characteristics": catalog.CharacteristicCount(),
	}).Info("Inspection complete")

	if format == config.FormatJSON {
		return writeJSON(out, result)
	}
	return writeCatalogTree(out, result)
}

// writeCatalogTree prints the catalog as an indented tree.
func writeCatalogTree(out io.Writer, r inspectResult) error {
	p := newPalette(out)
	fmt.Fprintf(out, "Peripheral %s\n", p.name.Sprint(r.Peripheral))
	if r.RSSI != nil {
		fmt.Fprintf(out, "  RSSI: %s dBm\n", p.rssi(*r.RSSI))
	}
	fmt.Fprintf(out, "  Write chunk: %d bytes\n", r.WriteChunk)

	for _, svc := range r.Services {
		fmt.Fprintf(out, "\nService %s\n", p.name.Sprint(attributeLabel(svc.UUID, svc.Name)))
		for _, ch := range svc.Characteristics {
			props := strings.Join(ch.Properties.Names(), ", ")
			fmt.Fprintf(out, "  Characteristic %s [%s]\n", attributeLabel(ch.UUID, ch.Name), props)
			for _, d := range ch.Descriptors {
				line := "    Descriptor " + attributeLabel(d.UUID, d.Name)
				switch {
				case d.Error != "":
					line += " " + p.weak.Sprint("error: "+d.Error)
				case d.Value != nil:
					line += " = " + formatValue(d.Value, true)
				}
				fmt.Fprintln(out, line)
			}
		}
	}
	return nil
}
