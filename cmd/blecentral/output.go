package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/pkg/config"
)

const maxNameWidth = 20

// palette colors table cells. A zero palette prints plain text.
type palette struct {
	name, strong, weak, dim *color.Color
}

func newPalette(out io.Writer) palette {
	p := palette{
		name:   color.New(color.Bold),
		strong: color.New(color.FgGreen),
		weak:   color.New(color.FgYellow),
		dim:    color.New(color.Faint),
	}
	if !isTerminal(out) {
		for _, c := range []*color.Color{p.name, p.strong, p.weak, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) rssi(v int) string {
	s := fmt.Sprintf("%d", v)
	if v >= -60 {
		return p.strong.Sprint(s)
	}
	return p.weak.Sprint(s)
}

func validateFormat(format string) error {
	switch format {
	case config.FormatTable, config.FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (must be %s or %s)", format, config.FormatTable, config.FormatJSON)
	}
}

func truncateName(name string) string {
	if len(name) > maxNameWidth {
		return name[:maxNameWidth-3] + "..."
	}
	return name
}

// serviceLabel returns the SIG name of a service, or its UUID.
func serviceLabel(u string) string {
	if name := bledb.LookupService(u); name != "" {
		return name
	}
	return device.ShortUUID(u)
}

func formatAge(now, seen time.Time) string {
	if seen.IsZero() {
		return "-"
	}
	d := now.Sub(seen)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%ds ago", int(d.Seconds()))
}

// writePeripheralsTable prints peripherals in a table, strongest signal first.
func writePeripheralsTable(out io.Writer, peripherals []device.Peripheral, now time.Time) error {
	if len(peripherals) == 0 {
		_, err := fmt.Fprintln(out, "No devices found")
		return err
	}

	p := newPalette(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tSTATE\tLAST SEEN")
	fmt.Fprintln(w, "----\t-------\t----\t--------\t-----\t---------")
	for _, per := range peripherals {
		services := make([]string, 0, len(per.Advertisement.ServiceUUIDs))
		for _, u := range per.Advertisement.ServiceUUIDs {
			services = append(services, serviceLabel(u))
		}
		svc := strings.Join(services, ", ")
		if svc == "" {
			svc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.name.Sprint(truncateName(per.Name)),
			per.ID,
			p.rssi(per.RSSI),
			svc,
			per.State,
			p.dim.Sprint(formatAge(now, per.LastSeen)),
		)
	}
	return w.Flush()
}

// writeJSON prints v as indented JSON.
func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatValue renders a value as hex or as raw text.
func formatValue(data []byte, asHex bool) string {
	if asHex {
		return strings.ToUpper(hex.EncodeToString(data))
	}
	return string(data)
}

// attributeLabel returns "Name (uuid)" for well-known UUIDs.
func attributeLabel(u, name string) string {
	if name == "" {
		return u
	}
	return fmt.Sprintf("%s (%s)", name, u)
}
