package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

func printControllers(w io.Writer, controllers []zfcp.Controller) {
	if len(controllers) == 0 {
		fmt.Fprintln(w, "No zFCP controllers found")
		return
	}
	fmt.Fprintf(w, "%-12s %-18s %-8s %s\n", "CONTROLLER", "STATE", "LUNSCAN", "WWPNS")
	for _, c := range controllers {
		scan := "no"
		if c.LUNScan {
			scan = "yes"
		}
		wwpns := "-"
		if len(c.WWPNs) > 0 {
			wwpns = strings.Join(c.WWPNs, ",")
		}
		fmt.Fprintf(w, "%-12s %-18s %-8s %s\n", c.ID, c.State, scan, wwpns)
	}
}

func printDisks(w io.Writer, disks []zfcp.Disk, probedAt time.Time) {
	if len(disks) == 0 {
		fmt.Fprintln(w, "No zFCP disks found")
		return
	}
	fmt.Fprintf(w, "%-12s %-20s %-20s %-18s %s\n", "CONTROLLER", "WWPN", "LUN", "STATE", "DEVICE")
	for _, d := range disks {
		dev := d.Name
		if dev == "" {
			dev = "-"
		}
		if d.State == zfcp.StateActivationFailed && d.Reason != "" {
			dev = d.Reason
		}
		fmt.Fprintf(w, "%-12s %-20s %-20s %-18s %s\n", d.Controller, d.WWPN, d.LUN, d.State, dev)
	}
	if !probedAt.IsZero() {
		fmt.Fprintf(w, "\nProbed %s\n", humanize.Time(probedAt))
	}
}

// dash renders an empty address component.
func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
