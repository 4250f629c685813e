package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
)

var (
	colorGood    = color.New(color.FgGreen)
	colorPending = color.New(color.FgYellow)
	colorBad     = color.New(color.FgRed)
	colorMuted   = color.New(color.FgHiBlack)
)

// signalGlyph draws bars as a four-cell meter.
func signalGlyph(bars int) string {
	return strings.Repeat("▮", bars) + strings.Repeat("▯", 4-bars)
}

// sortSnapshots orders devices by name, then by identifier.
func sortSnapshots(devs []device.Snapshot) {
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].DisplayName != devs[j].DisplayName {
			return devs[i].DisplayName < devs[j].DisplayName
		}
		return devs[i].DeviceID < devs[j].DeviceID
	})
}

func displayDevicesTable(w io.Writer, devs []device.Snapshot, now time.Time) error {
	if len(devs) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}
	sortSnapshots(devs)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tRSSI\tSIGNAL\tCONNECTED\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 80))

	for _, d := range devs {
		name := d.DisplayName
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *d.RSSI)
		}
		connected := "no"
		if d.IsConnected {
			connected = "yes"
		}
		lastSeen := now.Sub(time.UnixMilli(d.LastSeenMs)).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
			name, d.DeviceID, rssi, signalGlyph(d.SignalBars), connected, lastSeen)
	}
	return tw.Flush()
}

func displayDevicesJSON(w io.Writer, devs []device.Snapshot) error {
	sortSnapshots(devs)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devs)
}

func stateColor(s device.ConnState) *color.Color {
	switch s {
	case device.StateConnectedVerified:
		return colorGood
	case device.StateConnecting, device.StateConnectedUnverified, device.StateDisconnecting:
		return colorPending
	case device.StateFailed:
		return colorBad
	default:
		return colorMuted
	}
}

// formatConnectionEvent renders one lifecycle transition as a single line.
func formatConnectionEvent(ev events.ConnectionState) string {
	var b strings.Builder
	ts := time.UnixMilli(ev.TimestampMs).Format("15:04:05")
	fmt.Fprintf(&b, "%s  %s  %s", ts, device.ShortenID(ev.DeviceID), stateColor(ev.State).Sprint(ev.State))
	if ev.Reason != "" {
		fmt.Fprintf(&b, " (%s)", ev.Reason)
	}
	if ev.Attempt > 0 {
		fmt.Fprintf(&b, " attempt %d/%d", ev.Attempt, ev.MaxAttempts)
	}
	if ev.NextDelayMs > 0 {
		fmt.Fprintf(&b, " in %s", (time.Duration(ev.NextDelayMs) * time.Millisecond).Round(100*time.Millisecond))
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, ": %s", ev.Error)
	}
	return b.String()
}

func formatAdapterEvent(ev events.AdapterState) string {
	c := colorBad
	if ev.State.Ready() {
		c = colorGood
	}
	return "Bluetooth adapter " + c.Sprint(ev.State)
}

func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}
