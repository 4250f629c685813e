package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display named Bluetooth Low Energy devices in the vicinity.

Devices that advertise no name are hidden. Devices that stop advertising
are dropped from the list after the stale threshold.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanWatch    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); overrides the configuration")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Redraw the device table on every update")
}

// deviceList accumulates device batches into the current visible list.
type deviceList map[string]device.Snapshot

func (l deviceList) apply(b events.DeviceBatch) {
	for _, s := range b.Updated {
		l[s.DeviceID] = s
	}
	for _, id := range b.Removed {
		delete(l, id)
	}
}

func (l deviceList) snapshots() []device.Snapshot {
	out := make([]device.Snapshot, 0, len(l))
	for _, s := range l {
		out = append(out, s)
	}
	return out
}

func runScan(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	format := a.cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	duration := scanDuration
	if !cmd.Flags().Changed("duration") && a.cfg.Scan.Timeout > 0 {
		duration = a.cfg.Scan.Timeout
	}
	if scanWatch && !cmd.Flags().Changed("duration") {
		duration = 0
	}

	ctx, cancel := interruptContext()
	defer cancel()

	m, err := a.startManager(ctx)
	if err != nil {
		return err
	}
	defer m.Stop()

	if err := m.StartScan(duration); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	devices := deviceList{}
	display := func() error {
		if format == "json" {
			return displayDevicesJSON(out, devices.snapshots())
		}
		return displayDevicesTable(out, devices.snapshots(), time.Now())
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, stopping scan...")
			return display()

		case ev, ok := <-m.Events():
			if !ok {
				return display()
			}
			done, err := handleScanEvent(ev, devices, out, scanWatch && format == "table")
			if err != nil {
				return err
			}
			if done {
				if scanWatch && format == "table" {
					clearScreen(out)
				}
				return display()
			}
		}
	}
}

// handleScanEvent folds ev into devices and reports whether the scan ended.
func handleScanEvent(ev events.Event, devices deviceList, out io.Writer, redraw bool) (bool, error) {
	switch e := ev.(type) {
	case events.DeviceBatch:
		devices.apply(e)
		if redraw {
			clearScreen(out)
			_ = displayDevicesTable(out, devices.snapshots(), time.Now())
		}
	case events.AdapterState:
		if !e.State.Ready() && !e.State.Transient() {
			return true, e.State.Err()
		}
	case events.ScanState:
		switch e.Reason {
		case events.ScanStopped, events.ScanTimeout:
			return true, nil
		case events.ScanBluetoothUnavailable:
			return true, device.ErrBluetoothUnavailable
		}
	}
	return false, nil
}
