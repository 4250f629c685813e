package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/manager"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-id>",
	Short: "Connect to a BLE device and keep the connection alive",
	Long: `Connect to a BLE device and follow its connection lifecycle.

The device is discovered first, then connected and verified. Lost connections
are re-established with exponential backoff until Ctrl+C. On exit the device
is disconnected and will not be auto-connected until it is connected again;
use --keep to leave it eligible for auto-connect.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectDiscoverTimeout time.Duration
	connectKeep            bool
)

const disconnectGrace = 3 * time.Second

func init() {
	connectCmd.Flags().DurationVar(&connectDiscoverTimeout, "discover-timeout", 15*time.Second, "How long to look for the device before giving up")
	connectCmd.Flags().BoolVar(&connectKeep, "keep", false, "Do not disconnect on exit")
}

func runConnect(cmd *cobra.Command, args []string) error {
	id, err := device.ParseID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := interruptContext()
	defer cancel()

	m, err := a.startManager(ctx)
	if err != nil {
		return err
	}
	defer m.Stop()

	if err := m.StartScan(connectDiscoverTimeout); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Looking for %s...\n", id)

	f := &connectFollower{id: id, out: out, connect: m.Connect, stopScan: m.StopScan}
	for {
		select {
		case <-ctx.Done():
			if f.requested && !connectKeep {
				return disconnectGracefully(m, id, out)
			}
			return nil

		case ev, ok := <-m.Events():
			if !ok {
				return nil
			}
			if err := f.handle(ev); err != nil {
				return err
			}
		}
	}
}

// connectFollower drives one connect command from manager events.
type connectFollower struct {
	id        string
	out       io.Writer
	connect   func(id string) error
	stopScan  func() error
	requested bool
}

func (f *connectFollower) handle(ev events.Event) error {
	switch e := ev.(type) {
	case events.AdapterState:
		fmt.Fprintln(f.out, formatAdapterEvent(e))
		if !e.State.Ready() && !e.State.Transient() && !f.requested {
			return e.State.Err()
		}

	case events.DeviceBatch:
		if f.requested {
			return nil
		}
		for _, s := range e.Updated {
			if s.DeviceID != f.id {
				continue
			}
			fmt.Fprintf(f.out, "Found %s (%s)\n", s.DisplayName, signalGlyph(s.SignalBars))
			return f.request()
		}

	case events.ScanState:
		if e.Reason == events.ScanTimeout && !f.requested {
			return fmt.Errorf("%w: %s", ErrDeviceNotDiscovered, f.id)
		}

	case events.ConnectionState:
		if e.DeviceID != f.id {
			return nil
		}
		fmt.Fprintln(f.out, formatConnectionEvent(e))
		if !f.requested && e.State != device.StateDisconnected {
			// Auto-connected as a known device.
			return f.request()
		}
		if e.State == device.StateFailed && e.Reason == events.ReasonMaxRetriesExceeded {
			return fmt.Errorf("giving up on %s after repeated failures", f.id)
		}
	}
	return nil
}

func (f *connectFollower) request() error {
	f.requested = true
	if err := f.stopScan(); err != nil {
		return err
	}
	return f.connect(f.id)
}

func disconnectGracefully(m *manager.Manager, id string, out io.Writer) error {
	if err := m.Disconnect(id); err != nil {
		return err
	}
	deadline := time.After(disconnectGrace)
	for {
		select {
		case <-deadline:
			return nil
		case ev, ok := <-m.Events():
			if !ok {
				return nil
			}
			e, isConn := ev.(events.ConnectionState)
			if !isConn || e.DeviceID != id {
				continue
			}
			fmt.Fprintln(out, formatConnectionEvent(e))
			if e.State == device.StateDisconnected {
				return nil
			}
		}
	}
}
