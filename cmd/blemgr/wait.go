package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/events"
)

// waitCmd represents the wait command
var waitCmd = &cobra.Command{
	Use:   "wait [state]",
	Short: "Wait until the Bluetooth adapter reaches a state",
	Long: `Block until the Bluetooth adapter reports the given state, poweredOn by
default. Useful in scripts that must not scan or connect before the adapter
is up.

States: unknown, resetting, unsupported, unauthorized, poweredOff, poweredOn.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWait,
}

var waitTimeout time.Duration

func init() {
	waitCmd.Flags().DurationVarP(&waitTimeout, "timeout", "t", 30*time.Second, "How long to wait (0 waits indefinitely)")
}

func runWait(cmd *cobra.Command, args []string) error {
	want := adapter.StatePoweredOn
	if len(args) == 1 {
		st, err := adapter.ParseState(args[0])
		if err != nil {
			return err
		}
		want = st
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

	var deadline <-chan time.Time
	if waitTimeout > 0 {
		timer := time.NewTimer(waitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	current, err := m.AdapterState()
	if err != nil {
		return err
	}
	return waitForAdapter(cmd.OutOrStdout(), want, current, m.Events(), deadline, ctx.Done())
}

// waitForAdapter returns once the adapter reports want. current is the state
// known before the first event.
func waitForAdapter(out io.Writer, want, current adapter.State, evs <-chan events.Event, deadline <-chan time.Time, done <-chan struct{}) error {
	if current == want {
		fmt.Fprintln(out, formatAdapterEvent(events.AdapterState{State: current}))
		return nil
	}
	for {
		select {
		case <-done:
			return nil
		case <-deadline:
			return fmt.Errorf("%w: still %s, wanted %s", ErrWaitTimeout, current, want)
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			e, isAdapter := ev.(events.AdapterState)
			if !isAdapter {
				continue
			}
			current = e.State
			fmt.Fprintln(out, formatAdapterEvent(e))
			if current == want {
				return nil
			}
		}
	}
}
