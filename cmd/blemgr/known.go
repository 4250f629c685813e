package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/store"
)

// knownCmd represents the known command
var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "List or forget remembered devices",
	Long: `List the devices that were verified at least once and are auto-connected
when the adapter powers on. Devices disconnected by the user are marked and
skipped by auto-connect until they are connected again.`,
	Args: cobra.NoArgs,
	RunE: runKnown,
}

var knownForget []string

func init() {
	knownCmd.Flags().StringSliceVar(&knownForget, "forget", nil, "Forget these device identifiers")
}

// knownEntry is one row of the known-device listing.
type knownEntry struct {
	DeviceID         string `json:"deviceId"`
	Name             string `json:"name"`
	UserDisconnected bool   `json:"userDisconnected"`
}

func runKnown(cmd *cobra.Command, args []string) error {
	ids := make([]string, 0, len(knownForget))
	for _, raw := range knownForget {
		id, err := device.ParseID(raw)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if len(ids) > 0 {
		if err := forgetKnown(a.store, ids); err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", id)
		}
		return nil
	}

	entries, err := loadKnownEntries(a.store)
	if err != nil {
		return err
	}
	if a.cfg.OutputFormat == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}
	return displayKnownTable(cmd.OutOrStdout(), entries)
}

func loadKnownEntries(st store.Store) ([]knownEntry, error) {
	known, err := st.LoadKnownDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to load known devices: %w", err)
	}
	disconnected, err := st.LoadUserDisconnected()
	if err != nil {
		return nil, fmt.Errorf("failed to load user-disconnected devices: %w", err)
	}
	marked := make(map[string]bool, len(disconnected))
	for _, id := range disconnected {
		marked[id] = true
	}

	entries := make([]knownEntry, 0, len(known))
	for id, name := range known {
		entries = append(entries, knownEntry{DeviceID: id, Name: name, UserDisconnected: marked[id]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DeviceID < entries[j].DeviceID })
	return entries, nil
}

// forgetKnown removes ids from both persisted collections.
func forgetKnown(st store.Store, ids []string) error {
	known, err := st.LoadKnownDevices()
	if err != nil {
		return fmt.Errorf("failed to load known devices: %w", err)
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: %s is not a known device", device.ErrDeviceNotFound, id)
		}
		delete(known, id)
	}
	if err := st.SaveKnownDevices(known); err != nil {
		return fmt.Errorf("failed to save known devices: %w", err)
	}

	disconnected, err := st.LoadUserDisconnected()
	if err != nil {
		return fmt.Errorf("failed to load user-disconnected devices: %w", err)
	}
	forget := make(map[string]bool, len(ids))
	for _, id := range ids {
		forget[id] = true
	}
	kept := disconnected[:0]
	for _, id := range disconnected {
		if !forget[id] {
			kept = append(kept, id)
		}
	}
	return st.SaveUserDisconnected(kept)
}

func displayKnownTable(w io.Writer, entries []knownEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No known devices")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tAUTO-CONNECT")
	fmt.Fprintln(tw, strings.Repeat("-", 64))
	for _, e := range entries {
		auto := "yes"
		if e.UserDisconnected {
			auto = "no (disconnected by user)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.DeviceID, auto)
	}
	return tw.Flush()
}
