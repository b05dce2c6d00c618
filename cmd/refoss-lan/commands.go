package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"refoss-lan/internal/device"
	"refoss-lan/internal/store"
)

const cliTimeout = 30 * time.Second

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <host>",
		Short: "Identify the device at host without adding it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Probing touches no records, so the store stays closed and a
			// running daemon keeps its lock.
			coord, err := a.newCoordinator(nil)
			if err != nil {
				return err
			}
			defer coord.Stop()
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			id, err := coord.Devices().Probe(ctx, args[0])
			if err != nil {
				return err
			}
			printIdentity(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newAddCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add <host>",
		Short: "Probe the device at host and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewBoltStore(a.cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("%w (is the daemon running?)", err)
			}
			defer db.Close()

			coord, err := a.newCoordinator(db)
			if err != nil {
				return err
			}
			defer coord.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			rec, err := coord.Devices().Add(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s, %s) at %s\n", rec.UUID, rec.Model, rec.Protocol, rec.Host)
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewBoltStore(a.cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("%w (is the daemon running?)", err)
			}
			defer db.Close()

			devices, err := db.ListDevices()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print stored records as JSON")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <uuid>",
		Short: "Delete a stored device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewBoltStore(a.cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("%w (is the daemon running?)", err)
			}
			defer db.Close()

			if _, err := db.GetDevice(args[0]); err != nil {
				return err
			}
			if err := db.DeleteDevice(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func printIdentity(w io.Writer, id device.Identity) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "uuid:\t%s\n", id.UUID)
	fmt.Fprintf(tw, "name:\t%s\n", id.Name)
	fmt.Fprintf(tw, "model:\t%s\n", id.Model)
	fmt.Fprintf(tw, "protocol:\t%s\n", id.Protocol)
	fmt.Fprintf(tw, "host:\t%s\n", id.Host)
	fmt.Fprintf(tw, "mac:\t%s\n", id.MAC)
	fmt.Fprintf(tw, "firmware:\t%s\n", id.Firmware)
	fmt.Fprintf(tw, "hardware:\t%s\n", id.Hardware)
	fmt.Fprintf(tw, "channels:\t%s\n", joinInts(id.Channels))
	tw.Flush()
}

func printDevices(w io.Writer, devices []*store.Device) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tNAME\tMODEL\tPROTOCOL\tHOST\tLAST SEEN")
	for _, d := range devices {
		proto := d.Protocol
		if proto == "" {
			proto = string(device.ProtocolLAN)
		}
		seen := "never"
		if !d.LastSeen.IsZero() {
			seen = d.LastSeen.Format(time.DateTime)
		}
		name := d.Name
		if d.Unsupported {
			name += " (unsupported)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.UUID, name, d.Model, proto, d.Host, seen)
	}
	tw.Flush()
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
