package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/discovery"
)

func newRoomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "rooms [flags]",
		Short:              "List rooms advertised on the local network",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, lf, ok, err := loadConfig(args)
			if err != nil || !ok {
				return err
			}
			browser, err := discovery.NewResolver(discovery.ResolverConfig{
				BrowseTimeout: cfg.DiscoveryTimeout,
				LoggerFactory: lf,
			})
			if err != nil {
				return fmt.Errorf("start mdns resolver: %w", err)
			}
			rooms, err := collectRooms(cmd.Context(), browser)
			if err != nil {
				return err
			}
			return printRooms(cmd.OutOrStdout(), rooms)
		},
	}
}

func collectRooms(ctx context.Context, b discovery.Browser) ([]discovery.Room, error) {
	ch, err := b.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover rooms: %w", err)
	}
	var rooms []discovery.Room
	for r := range ch {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].InstanceName() < rooms[j].InstanceName()
	})
	return rooms, nil
}

func printRooms(w io.Writer, rooms []discovery.Room) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tCREATOR\tRELAY\tMETADATA")
	for _, r := range rooms {
		relay, err := r.RelayURL()
		if err != nil {
			relay = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Creator, relay, formatMetadata(r.Metadata))
	}
	return tw.Flush()
}

func formatMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ",")
}

// resolveRoom browses for name and returns the first advertised relay URL.
func resolveRoom(ctx context.Context, b discovery.Browser, name string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := b.Discover(ctx)
	if err != nil {
		return "", fmt.Errorf("discover rooms: %w", err)
	}
	for r := range ch {
		if r.Name != name {
			continue
		}
		return r.RelayURL()
	}
	return "", fmt.Errorf("room %q not found on the local network", name)
}
