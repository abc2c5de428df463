package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"synnergy-comms/internal/peerstore"
)

func dhtCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dht", Short: "inspect DHT-relevant node state"}
	cmd.AddCommand(dhtStatsCmd())
	return cmd
}

// dhtStatsCmd reports durable peer-store state relevant to the overlay
//. In-memory overlay state (dedup cache, SAF queue, active
// discovery rounds) lives only inside a running node process and is
// reported via the prometheus /metrics endpoint exposed by `serve`, not
// here.
func dhtStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "summarize known-peer counts from the durable peer store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openPeerStore()
			if err != nil {
				return err
			}
			defer closeFn()

			now := time.Now()
			all := store.List(peerstore.Filter{})
			var banned, offline int
			for _, p := range all {
				if p.IsBanned(now) {
					banned++
				}
				if p.OfflineSince != nil {
					offline++
				}
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "known peers:   %d\n", len(all))
			fmt.Fprintf(w, "banned peers:  %d\n", banned)
			fmt.Fprintf(w, "offline peers: %d\n", offline)
			return nil
		},
	}
}
