package cmd

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"synnergy-comms/internal/peerstore"
)

// openPeerStore opens the node's durable peer store directly, so
// inspection commands read node state without booting the whole network
// stack just to list it.
func openPeerStore() (*peerstore.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := peerstore.Open(filepath.Join(cfg.Node.DataDir, "peers.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open peer store: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "peer", Short: "inspect and manage the local peer store"}
	cmd.AddCommand(peerLsCmd())
	cmd.AddCommand(peerBanCmd())
	return cmd
}

func peerLsCmd() *cobra.Command {
	var showBanned bool
	c := &cobra.Command{
		Use:   "ls",
		Short: "list known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openPeerStore()
			if err != nil {
				return err
			}
			defer closeFn()

			peers := store.List(peerstore.Filter{ExcludeBanned: !showBanned})
			sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID.String() < peers[j].NodeID.String() })

			w := cmd.OutOrStdout()
			for _, p := range peers {
				status := "active"
				now := time.Now()
				if p.IsBanned(now) {
					status = fmt.Sprintf("banned(%s until %s)", p.Ban.Reason, p.Ban.Until.Format(time.RFC3339))
				} else if p.OfflineSince != nil {
					status = fmt.Sprintf("offline since %s", p.OfflineSince.Format(time.RFC3339))
				}
				addr := "-"
				if len(p.Addresses) > 0 {
					addr = p.Addresses[0].Multiaddr
				}
				fmt.Fprintf(w, "%s  %s  %s\n", p.NodeID.String(), addr, status)
			}
			fmt.Fprintf(w, "%d peer(s)\n", len(peers))
			return nil
		},
	}
	c.Flags().BoolVar(&showBanned, "all", false, "include banned peers")
	return c
}

func peerBanCmd() *cobra.Command {
	var duration time.Duration
	var reason string
	c := &cobra.Command{
		Use:   "ban <public-key-hex>",
		Short: "ban a peer by its hex-encoded public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode public key: %w", err)
			}
			store, closeFn, err := openPeerStore()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Ban(pk, duration, reason); err != nil {
				return fmt.Errorf("ban peer: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "banned for %s (%s)\n", duration, reason)
			return nil
		},
	}
	c.Flags().DurationVar(&duration, "duration", 24*time.Hour, "ban duration")
	c.Flags().StringVar(&reason, "reason", "manual", "ban reason")
	return c
}
