package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
	"synnergy-comms/pkg/comms"
	"synnergy-comms/pkg/config"
)

// nodeOverride is one entry of a devnet config file: the subset of
// config.Config a devnet operator typically wants to vary per node.
type nodeOverride struct {
	ListenAddrs []string `yaml:"listen_addrs"`
	DataDir     string   `yaml:"data_dir"`
}

func devnetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "devnet", Short: "local multi-node developer network"}
	cmd.AddCommand(devnetStartCmd())
	cmd.AddCommand(devnetConfigCmd())
	return cmd
}

// devnetStartCmd launches N in-memory-transport nodes in this one process
// and cross-seeds their peer stores with each other's address.
func devnetStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [nodes]",
		Short: "launch N in-process devnet nodes over the in-memory transport",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 3
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v <= 0 {
					return fmt.Errorf("invalid node count: %s", args[0])
				}
				n = v
			}

			base, err := loadConfig()
			if err != nil {
				return err
			}

			overrides := make([]nodeOverride, n)
			for i := range overrides {
				overrides[i] = nodeOverride{
					ListenAddrs: []string{fmt.Sprintf("/memory/devnet-%d", i)},
					DataDir:     filepath.Join(os.TempDir(), "commsd-devnet", strconv.Itoa(i)),
				}
			}
			return runDevnet(cmd, base, overrides)
		},
	}
}

// devnetConfigCmd starts nodes from a YAML file listing one entry per node
//, for topologies a fixed count can't express
// node list rather than a fixed count.
func devnetConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config <nodes.yaml>",
		Short: "start an in-process devnet from a YAML node list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read devnet config: %w", err)
			}
			var file struct {
				Nodes []nodeOverride `yaml:"nodes"`
			}
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("parse devnet config: %w", err)
			}
			if len(file.Nodes) == 0 {
				return fmt.Errorf("devnet config lists no nodes")
			}
			base, err := loadConfig()
			if err != nil {
				return err
			}
			return runDevnet(cmd, base, file.Nodes)
		},
	}
}

// runDevnet builds one comms.Node per override, cross-seeds every node's
// peer store with every other node's identity and listen address, then runs
// them all until interrupted.
func runDevnet(cmd *cobra.Command, base *config.Config, overrides []nodeOverride) error {
	type built struct {
		node *comms.Node
		kp   *identity.Keypair
	}
	nodes := make([]built, 0, len(overrides))

	for _, ov := range overrides {
		cfg := *base
		cfg.Node.AllowTestAddrs = true
		cfg.Node.ListenAddrs = ov.ListenAddrs
		cfg.Node.DataDir = ov.DataDir
		cfg.Node.MetricsAddr = ""

		if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir %q: %w", cfg.Node.DataDir, err)
		}
		kp, err := loadOrCreateIdentity(filepath.Join(cfg.Node.DataDir, "identity.key"))
		if err != nil {
			return err
		}
		node, err := comms.New(&cfg, kp, comms.Options{Logger: log})
		if err != nil {
			for _, b := range nodes {
				b.node.Close()
			}
			return fmt.Errorf("start devnet node: %w", err)
		}
		nodes = append(nodes, built{node: node, kp: kp})
		fmt.Fprintf(cmd.OutOrStdout(), "node %s listening on %v\n", kp.NodeID.String(), node.ListenAddrs())
	}

	for i, a := range nodes {
		for j, b := range nodes {
			if i == j {
				continue
			}
			addrs := b.node.ListenAddrs()
			if len(addrs) == 0 {
				continue
			}
			_ = a.node.PeerStore().Upsert(&peerstore.Peer{
				PublicKey: b.kp.Public.Bytes(),
				NodeID:    b.kp.NodeID,
				Addresses: []peerstore.Address{{Multiaddr: addrs[0].String(), Source: "devnet"}},
			})
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range nodes {
		b := b
		g.Go(func() error { return b.node.Run(gctx) })
	}
	err := g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
