// Package cmd implements the commsd command-line surface: serve, peer
// inspection/management and DHT status reporting, as cobra commands over
// the viper-backed configuration.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-comms/internal/identity"
	"synnergy-comms/pkg/config"
)

var (
	envName string
	log     = logrus.StandardLogger()
)

// rootCmd is the commsd entry point. Subcommands load configuration lazily
// (via loadConfig) rather than in a PersistentPreRun, so commands that take
// no flags at all (none currently) still fail fast on a bad config file.
var rootCmd = &cobra.Command{
	Use:   "commsd",
	Short: "comms substrate node daemon and inspection CLI",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "environment overlay to merge onto the default config (e.g. dev, prod)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(dhtCmd())
	rootCmd.AddCommand(devnetCmd())
}

// Execute runs the commsd root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads .env (if present) then the viper-backed node
// configuration; the godotenv.Load() ahead of config resolution is
// deliberately silent, a missing .env is the common case.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(envName)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err == nil {
		log.SetLevel(lvl)
	}
	return cfg, nil
}

// loadOrCreateIdentity reads the node's long-term keypair from path, or
// generates and persists a fresh one on first run.
func loadOrCreateIdentity(path string) (*identity.Keypair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return identity.LoadKeypair(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %q: %w", path, err)
	}

	kp, err := identity.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.WriteFile(path, kp.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("persist identity file %q: %w", path, err)
	}
	log.WithField("node_id", kp.NodeID.String()).Info("generated new node identity")
	return kp, nil
}
