package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/nexus-proxy/pkg/config"
	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexus-proxy",
	Short: "Nexus Proxy - HAProxy control plane driven by a key-value store",
	Long: `Nexus Proxy keeps an HAProxy instance in line with load balancer
definitions stored in etcd: listeners, routing rules, target groups and
certificates. It also drives ACME HTTP-01 issuance for listener groups
that ask for managed certificates.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nexus Proxy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringSlice("env-file", nil, "Dotenv files to load (default: .env when present)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	flags.Bool("log-json", false, "Log as JSON (env LOG_JSON)")
	flags.String("alb-id", "", "Load balancer identifier (env ALB_ID)")
	flags.String("etcd-host", "", "Store address: host[:port], etcd://, redis:// or bolt:// (env ETCD_HOST)")

	rootCmd.AddCommand(albCmd)
	rootCmd.AddCommand(certificateCmd)
}

// loadConfig reads the environment and lets flags that were set win
func loadConfig(cmd *cobra.Command, args []string) error {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	loaded, err := config.Load(files...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		loaded.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		loaded.LogJSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("alb-id") {
		loaded.ALBID, _ = flags.GetString("alb-id")
	}
	if flags.Changed("etcd-host") {
		loaded.EtcdHost, _ = flags.GetString("etcd-host")
	}

	logCfg := loaded.Log()
	logCfg.Output = os.Stderr
	log.Init(logCfg)

	cfg = loaded
	return nil
}

// openStore connects to the configured store
func openStore(ctx context.Context) (storage.Store, error) {
	addr, err := cfg.StoreAddress()
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, addr)
}
