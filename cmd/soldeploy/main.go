// Package main implements the soldeploy CLI: build, deploy and invoke Solana
// programs, and serve the contract explorer.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"soldeploy/internal/config"
	"soldeploy/internal/deployer"
	"soldeploy/internal/logging"
	"soldeploy/internal/store"
	"soldeploy/internal/tactile"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg     *config.Config
	history *store.HistoryStore

	// Swapped out in tests.
	newExecutor  = func(ec config.ExecutionConfig) tactile.Executor { return tactile.ExecutorFromConfig(ec) }
	deployerOpts []deployer.Option
)

var rootCmd = &cobra.Command{
	Use:   "soldeploy",
	Short: "Build, deploy and invoke Solana programs",
	Long: `soldeploy wraps cargo build-sbf and the Solana CLI to build and deploy
on-chain programs, invokes them over JSON-RPC, and keeps a local history of
every deployment and invocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logging.Initialize(verbose || cfg.Logging.IsDebug(), cfg.Logging.IsJSON()); err != nil {
			return err
		}
		logging.Boot("soldeploy %s on %s", cfg.Version, cfg.Network)
		logging.BootDebug("config loaded from %s", path)

		if cfg.HistoryPath != "" {
			h, err := store.Open(cfg.HistoryPath)
			if err != nil {
				// History is a convenience; commands still work without it.
				logging.Get(logging.CategoryBoot).Warn("history disabled: %v", err)
			} else {
				history = h
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeHistory()
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/soldeploy/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging and stream tool output")

	buildCmd.Flags().StringP("output", "o", "", "Copy the built .so and keypair to this directory")
	buildCmd.Flags().Bool("watch", false, "Rebuild when sources change")

	for _, c := range []*cobra.Command{deployCmd, buildAndDeployCmd, buildDeployInvokeCmd} {
		c.Flags().StringP("network", "n", "", "Network to deploy to (default from config)")
		c.Flags().StringP("keypair", "k", "", "Keypair path (default from config)")
	}
	buildAndDeployCmd.Flags().StringP("output", "o", "", "Copy the built .so and keypair to this directory")
	buildDeployInvokeCmd.Flags().StringP("output", "o", "", "Copy the built .so and keypair to this directory")

	invokeCmd.Flags().StringP("network", "n", "", "Network to invoke on (default from config)")
	invokeCmd.Flags().StringP("keypair", "k", "", "Fee payer keypair path (default from config)")

	simulateCmd.Flags().String("program", "", "Built-in program to run (default add_numbers)")
	simulateCmd.Flags().BytesHex("data", nil, "Instruction data, hex encoded")

	balanceCmd.Flags().StringP("network", "n", "", "Network to query (default from config)")
	balanceCmd.Flags().StringP("keypair", "k", "", "Keypair whose balance to show when no pubkey is given")

	historyCmd.Flags().IntP("limit", "l", 10, "Maximum entries per section")
	historyCmd.Flags().String("program-id", "", "Only show invocations of this program")

	explorerCmd.Flags().IntP("port", "p", 0, "Port to listen on (default from config)")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(buildAndDeployCmd)
	rootCmd.AddCommand(checkEnvironmentCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(buildDeployInvokeCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(explorerCmd)
}

func main() {
	err := rootCmd.Execute()
	// PersistentPostRun is skipped when a command fails.
	closeHistory()
	logging.Sync()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func closeHistory() {
	if history == nil {
		return
	}
	if err := history.Close(); err != nil {
		logging.Get(logging.CategoryStore).Warn("failed to close history: %v", err)
	}
	history = nil
}

// newDeployer wires a deployer from the loaded config.
func newDeployer() *deployer.Deployer {
	opts := []deployer.Option{deployer.WithHistory(history)}
	opts = append(opts, deployerOpts...)
	return deployer.New(newExecutor(cfg.Execution), cfg, opts...)
}

func keypairFlag(cmd *cobra.Command) string {
	k, _ := cmd.Flags().GetString("keypair")
	if k == "" {
		k = cfg.KeypairPath
	}
	return k
}

func networkFlag(cmd *cobra.Command) string {
	n, _ := cmd.Flags().GetString("network")
	if n == "" {
		n = cfg.Network
	}
	return n
}

func stringFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
