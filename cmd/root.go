package cmd

import (
	"fmt"
	"os"

	"github.com/WaterWhisperer/capsuletun/config"
	"github.com/spf13/cobra"
)

var (
	// Set via ldflags at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Flags shared across all commands.
var (
	flagConfigPath string
	flagRelayURL   string
	flagVerbose    bool
)

// cliCfg is loaded once by the persistent pre-run hook.
var cliCfg config.CLIConfig

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "capsuletun",
		Short:         "capsuletun - tunnel UDP and TCP services through a self-hosted relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := config.ConfigPath(flagConfigPath)
			if err != nil {
				return err
			}
			cliCfg, err = config.LoadCLIConfig(cfgPath)
			if err != nil {
				return err
			}
			// Flag > env > config file.
			if flagRelayURL != "" {
				cliCfg.RelayURL = flagRelayURL
			} else if env := os.Getenv("CAPSULETUN_RELAY_URL"); env != "" {
				cliCfg.RelayURL = env
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config file (default: ~/.capsuletun/config.json)")
	root.PersistentFlags().StringVar(&flagRelayURL, "relay-url", "", "override the relay WebSocket URL")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable verbose/debug logging to stderr")

	root.AddCommand(
		newServeCmd(),
		newExposeCmd(),
		newVersionCmd(),
	)

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
