package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KyouP/llm-ron-bot/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/KyouP/llm-ron-bot/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ronbot",
	Short: "ronbot — multi-agent chat gateway",
	Long:  "ronbot: an LLM agent gateway with WebSocket RPC, persistent sessions, background subagents, and cron scheduling.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $RONBOT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(gatewayCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ronbot %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("RONBOT_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
