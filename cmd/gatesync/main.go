package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rickgao/gatesync/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gatesync",
	Short: "Keep realtime gateway sessions open to every configured server",
	Long: `gatesync holds one gateway session per server in its server list,
resumes sessions across network loss and routes dispatched events to
local consumers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Both files are optional; values already in the environment win.
		_ = godotenv.Load(".env")
		_ = godotenv.Load(".env.local")
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway client until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "gatesync", version.String())
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "configs/gatesync.yaml", "path to config file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
