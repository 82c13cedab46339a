// Package commands implements the nlockd CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "nlockd",
	Short:         "Network lock manager daemon",
	Long:          "nlockd mediates advisory byte-range locks and share reservations\nbetween local clients and remote peers, and recovers from peer\ncrashes with the help of the local status monitor.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: built-in defaults)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("nlockd %s (commit %s, built %s)\n", version, commit, date)
	},
}
