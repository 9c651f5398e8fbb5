// Package commands implements the mkvbot CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mkvbot",
		Short: "MKVToolNix chat bot",
		Long: `mkvbot lets chat users extract, mux, merge and edit Matroska files
with MKVToolNix through button menus on Telegram or Discord, or locally
on the terminal.

Examples:
  mkvbot serve
  mkvbot serve --channel discord
  mkvbot console
  mkvbot probe movie.mkv
  mkvbot check`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConsoleCmd(),
		newProbeCmd(),
		newCheckCmd(),
		newSetupCmd(),
		newTokenCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig loads the configuration named by --config, or the discovered
// one.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return v
}
