// Package root holds the top-level cobra command for the vitalis CLI.
package root

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "vitalis",
	Short:         "Vitalis operations CLI",
	Long:          "Administrative tooling for the Vitalis clinic platform: registry bootstrap, clinic lifecycle and developer auth helpers.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command with all registered subcommands.
func Execute() error {
	return rootCmd.Execute()
}

// Root exposes the root command so subpackages can attach themselves.
func Root() *cobra.Command {
	return rootCmd
}
