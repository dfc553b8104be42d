package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/osgi"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command for the osgictl application
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "osgictl",
		Short: "osgictl - host and administer an osgi framework",
		Long: `osgictl runs a bundle framework, installs and starts bundles from
shared libraries, and offers an interactive shell, an HTTP console and a
watched bundle directory to administer it.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewManifestCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	}
}

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("osgictl v%s (commit: %s, built on: %s, framework %s)", Version, Commit, Date, osgi.FrameworkVersionValue)
}
