// Package cmd wires the idds command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "idds",
	Short: "Workflow-driven data delivery control plane",
	Long: `idds runs the control plane that turns workflow requests into
external workload-manager tasks: the clerk expands requests into
transforms, the transformer materializes collections and contents, and
the carrier submits and reconciles the external tasks.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: built-in defaults plus IDDS_ env vars)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
