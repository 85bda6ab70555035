// Package cmd builds the termd daemon's cobra command tree, the same
// shape as the teacher's internal/cmd/root.go: a root command with
// subcommands registered in NewRootCmd. The root command sets no
// PersistentPreRunE; serve loads its config in its own RunE.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"termd/internal/config"
)

// Version is set at build time via -ldflags; it stays "dev" otherwise.
var Version = "dev"

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "termd",
		Short: "Terminal multiplexer daemon",
		Long:  "termd manages PTY-backed terminal sessions and exposes them over a local client channel and an optional federation mesh.",
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the termd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

// mustLoadConfig loads the daemon config from path, or from the default
// location when path is empty, returning any load error as is.
func mustLoadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}
