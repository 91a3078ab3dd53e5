package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "chat-sync",
		Short:        "Headless real-time chat synchronization client",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the configuration file")

	cmd.AddCommand(
		newRunCommand(),
		newMigrateCommand(),
		newVersionCommand(),
	)

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chat-sync %s\n", version)
		},
	}
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
