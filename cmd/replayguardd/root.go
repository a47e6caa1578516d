// Command replayguardd is the Session Coordinator process entrypoint.
//
// Grounded on tomasbasham/har-capture's internal/cmd/{root,serve}.go: a
// cobra root command (no flags of its own), and a `serve` subcommand
// whose Options struct carries flag values through Complete/Validate/Run.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "replayguardd",
		Short:         "Session Coordinator for Cloudflare challenge replay capture",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the replayguardd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "replayguardd %s (%s)\n", version, commit)
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
