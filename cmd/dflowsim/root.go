package main

import "github.com/spf13/cobra"

// newRootCommand builds the dflowsim CLI: a run subcommand that
// generates a random scenario and drives it to completion on an
// in-process clock.SimClock, and a replay subcommand that steps
// through a message dump captured by a previous run. The command
// construction follows the ecosystem's plain &cobra.Command{Use, RunE}
// idiom rather than a heavier dependency-injected subcommand registry.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dflowsim",
		Short: "Run and inspect a simulated distributed dataflow pipeline",
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newReplayCommand())

	return cmd
}
