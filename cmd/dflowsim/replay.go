package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamsim/dflow/clock"
)

// newReplayCommand builds the "replay" subcommand: load a message dump
// captured by "run --dump" and step through it one message at a time,
// printing each as it goes. This is the post-mortem counterpart to a
// live run, inspecting an already-finished run's recorded history
// rather than driving actors forward live.
func newReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <dump-file>",
		Short: "Step through a message dump captured by a previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := clock.LoadDump(args[0])
			if err != nil {
				return fmt.Errorf("loading dump: %w", err)
			}

			for i, m := range messages {
				fmt.Printf("%04d %s %d -> %d %s\n", i, m.At.Format("15:04:05.000000000"), m.From, m.To, m.Kind)
			}
			fmt.Printf("replayed %d messages\n", len(messages))
			return nil
		},
	}

	return cmd
}
