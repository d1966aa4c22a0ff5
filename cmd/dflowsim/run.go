package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/leader"
)

// newRunCommand builds the "run" subcommand: generate a random
// scenario, drive it to completion, then sanity-check the result
// against leader.Reference before printing it.
func newRunCommand() *cobra.Command {
	var (
		numWorkers           int32
		batchSize            int32
		changeKeyProbability float64
		failureProbability   float64
		reduceFailureWeight  float64
		insertRetryTimeout   time.Duration
		pingInterval         time.Duration
		pingTimeout          time.Duration
		scheduleSize         int
		seed                 int64
		root                 string
		dumpPath             string
		logLevel             string
		stepDelayMu          float64
		stepDelaySigma       float64
		changeKeyDelayMu     float64
		changeKeyDelaySigma  float64
		batchDelayMu         float64
		batchDelaySigma      float64
		reduceDelayMu        float64
		reduceDelaySigma     float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated distributed dataflow pipeline to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().
				Timestamp().
				Logger()

			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			cfg := runConfig{
				numWorkers:           numWorkers,
				batchSize:            batchSize,
				changeKeyProbability: changeKeyProbability,
				failureProbability:   failureProbability,
				reduceFailureWeight:  reduceFailureWeight,
				insertRetryTimeout:   insertRetryTimeout,
				pingInterval:         pingInterval,
				pingTimeout:          pingTimeout,
				scheduleSize:         scheduleSize,
				seed:                 seed,
				root:                 root,
				dumpPath:             dumpPath,
				delays: clock.Delays{
					Step:      clock.LogNormal{Mu: stepDelayMu, Sigma: stepDelaySigma},
					ChangeKey: clock.LogNormal{Mu: changeKeyDelayMu, Sigma: changeKeyDelaySigma},
					Batch:     clock.LogNormal{Mu: batchDelayMu, Sigma: batchDelaySigma},
					Reduce:    clock.LogNormal{Mu: reduceDelayMu, Sigma: reduceDelaySigma},
				},
				log: log,
			}

			log.Info().Int64("seed", seed).Int32("workers", numWorkers).Msg("starting simulation")

			run, err := runSimulation(cfg)
			if err != nil {
				return err
			}

			reference, err := leader.Reference(run.scenario.Schedule, run.scenario.Partitions)
			if err != nil {
				log.Warn().Err(err).Msg("could not compute reference result")
			} else if !equalInt32s(run.result, reference) {
				log.Error().
					Ints32("result", run.result).
					Ints32("reference", reference).
					Msg("result does not match leader-side reference computation")
			} else {
				log.Info().Msg("result matches leader-side reference computation")
			}

			log.Info().Ints32("result", run.result).Msg("simulation complete")
			fmt.Println(run.result)
			return nil
		},
	}

	cmd.Flags().Int32Var(&numWorkers, "workers", 4, "number of worker actors")
	cmd.Flags().Int32Var(&batchSize, "batch-size", 20, "records loaded per batch")
	cmd.Flags().Float64Var(&changeKeyProbability, "change-key-probability", 0.5, "probability parameter for change-key routing")
	cmd.Flags().Float64Var(&failureProbability, "failure-probability", 0.01, "per-step probability of a simulated worker crash")
	cmd.Flags().Float64Var(&reduceFailureWeight, "reduce-failure-weight", 2, "multiplier on failure-probability before a reduce step")
	cmd.Flags().DurationVar(&insertRetryTimeout, "insert-retry-timeout", 50*time.Millisecond, "change-key ack retry timeout")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", 2500*time.Millisecond, "leader heartbeat interval")
	cmd.Flags().DurationVar(&pingTimeout, "ping-timeout", 2*time.Second, "leader heartbeat response timeout")
	cmd.Flags().IntVar(&scheduleSize, "schedule-size", 0, "pipeline schedule length (0 picks a random size)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "RNG seed (0 picks one from the current time)")
	cmd.Flags().StringVar(&root, "root", "Data", "durable state directory")
	cmd.Flags().StringVar(&dumpPath, "dump", "", "write every exchanged message to this file for later replay (disabled if empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")
	cmd.Flags().Float64Var(&stepDelayMu, "step-delay-mu", 0, "log-normal mu for ordinary step delay")
	cmd.Flags().Float64Var(&stepDelaySigma, "step-delay-sigma", 0, "log-normal sigma for ordinary step delay")
	cmd.Flags().Float64Var(&changeKeyDelayMu, "change-key-delay-mu", 0, "log-normal mu for change-key send delay")
	cmd.Flags().Float64Var(&changeKeyDelaySigma, "change-key-delay-sigma", 0, "log-normal sigma for change-key send delay")
	cmd.Flags().Float64Var(&batchDelayMu, "batch-delay-mu", 0, "log-normal mu for batch-boundary delay")
	cmd.Flags().Float64Var(&batchDelaySigma, "batch-delay-sigma", 0, "log-normal sigma for batch-boundary delay")
	cmd.Flags().Float64Var(&reduceDelayMu, "reduce-delay-mu", 0, "log-normal mu for reduce-step delay")
	cmd.Flags().Float64Var(&reduceDelaySigma, "reduce-delay-sigma", 0, "log-normal sigma for reduce-step delay")

	return cmd
}

func equalInt32s(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
