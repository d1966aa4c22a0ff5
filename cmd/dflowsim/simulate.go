package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/leader"
	"github.com/streamsim/dflow/worker"
)

// runConfig collects everything a single simulated run needs, parsed
// out of command-line flags by newRunCommand.
type runConfig struct {
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
	delays               clock.Delays
	log                  zerolog.Logger
}

// runResult bundles a completed run's output with the scenario it ran,
// so the caller can compute leader.Reference against the same input.
type runResult struct {
	result   []int32
	scenario Scenario
}

// runSimulation wires a Leader and runConfig.numWorkers Workers onto a
// single clock.SimClock, runs the clock to quiescence, and returns the
// final result alongside the scenario that produced it. When
// cfg.dumpPath is set, every message exchanged during the run is
// captured and written there for later inspection by the replay
// subcommand.
func runSimulation(cfg runConfig) (runResult, error) {
	rng := rand.New(rand.NewSource(cfg.seed))
	scenario := generateScenario(rng, cfg.numWorkers, cfg.scheduleSize)

	sim := clock.NewSimClock(nil)

	var rec *clock.Recorder
	if cfg.dumpPath != "" {
		rec = clock.NewRecorder()
		sim.Record(rec)
	}

	leaderClk := sim.Bind(clock.LeaderID)
	l := leader.New(leaderClk, leader.Config{
		NumWorkers:   cfg.numWorkers,
		Partitions:   scenario.Partitions,
		Schedule:     scenario.Schedule,
		PingInterval: cfg.pingInterval,
		PingTimeout:  cfg.pingTimeout,
		Root:         cfg.root,
	}, cfg.log)
	sim.Attach(clock.LeaderID, l)

	for i := int32(0); i < cfg.numWorkers; i++ {
		id := clock.ID(i)
		workerClk := sim.Bind(id)
		workerRNG := rand.New(rand.NewSource(cfg.seed + int64(i) + 1))
		w := worker.New(id, workerClk, worker.Config{
			NumWorkers:           cfg.numWorkers,
			BatchSize:            cfg.batchSize,
			ChangeKeyProbability: cfg.changeKeyProbability,
			FailureProbability:   cfg.failureProbability,
			ReduceFailureWeight:  cfg.reduceFailureWeight,
			InsertRetryTimeout:   cfg.insertRetryTimeout,
			Delays:               cfg.delays,
			Root:                 cfg.root,
		}, workerRNG, cfg.log)
		sim.Attach(id, w)
	}

	if err := l.Start(); err != nil {
		return runResult{}, fmt.Errorf("starting leader: %w", err)
	}

	sim.Run()

	if !l.Done() {
		return runResult{}, fmt.Errorf("simulation's event queue drained before the leader reported done")
	}

	if rec != nil {
		if err := rec.Dump(cfg.dumpPath); err != nil {
			return runResult{}, fmt.Errorf("writing message dump: %w", err)
		}
	}

	return runResult{result: l.Result(), scenario: scenario}, nil
}
