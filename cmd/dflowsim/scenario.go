package main

import (
	"math/rand"

	"github.com/streamsim/dflow/op"
)

// Scenario bundles the randomly generated input this binary feeds to a
// run: one partition of values per worker and the shared pipeline
// schedule every worker executes. Generated here rather than inside
// the leader package so Leader stays testable without an RNG.
type Scenario struct {
	Partitions [][]int32
	Schedule   op.Schedule
}

const (
	minPartitionSize = 90
	maxPartitionSize = 95
	minValue         = 1
	maxValue         = 100
)

// generatePartitions builds one random partition per worker, mirroring
// sendData's per-worker element count and value range.
func generatePartitions(rng *rand.Rand, numWorkers int32) [][]int32 {
	partitions := make([][]int32, numWorkers)
	for i := int32(0); i < numWorkers; i++ {
		n := minPartitionSize + rng.Intn(maxPartitionSize-minPartitionSize+1)
		values := make([]int32, n)
		for j := range values {
			values[j] = int32(minValue + rng.Intn(maxValue-minValue+1))
		}
		partitions[i] = values
	}
	return partitions
}

const (
	minScheduleSize = 8
	maxScheduleSize = 20
)

// numberOfFilters bounds how many comparison steps (Lt/Gt/Le/Ge) a
// schedule of the given size may contain.
func numberOfFilters(scheduleSize int) int {
	switch {
	case scheduleSize <= 10:
		return 2
	case scheduleSize <= 15:
		return 3
	case scheduleSize <= 20:
		return 4
	default:
		return 5
	}
}

var scheduleOps = []op.Code{
	op.Add, op.Sub, op.Mul, op.Div, op.Gt, op.Lt, op.Ge, op.Le, op.ChangeKey, op.Reduce,
}

// generateSchedule picks a random schedule of the given size, rejecting
// and resampling an operation whenever it would place Reduce anywhere
// but the last step or would exceed the filter budget. Like
// sendSchedule, any such resample forces the final step to Reduce
// regardless of what was drawn there originally.
func generateSchedule(rng *rand.Rand, scheduleSize int) op.Schedule {
	maxFilter := numberOfFilters(scheduleSize)
	reduceFound := false

	steps := make([]op.Step, scheduleSize)
	for i := 0; i < scheduleSize; i++ {
		code := scheduleOps[rng.Intn(len(scheduleOps))]
		for (code == op.Reduce && i != scheduleSize-1) || (code.IsFilter() && maxFilter == 0) {
			reduceFound = true
			code = scheduleOps[rng.Intn(len(scheduleOps))]
		}

		var param int32
		switch {
		case code == op.ChangeKey:
			param = 0
		case code == op.Lt || code == op.Le:
			param = int32(60 + rng.Intn(41))
		case code == op.Gt || code == op.Ge:
			param = int32(rng.Intn(41))
		default:
			param = int32(1 + rng.Intn(10))
		}

		if code.IsFilter() {
			maxFilter--
		}
		steps[i] = op.Step{Op: code, Parameter: param}
	}

	if reduceFound {
		steps[scheduleSize-1] = op.Step{Op: op.Reduce}
	}
	return steps
}

func generateScenario(rng *rand.Rand, numWorkers int32, scheduleSize int) Scenario {
	if scheduleSize <= 0 {
		scheduleSize = minScheduleSize + rng.Intn(maxScheduleSize-minScheduleSize+1)
	}
	return Scenario{
		Partitions: generatePartitions(rng, numWorkers),
		Schedule:   generateSchedule(rng, scheduleSize),
	}
}
