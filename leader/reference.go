package leader

import (
	"errors"
	"sort"

	"github.com/streamsim/dflow/op"
)

// ErrReduceNotLast is returned by Reference when schedule contains a
// Reduce step that is not the final one, mirroring the same
// restriction op.Apply's callers rely on elsewhere.
var ErrReduceNotLast = errors.New("leader: reduce step must be the last step of the schedule")

// Reference recomputes the expected final result directly from the
// known schedule and input partitions, independent of how the actual
// run distributed work across workers. ChangeKey steps only move a
// record between workers, never altering its value or whether it
// survives, so they are skipped here rather than replayed against any
// particular worker count.
//
// cmd/dflowsim run calls this once a Leader reports Done, comparing
// its output against Result as a sanity check on the real run.
func Reference(schedule op.Schedule, partitions [][]int32) ([]int32, error) {
	for i, step := range schedule {
		if step.Op == op.Reduce && i != len(schedule)-1 {
			return nil, ErrReduceNotLast
		}
	}

	reduceLast := schedule.EndsInReduce()
	var sum int32
	var survivors []int32

	for _, partition := range partitions {
		for _, v := range partition {
			value, reduced, dropped := replay(schedule, v)
			switch {
			case reduced:
				sum += value
			case !dropped:
				survivors = append(survivors, value)
			}
		}
	}

	if reduceLast {
		return []int32{sum}, nil
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i] < survivors[j] })
	return survivors, nil
}

// replay walks one record through every non-ChangeKey step of
// schedule, returning its final value and whether it was folded by a
// Reduce step or dropped by a filter/division.
func replay(schedule op.Schedule, value int32) (result int32, reduced bool, dropped bool) {
	result = value
	for _, step := range schedule {
		if step.Op == op.ChangeKey {
			continue
		}
		res := op.Apply(step, result, op.ChangeKeyParams{})
		switch res.Outcome {
		case op.Survives:
			result = res.Value
		case op.Dropped:
			return result, false, true
		case op.Reduced:
			return res.Value, true, false
		}
	}
	return result, false, false
}
