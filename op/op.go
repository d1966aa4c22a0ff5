// Package op implements the stateless operator kernel, schedule step
// evaluation over a closed set of map, filter, changekey and reduce
// operators applied to one record at a time.
package op

import "fmt"

// Code identifies which operator a schedule step applies. The set is
// closed and schedule generation is assumed to only ever emit one of
// these.
type Code uint8

const (
	// Add computes value + parameter.
	Add = Code(iota)
	// Sub computes value - parameter.
	Sub
	// Mul computes value * parameter.
	Mul
	// Div computes value / parameter. Division by zero yields Dropped.
	Div
	// Lt retains the record iff value < parameter.
	Lt
	// Gt retains the record iff value > parameter.
	Gt
	// Le retains the record iff value <= parameter.
	Le
	// Ge retains the record iff value >= parameter.
	Ge
	// ChangeKey proposes a new owning worker for the record.
	ChangeKey
	// Reduce folds the record into the running sum. Only legal as the
	// last step of a schedule.
	Reduce
)

// String implements the Stringer interface.
func (c Code) String() string {
	switch c {
	case Add:
		return "Add"
	case Sub:
		return "Sub"
	case Mul:
		return "Mul"
	case Div:
		return "Div"
	case Lt:
		return "Lt"
	case Gt:
		return "Gt"
	case Le:
		return "Le"
	case Ge:
		return "Ge"
	case ChangeKey:
		return "ChangeKey"
	case Reduce:
		return "Reduce"
	default:
		return fmt.Sprintf("Unknown(%v)", uint8(c))
	}
}

// IsMap returns true for the arithmetic operators.
func (c Code) IsMap() bool {
	return c == Add || c == Sub || c == Mul || c == Div
}

// IsFilter returns true for the comparison operators.
func (c Code) IsFilter() bool {
	return c == Lt || c == Gt || c == Le || c == Ge
}

// Step is one entry of a Schedule: an operator and its parameter. The
// parameter is unused for ChangeKey and Reduce.
type Step struct {
	Op        Code
	Parameter int32
}

// Schedule is the ordered, immutable sequence of steps applied
// identically by every worker. Reduce, if present, may only appear as
// the last step.
type Schedule []Step

// EndsInReduce reports whether the schedule's final step is Reduce.
func (s Schedule) EndsInReduce() bool {
	return len(s) > 0 && s[len(s)-1].Op == Reduce
}

// Outcome classifies what happened to a record after Apply.
type Outcome uint8

const (
	// Survives means the record continues to the next step unchanged
	// (or with its new arithmetic value).
	Survives = Outcome(iota)
	// Dropped means the record is permanently removed from the
	// pipeline (a filter failed, or a division by zero occurred).
	Dropped
	// Rerouted means the record was handed off to the change-key
	// protocol and removed from the local pipeline; Result.NewOwner
	// names the destination worker.
	Rerouted
	// Reduced means the record was folded into the running total and
	// removed from the pipeline.
	Reduced
)

// Result is the outcome of applying one Step to one record.
type Result struct {
	Outcome  Outcome
	Value    int32 // valid unless Outcome == Dropped
	NewOwner int32 // valid when Outcome == Rerouted
}

// ChangeKeyParams carries the values needed to evaluate a ChangeKey
// step, since the decision depends on global topology (worker count)
// rather than just the step's own parameter.
type ChangeKeyParams struct {
	// Probability is the configured routing probability p. The new
	// owner is computed as value mod (ceil(1/p) * numWorkers).
	Probability float64
	NumWorkers  int32
	SelfID      int32
}

// Divisor returns ceil(1/p) * numWorkers, the modulus used to propose a
// new owner. It is pure and deterministic so that every worker and
// every restart computes an identical value, which is required for
// routing decisions to agree across replays.
func (p ChangeKeyParams) Divisor() int32 {
	k := int32(1.0 / p.Probability)
	if float64(k)*p.Probability < 1.0 {
		k++
	}
	return k * p.NumWorkers
}

// Apply evaluates one schedule step against one record. ckParams is
// only consulted when step.Op == ChangeKey.
func Apply(step Step, value int32, ckParams ChangeKeyParams) Result {
	switch step.Op {
	case Add:
		return Result{Outcome: Survives, Value: value + step.Parameter}
	case Sub:
		return Result{Outcome: Survives, Value: value - step.Parameter}
	case Mul:
		return Result{Outcome: Survives, Value: value * step.Parameter}
	case Div:
		if step.Parameter == 0 {
			return Result{Outcome: Dropped}
		}
		return Result{Outcome: Survives, Value: value / step.Parameter}
	case Lt:
		if value < step.Parameter {
			return Result{Outcome: Survives, Value: value}
		}
		return Result{Outcome: Dropped}
	case Gt:
		if value > step.Parameter {
			return Result{Outcome: Survives, Value: value}
		}
		return Result{Outcome: Dropped}
	case Le:
		if value <= step.Parameter {
			return Result{Outcome: Survives, Value: value}
		}
		return Result{Outcome: Dropped}
	case Ge:
		if value >= step.Parameter {
			return Result{Outcome: Survives, Value: value}
		}
		return Result{Outcome: Dropped}
	case ChangeKey:
		divisor := ckParams.Divisor()
		newOwner := value % divisor
		if newOwner < 0 || newOwner >= ckParams.NumWorkers || newOwner == ckParams.SelfID {
			return Result{Outcome: Survives, Value: value}
		}
		return Result{Outcome: Rerouted, Value: value, NewOwner: newOwner}
	case Reduce:
		return Result{Outcome: Reduced, Value: value}
	default:
		panic(fmt.Sprintf("op: unhandled operator code %v", step.Op))
	}
}
