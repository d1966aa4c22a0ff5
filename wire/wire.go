// Package wire defines the typed message envelopes exchanged between
// the leader and workers, and between workers. Every message
// implements surge's SizeHinter/Marshaler/Unmarshaler triad.
package wire

import (
	"github.com/renproject/surge"

	"github.com/streamsim/dflow/op"
)

// Setup assigns a worker its identity and initial partition. Sent
// leader -> worker.
type Setup struct {
	AssignedID int32
	Data       []int32
}

// SizeHint implements the surge.SizeHinter interface.
func (m Setup) SizeHint() int {
	return surge.SizeHint(m.AssignedID) + surge.SizeHint(m.Data)
}

// Marshal implements the surge.Marshaler interface.
func (m Setup) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalI32(m.AssignedID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.Marshal(m.Data, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *Setup) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.UnmarshalI32(&m.AssignedID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.Unmarshal(&m.Data, buf, rem)
}

// Schedule broadcasts the linear pipeline program. Sent leader ->
// worker; all workers receive the identical schedule.
type Schedule struct {
	Ops        []op.Code
	Parameters []int32
}

// SizeHint implements the surge.SizeHinter interface.
func (m Schedule) SizeHint() int {
	return 4 + len(m.Ops) + surge.SizeHint(m.Parameters)
}

// Marshal implements the surge.Marshaler interface.
func (m Schedule) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := marshalOpCodes(m.Ops, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.Marshal(m.Parameters, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *Schedule) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := unmarshalOpCodes(&m.Ops, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.Unmarshal(&m.Parameters, buf, rem)
}

// ToOpSchedule converts the wire representation into an op.Schedule.
func (m Schedule) ToOpSchedule() op.Schedule {
	s := make(op.Schedule, len(m.Ops))
	for i := range m.Ops {
		s[i] = op.Step{Op: m.Ops[i], Parameter: m.Parameters[i]}
	}
	return s
}

// FromOpSchedule builds the wire representation of an op.Schedule.
func FromOpSchedule(s op.Schedule) Schedule {
	m := Schedule{Ops: make([]op.Code, len(s)), Parameters: make([]int32, len(s))}
	for i, step := range s {
		m.Ops[i] = step.Op
		m.Parameters[i] = step.Parameter
	}
	return m
}

func marshalOpCodes(ops []op.Code, buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalU32(uint32(len(ops)), buf, rem)
	if err != nil {
		return buf, rem, err
	}
	for _, o := range ops {
		buf, rem, err = surge.MarshalU8(uint8(o), buf, rem)
		if err != nil {
			return buf, rem, err
		}
	}
	return buf, rem, nil
}

func unmarshalOpCodes(ops *[]op.Code, buf []byte, rem int) ([]byte, int, error) {
	var l uint32
	buf, rem, err := surge.UnmarshalU32(&l, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	*ops = make([]op.Code, l)
	for i := range *ops {
		var b uint8
		buf, rem, err = surge.UnmarshalU8(&b, buf, rem)
		if err != nil {
			return buf, rem, err
		}
		(*ops)[i] = op.Code(b)
	}
	return buf, rem, nil
}

// Restart replays the schedule to a worker the leader believes has
// crashed and been respawned; the worker's volatile schedule was lost,
// so it must be resent in full.
type Restart struct {
	WorkerID   int32
	Ops        []op.Code
	Parameters []int32
}

// SizeHint implements the surge.SizeHinter interface.
func (m Restart) SizeHint() int {
	return surge.SizeHint(m.WorkerID) + 4 + len(m.Ops) + surge.SizeHint(m.Parameters)
}

// Marshal implements the surge.Marshaler interface.
func (m Restart) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalI32(m.WorkerID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = marshalOpCodes(m.Ops, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.Marshal(m.Parameters, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *Restart) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.UnmarshalI32(&m.WorkerID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = unmarshalOpCodes(&m.Ops, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.Unmarshal(&m.Parameters, buf, rem)
}

// Schedule returns the op.Schedule this Restart replays.
func (m Restart) Schedule() op.Schedule {
	return Schedule{Ops: m.Ops, Parameters: m.Parameters}.ToOpSchedule()
}

// FinishSim tells a worker the two-phase termination protocol has
// concluded; the worker should stop its event loop.
type FinishSim struct {
	WorkerID int32
}

// SizeHint implements the surge.SizeHinter interface.
func (m FinishSim) SizeHint() int { return surge.SizeHint(m.WorkerID) }

// Marshal implements the surge.Marshaler interface.
func (m FinishSim) Marshal(buf []byte, rem int) ([]byte, int, error) {
	return surge.MarshalI32(m.WorkerID, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *FinishSim) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	return surge.UnmarshalI32(&m.WorkerID, buf, rem)
}

// Ping is the leader's heartbeat probe; a worker echoes it back
// unmodified.
type Ping struct {
	WorkerID int32
}

// SizeHint implements the surge.SizeHinter interface.
func (m Ping) SizeHint() int { return surge.SizeHint(m.WorkerID) }

// Marshal implements the surge.Marshaler interface.
func (m Ping) Marshal(buf []byte, rem int) ([]byte, int, error) {
	return surge.MarshalI32(m.WorkerID, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *Ping) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	return surge.UnmarshalI32(&m.WorkerID, buf, rem)
}

// FinishLocalElaboration is sent worker -> leader the first time a
// worker exhausts both its local and remote sources, and leader ->
// worker as the "re-check change keys" order during reconciliation.
type FinishLocalElaboration struct {
	WorkerID          int32
	ChangeKeySent     int32
	ChangeKeyReceived int32
}

// SizeHint implements the surge.SizeHinter interface.
func (m FinishLocalElaboration) SizeHint() int {
	return surge.SizeHint(m.WorkerID) + surge.SizeHint(m.ChangeKeySent) + surge.SizeHint(m.ChangeKeyReceived)
}

// Marshal implements the surge.Marshaler interface.
func (m FinishLocalElaboration) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalI32(m.WorkerID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.MarshalI32(m.ChangeKeySent, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.MarshalI32(m.ChangeKeyReceived, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *FinishLocalElaboration) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.UnmarshalI32(&m.WorkerID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.UnmarshalI32(&m.ChangeKeySent, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.UnmarshalI32(&m.ChangeKeyReceived, buf, rem)
}

// CheckChangeKeyAck is the worker's response to a reconciliation
// request: its current partial result (or surviving-record vector) plus
// its sent/received counters.
type CheckChangeKeyAck struct {
	WorkerID          int32
	HasScalarResult   bool
	PartialResult     int32
	PartialVector     []int32
	ChangeKeySent     int32
	ChangeKeyReceived int32
}

// SizeHint implements the surge.SizeHinter interface.
func (m CheckChangeKeyAck) SizeHint() int {
	return surge.SizeHint(m.WorkerID) + 1 + surge.SizeHint(m.PartialResult) +
		surge.SizeHint(m.PartialVector) + surge.SizeHint(m.ChangeKeySent) + surge.SizeHint(m.ChangeKeyReceived)
}

// Marshal implements the surge.Marshaler interface.
func (m CheckChangeKeyAck) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalI32(m.WorkerID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = marshalBool(m.HasScalarResult, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.MarshalI32(m.PartialResult, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.Marshal(m.PartialVector, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.MarshalI32(m.ChangeKeySent, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.MarshalI32(m.ChangeKeyReceived, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *CheckChangeKeyAck) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.UnmarshalI32(&m.WorkerID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = unmarshalBool(&m.HasScalarResult, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.UnmarshalI32(&m.PartialResult, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.Unmarshal(&m.PartialVector, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.UnmarshalI32(&m.ChangeKeySent, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return surge.UnmarshalI32(&m.ChangeKeyReceived, buf, rem)
}

// DataInsert carries one change-key record between workers, plus its
// acknowledgement.
type DataInsert struct {
	SenderID     int32
	DestID       int32
	ReqID        int32
	ScheduleStep int32
	Value        int32
	Ack          bool
}

// SizeHint implements the surge.SizeHinter interface.
func (m DataInsert) SizeHint() int {
	return surge.SizeHint(m.SenderID) + surge.SizeHint(m.DestID) + surge.SizeHint(m.ReqID) +
		surge.SizeHint(m.ScheduleStep) + surge.SizeHint(m.Value) + 1
}

// Marshal implements the surge.Marshaler interface.
func (m DataInsert) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalI32(m.SenderID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.MarshalI32(m.DestID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.MarshalI32(m.ReqID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.MarshalI32(m.ScheduleStep, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.MarshalI32(m.Value, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return marshalBool(m.Ack, buf, rem)
}

// Unmarshal implements the surge.Unmarshaler interface.
func (m *DataInsert) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.UnmarshalI32(&m.SenderID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.UnmarshalI32(&m.DestID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.UnmarshalI32(&m.ReqID, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.UnmarshalI32(&m.ScheduleStep, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	buf, rem, err = surge.UnmarshalI32(&m.Value, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	return unmarshalBool(&m.Ack, buf, rem)
}

// AckReply returns the acknowledgement counterpart to a pending
// DataInsert, echoed back on the arrival link unconditionally.
func (m DataInsert) AckReply() DataInsert {
	reply := m
	reply.SenderID, reply.DestID = m.DestID, m.SenderID
	reply.Ack = true
	return reply
}

func marshalBool(b bool, buf []byte, rem int) ([]byte, int, error) {
	var v uint8
	if b {
		v = 1
	}
	return surge.MarshalU8(v, buf, rem)
}

func unmarshalBool(b *bool, buf []byte, rem int) ([]byte, int, error) {
	var v uint8
	buf, rem, err := surge.UnmarshalU8(&v, buf, rem)
	if err != nil {
		return buf, rem, err
	}
	*b = v != 0
	return buf, rem, nil
}
