// Package changekey implements the change-key delivery protocol
// between workers. A Sender drives an Idle/AwaitingAck state machine
// that retries an unacknowledged DataInsert until acked; a Receiver
// applies inbound inserts to an insertmanager.Manager and replies
// unconditionally. Counters persists the durable sequence numbers the
// protocol depends on for exactly-once delivery and for the leader's
// termination check.
package changekey

import (
	"fmt"
	"time"

	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/insertmanager"
	"github.com/streamsim/dflow/storage"
	"github.com/streamsim/dflow/wire"
)

// Envelope adapts a wire.DataInsert to clock.Message so it can travel
// through the clock abstraction's Send/Deliver path.
type Envelope struct {
	Payload wire.DataInsert
}

// From implements clock.Message.
func (e Envelope) From() clock.ID { return clock.ID(e.Payload.SenderID) }

// To implements clock.Message.
func (e Envelope) To() clock.ID { return clock.ID(e.Payload.DestID) }

// State is the sender's position in the Idle/AwaitingAck state
// machine.
type State int

const (
	Idle State = iota
	AwaitingAck
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitingAck:
		return "AwaitingAck"
	default:
		return "Unknown"
	}
}

// Counters holds the durable sequence numbers the change-key protocol
// depends on: changeKeyCtr (the most recently assigned outgoing
// reqID), and the
// changeKeySent/changeKeyReceived pair the leader's termination check
// sums across workers. previousLocal is stored alongside changeKeyCtr
// in the same file since they're read and written together; the
// worker executor is the only thing that reads or sets previousLocal.
type Counters struct {
	counterPath  string
	sentRecvPath string

	ctr           int32
	previousLocal bool
	sent          int32
	received      int32
}

// LoadCounters restores durable counters from counterPath and
// sentRecvPath, defaulting to zero values if either file is absent
// (a worker's first run).
func LoadCounters(counterPath, sentRecvPath string) (*Counters, error) {
	c := &Counters{counterPath: counterPath, sentRecvPath: sentRecvPath}

	lines, err := storage.ReadLines(counterPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", counterPath, err)
	}
	if len(lines) > 0 {
		ctr, flag, ok := storage.ParseIntPair(lines[0])
		if ok {
			c.ctr = ctr
			c.previousLocal = flag != 0
		}
	}

	lines, err = storage.ReadLines(sentRecvPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", sentRecvPath, err)
	}
	if len(lines) > 0 {
		sent, received, ok := storage.ParseIntPair(lines[0])
		if ok {
			c.sent = sent
			c.received = received
		}
	}

	return c, nil
}

// Ctr returns the reqID most recently assigned by NextReqID (zero
// before the first one); the next assignment is Ctr()+1.
func (c *Counters) Ctr() int32 { return c.ctr }

// PreviousLocal reports whether the most recently consumed batch came
// from the local partition (BatchLoader) rather than the insert log
// (InsertManager), for the worker's source-alternation flag.
func (c *Counters) PreviousLocal() bool { return c.previousLocal }

// SetPreviousLocal durably records the worker's batch-source flag.
func (c *Counters) SetPreviousLocal(local bool) error {
	c.previousLocal = local
	return c.saveCounterFile()
}

// NextReqID allocates and durably persists a fresh changeKeyCtr value
// for an outgoing insert.
func (c *Counters) NextReqID() (int32, error) {
	c.ctr++
	if err := c.saveCounterFile(); err != nil {
		return 0, err
	}
	return c.ctr, nil
}

// Sent returns the durable changeKeySent count.
func (c *Counters) Sent() int32 { return c.sent }

// Received returns the durable changeKeyReceived count.
func (c *Counters) Received() int32 { return c.received }

// IncrementSent durably bumps changeKeySent, called by the sender once
// an outgoing insert is acked.
func (c *Counters) IncrementSent() error {
	c.sent++
	return c.saveSentReceivedFile()
}

// IncrementReceived durably bumps changeKeyReceived, called by the
// receiver on non-duplicate acceptance of an inbound insert.
func (c *Counters) IncrementReceived() error {
	c.received++
	return c.saveSentReceivedFile()
}

func (c *Counters) saveCounterFile() error {
	flag := int32(0)
	if c.previousLocal {
		flag = 1
	}
	line := fmt.Sprintf("%d,%d", c.ctr, flag)
	if err := storage.WriteLines(c.counterPath, []string{line}); err != nil {
		return fmt.Errorf("saving %s: %w", c.counterPath, err)
	}
	return nil
}

func (c *Counters) saveSentReceivedFile() error {
	line := fmt.Sprintf("%d,%d", c.sent, c.received)
	if err := storage.WriteLines(c.sentRecvPath, []string{line}); err != nil {
		return fmt.Errorf("saving %s: %w", c.sentRecvPath, err)
	}
	return nil
}

// Sender drives the Idle/AwaitingAck state machine for one worker's
// outgoing change-keys. Only one insert may be outstanding at a time:
// the executor's event loop is expected to stay paused (not advance
// NextStep) while Busy() is true.
type Sender struct {
	self       clock.ID
	clk        clock.Clock
	retryDelay time.Duration
	counters   *Counters

	state   State
	pending wire.DataInsert
	timer   clock.Tag
}

// NewSender constructs a Sender bound to self's clock and durable
// counters. retryDelay is the fixed ack timeout.
func NewSender(self clock.ID, clk clock.Clock, retryDelay time.Duration, counters *Counters) *Sender {
	return &Sender{self: self, clk: clk, retryDelay: retryDelay, counters: counters}
}

// Busy reports whether a change-key is outstanding; the executor must
// not start another until this returns false.
func (s *Sender) Busy() bool { return s.state == AwaitingAck }

// Send starts delivering (scheduleStep, value) to dest. It allocates a
// fresh durable reqID, transmits an unacked DataInsert, arms the retry
// timer, and transitions to AwaitingAck. Calling Send while already
// busy is a programming error.
func (s *Sender) Send(dest clock.ID, scheduleStep, value int32) error {
	if s.state != Idle {
		return fmt.Errorf("changekey: Send called while sender is %s", s.state)
	}
	reqID, err := s.counters.NextReqID()
	if err != nil {
		return err
	}

	s.pending = wire.DataInsert{
		SenderID:     int32(s.self),
		DestID:       int32(dest),
		ReqID:        reqID,
		ScheduleStep: scheduleStep,
		Value:        value,
		Ack:          false,
	}
	s.state = AwaitingAck
	s.clk.Send(Envelope{Payload: s.pending})
	s.timer = s.clk.ScheduleSelf(s.retryDelay)
	return nil
}

// Abort cancels any outstanding retry timer and resets the sender to
// Idle, discarding the held message without acking it. The owning
// worker calls this when it simulates a crash; durable counters are
// left untouched.
func (s *Sender) Abort() {
	if s.state == AwaitingAck {
		s.clk.Cancel(s.timer)
	}
	s.state = Idle
	s.timer = 0
}

// Fire handles a clock.Actor.Fire callback. It reports whether tag
// belonged to this sender's retry timer; if so, and the sender is
// still awaiting an ack, it resends the held insert and rearms the
// timer. Retries are unbounded.
func (s *Sender) Fire(tag clock.Tag) bool {
	if tag != s.timer || s.state != AwaitingAck {
		return false
	}
	s.clk.Send(Envelope{Payload: s.pending})
	s.timer = s.clk.ScheduleSelf(s.retryDelay)
	return true
}

// HandleAck processes an inbound DataInsert and reports whether it
// completed this sender's outstanding request. Non-matching or
// unacked messages are ignored (false, caller should route them
// elsewhere, e.g. to a Receiver).
func (s *Sender) HandleAck(msg wire.DataInsert) bool {
	if s.state != AwaitingAck || !msg.Ack {
		return false
	}
	if msg.ReqID != s.pending.ReqID || msg.DestID != int32(s.self) || msg.SenderID != s.pending.DestID {
		return false
	}
	s.clk.Cancel(s.timer)
	s.timer = 0
	s.state = Idle
	if err := s.counters.IncrementSent(); err != nil {
		return true
	}
	return true
}

// Receiver applies inbound, unacked change-key inserts to an
// insertmanager.Manager and replies unconditionally.
type Receiver struct {
	self     clock.ID
	clk      clock.Clock
	mgr      *insertmanager.Manager
	counters *Counters
}

// NewReceiver constructs a Receiver for self, appending accepted
// inserts to mgr and tracking changeKeyReceived in counters.
func NewReceiver(self clock.ID, clk clock.Clock, mgr *insertmanager.Manager, counters *Counters) *Receiver {
	return &Receiver{self: self, clk: clk, mgr: mgr, counters: counters}
}

// Handle processes an inbound DataInsert{ack=false}. It always replies
// with an ack on the arrival link, even for a duplicate, since the
// sender may be retrying after a lost ack. Duplicate (senderID, reqID)
// pairs do not advance changeKeyReceived.
func (r *Receiver) Handle(msg wire.DataInsert) error {
	if msg.Ack {
		return fmt.Errorf("changekey: Receiver.Handle called with an acked message")
	}

	accepted, err := r.mgr.InsertValue(msg.SenderID, msg.ReqID, msg.ScheduleStep, msg.Value)
	if err != nil {
		return err
	}
	if accepted {
		if err := r.counters.IncrementReceived(); err != nil {
			return err
		}
	}

	r.clk.Send(Envelope{Payload: msg.AckReply()})
	return nil
}
