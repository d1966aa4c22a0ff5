package clock

import (
	"container/heap"
	"time"
)

type eventKind uint8

const (
	kindMessage eventKind = iota
	kindTimer
)

type event struct {
	at    time.Time
	seq   uint64
	kind  eventKind
	msg   Message
	tag   Tag
	owner ID
}

// eventQueue is a min-heap ordered by (at, seq): events due at the same
// simulated instant are delivered in the order they were scheduled,
// which is what gives one directed link its FIFO delivery guarantee.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(*event)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// LinkDelay samples the transit delay for a message between two
// actors. A nil LinkDelay means zero transit time.
type LinkDelay func(from, to ID) time.Duration

// SimClock is a single-process, deterministic discrete-event scheduler.
// It owns one time-ordered queue shared by every registered Actor,
// supporting arbitrary per-message delays and cancellable timers
// instead of round-synchronous delivery.
type SimClock struct {
	now       time.Time
	queue     eventQueue
	seq       uint64
	actors    map[ID]Actor
	cancelled map[Tag]struct{}
	linkDelay LinkDelay
	halted    bool
	recorder  *Recorder
}

// NewSimClock creates an empty SimClock starting at the zero time. A
// nil linkDelay delivers every message instantaneously.
func NewSimClock(linkDelay LinkDelay) *SimClock {
	return &SimClock{
		actors:    make(map[ID]Actor),
		cancelled: make(map[Tag]struct{}),
		linkDelay: linkDelay,
	}
}

// Register binds an Actor to this clock and returns the Clock handle
// that actor should use for Send/ScheduleSelf/Cancel.
func (s *SimClock) Register(a Actor) Clock {
	s.actors[a.ID()] = a
	return &boundClock{owner: a.ID(), sim: s}
}

// Bind hands out the Clock handle for an actor ID before that actor
// exists, so a constructor that takes a Clock argument (as Leader and
// Worker both do) can be given one without a chicken-and-egg cycle
// through Register. Pair with Attach once the actor is constructed.
func (s *SimClock) Bind(id ID) Clock {
	return &boundClock{owner: id, sim: s}
}

// Attach registers an already-constructed actor under id, the second
// half of the Bind/Attach pair.
func (s *SimClock) Attach(id ID, a Actor) {
	s.actors[id] = a
}

// Deregister removes an actor. Used when simulating a crash: the
// actor's pending timers are left in the queue but will find no
// registered owner and are silently dropped on Fire, which has the
// same effect as cancelling them outright even though they are never
// removed from the queue's bookkeeping.
func (s *SimClock) Deregister(id ID) {
	delete(s.actors, id)
}

// Record attaches r to this clock; every message Run delivers from
// then on is also appended to r. Pass nil to stop recording.
func (s *SimClock) Record(r *Recorder) {
	s.recorder = r
}

// Halt stops Run after the event currently being processed returns.
// The leader does not call it: a run ends when the queue drains after
// the leader cancels its heartbeat timers and broadcasts FinishSim.
func (s *SimClock) Halt() {
	s.halted = true
}

// Now returns the current simulated time.
func (s *SimClock) Now() time.Time { return s.now }

// Run drains the event queue in time order until it is empty or Halt
// is called. It is not safe for concurrent use; exactly one goroutine
// drives a given SimClock, matching the single-threaded cooperative
// actor model every Actor in this package is written against.
func (s *SimClock) Run() {
	for !s.halted && s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*event)
		if e.at.After(s.now) {
			s.now = e.at
		}
		switch e.kind {
		case kindMessage:
			if s.recorder != nil {
				s.recorder.record(s.now, e.msg.From(), e.msg.To(), e.msg)
			}
			if a, ok := s.actors[e.msg.To()]; ok {
				a.Deliver(e.msg)
			}
		case kindTimer:
			if _, dead := s.cancelled[e.tag]; dead {
				delete(s.cancelled, e.tag)
				continue
			}
			if a, ok := s.actors[e.owner]; ok {
				a.Fire(e.tag)
			}
		}
	}
}

func (s *SimClock) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *SimClock) send(msg Message) {
	delay := time.Duration(0)
	if s.linkDelay != nil {
		delay = s.linkDelay(msg.From(), msg.To())
	}
	// Never deliver ahead of a message already queued on the same
	// directed link, so a shorter sampled delay cannot break FIFO.
	at := s.now.Add(delay)
	for _, e := range s.queue {
		if e.kind == kindMessage && e.msg.From() == msg.From() && e.msg.To() == msg.To() && e.at.After(at) {
			at = e.at
		}
	}
	heap.Push(&s.queue, &event{
		at:   at,
		seq:  s.nextSeq(),
		kind: kindMessage,
		msg:  msg,
	})
}

func (s *SimClock) scheduleSelf(owner ID, delay time.Duration) Tag {
	seq := s.nextSeq()
	tag := Tag(seq)
	heap.Push(&s.queue, &event{
		at:    s.now.Add(delay),
		seq:   seq,
		kind:  kindTimer,
		tag:   tag,
		owner: owner,
	})
	return tag
}

func (s *SimClock) cancel(tag Tag) {
	s.cancelled[tag] = struct{}{}
}

// boundClock is the per-actor Clock handle SimClock hands out via
// Register; it closes over the owning actor's ID so ScheduleSelf can
// route timers back to the right actor.
type boundClock struct {
	owner ID
	sim   *SimClock
}

func (c *boundClock) Now() time.Time { return c.sim.now }

func (c *boundClock) Send(msg Message) { c.sim.send(msg) }

func (c *boundClock) ScheduleSelf(delay time.Duration) Tag {
	return c.sim.scheduleSelf(c.owner, delay)
}

func (c *boundClock) Cancel(tag Tag) { c.sim.cancel(tag) }
