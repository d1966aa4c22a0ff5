// Package workerutil provides fixtures for driving a worker.Worker in
// tests without a real clock.SimClock, following this project's
// package-local xxxutil convention of fixture construction rather than
// a generic mock framework.
package workerutil

import (
	"time"

	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/transport"
	"github.com/streamsim/dflow/worker"
)

// FakeClock is a minimal clock.Clock double recording sent messages
// and armed timers, with no wall-clock behavior, so a Worker's event
// loop can be driven deterministically one timer at a time.
type FakeClock struct {
	Sent  []clock.Message
	Armed map[clock.Tag]bool

	nextTag clock.Tag
}

// NewFakeClock returns a FakeClock ready for use.
func NewFakeClock() *FakeClock {
	return &FakeClock{Armed: make(map[clock.Tag]bool)}
}

// Now implements clock.Clock.
func (f *FakeClock) Now() time.Time { return time.Time{} }

// Send implements clock.Clock.
func (f *FakeClock) Send(msg clock.Message) { f.Sent = append(f.Sent, msg) }

// ScheduleSelf implements clock.Clock.
func (f *FakeClock) ScheduleSelf(delay time.Duration) clock.Tag {
	f.nextTag++
	f.Armed[f.nextTag] = true
	return f.nextTag
}

// Cancel implements clock.Clock.
func (f *FakeClock) Cancel(tag clock.Tag) { delete(f.Armed, tag) }

// Drive repeatedly fires the lowest still-armed tag until nothing is
// armed or 1000 timers have fired, standing in for a real scheduler's
// event loop.
func (f *FakeClock) Drive(w *worker.Worker) {
	for i := 0; i < 1000 && len(f.Armed) > 0; i++ {
		var tag clock.Tag
		for t := range f.Armed {
			if tag == 0 || t < tag {
				tag = t
			}
		}
		delete(f.Armed, tag)
		w.Fire(tag)
	}
}

// LastEnvelope returns the most recently sent message as a
// transport.Envelope, panicking if nothing has been sent or the last
// message was a different type. Intended for tests only.
func (f *FakeClock) LastEnvelope() transport.Envelope {
	return f.Sent[len(f.Sent)-1].(transport.Envelope)
}
