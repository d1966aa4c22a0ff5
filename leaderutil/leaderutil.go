// Package leaderutil provides fixtures for driving a leader.Leader in
// tests without a real clock.SimClock, following this project's
// package-local xxxutil convention of fixture construction rather than
// a generic mock framework.
package leaderutil

import (
	"time"

	"github.com/streamsim/dflow/clock"
)

// FakeClock is a minimal clock.Clock double recording sent messages
// and armed timers, with deterministic ascending tags so a test can
// fire them in the exact order a Leader armed them.
type FakeClock struct {
	Sent     []clock.Message
	Armed    map[clock.Tag]bool
	FiredTag clock.Tag

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

// FireLowest picks the lowest still-armed tag, removes it from Armed,
// and records it in FiredTag for the caller to pass to Fire.
func (f *FakeClock) FireLowest() {
	var tag clock.Tag
	for t := range f.Armed {
		if tag == 0 || t < tag {
			tag = t
		}
	}
	delete(f.Armed, tag)
	f.FiredTag = tag
}
