package clock_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/streamsim/dflow/clock"
)

type pingMsg struct {
	from, to clock.ID
}

func (m pingMsg) From() clock.ID { return m.from }
func (m pingMsg) To() clock.ID   { return m.to }

type recorder struct {
	id        clock.ID
	delivered []clock.Message
	fired     []clock.Tag
}

func (r *recorder) ID() clock.ID { return r.id }
func (r *recorder) Deliver(msg clock.Message) {
	r.delivered = append(r.delivered, msg)
}
func (r *recorder) Fire(tag clock.Tag) {
	r.fired = append(r.fired, tag)
}

var _ = Describe("SimClock", func() {
	Specify("messages are delivered to their recipient", func() {
		sim := clock.NewSimClock(nil)
		a := &recorder{id: 0}
		b := &recorder{id: 1}
		ca := sim.Register(a)
		sim.Register(b)

		ca.Send(pingMsg{from: 0, to: 1})
		sim.Run()

		Expect(a.delivered).To(BeEmpty())
		Expect(b.delivered).To(HaveLen(1))
	})

	Specify("timers fire on the scheduling actor after the requested delay", func() {
		sim := clock.NewSimClock(nil)
		a := &recorder{id: 0}
		ca := sim.Register(a)

		tag := ca.ScheduleSelf(10 * time.Millisecond)
		sim.Run()

		Expect(a.fired).To(Equal([]clock.Tag{tag}))
		Expect(sim.Now()).To(Equal(time.Time{}.Add(10 * time.Millisecond)))
	})

	Specify("a cancelled timer never fires", func() {
		sim := clock.NewSimClock(nil)
		a := &recorder{id: 0}
		ca := sim.Register(a)

		tag := ca.ScheduleSelf(10 * time.Millisecond)
		ca.Cancel(tag)
		sim.Run()

		Expect(a.fired).To(BeEmpty())
	})

	Specify("two messages sent at the same instant on one link are both delivered", func() {
		sim := clock.NewSimClock(nil)
		a := &recorder{id: 0}
		b := &recorder{id: 1}
		ca := sim.Register(a)
		sim.Register(b)

		ca.Send(pingMsg{from: 0, to: 1})
		ca.Send(pingMsg{from: 0, to: 1})
		sim.Run()

		Expect(b.delivered).To(HaveLen(2))
	})

	Specify("Halt stops the run loop even with events still queued", func() {
		sim := clock.NewSimClock(nil)
		a := &recorder{id: 0}
		sim.Register(a)
		halting := &haltingActor{id: 1, sim: sim}
		haltClock := sim.Register(halting)

		haltClock.ScheduleSelf(time.Millisecond) // fires and halts
		for i := 0; i < 5; i++ {
			sim.Register(a).ScheduleSelf(2 * time.Millisecond)
		}
		sim.Run()

		Expect(a.fired).To(BeEmpty())
	})

	Specify("a message to an unregistered (crashed) actor is silently dropped", func() {
		sim := clock.NewSimClock(nil)
		a := &recorder{id: 0}
		ca := sim.Register(a)
		sim.Deregister(1)

		ca.Send(pingMsg{from: 0, to: 1})
		Expect(func() { sim.Run() }).ToNot(Panic())
	})
})

type haltingActor struct {
	id  clock.ID
	sim *clock.SimClock
}

func (h *haltingActor) ID() clock.ID         { return h.id }
func (h *haltingActor) Deliver(clock.Message) {}
func (h *haltingActor) Fire(clock.Tag)        { h.sim.Halt() }
