package leader_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/leader"
	"github.com/streamsim/dflow/leaderutil"
	"github.com/streamsim/dflow/op"
	"github.com/streamsim/dflow/transport"
	"github.com/streamsim/dflow/wire"
)

var _ = Describe("Leader", func() {
	var (
		root string
		fc   *leaderutil.FakeClock
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "leader-test-*")
		Expect(err).NotTo(HaveOccurred())
		fc = leaderutil.NewFakeClock()
	})

	AfterEach(func() {
		Expect(os.RemoveAll(root)).To(Succeed())
	})

	Specify("Start distributes Setup and Schedule to every worker and arms the heartbeat", func() {
		cfg := leader.Config{
			NumWorkers:   2,
			Partitions:   [][]int32{{1, 2}, {3, 4}},
			Schedule:     op.Schedule{{Op: op.Add, Parameter: 1}},
			PingInterval: time.Second,
			PingTimeout:  time.Second,
			Root:         root,
		}
		l := leader.New(fc, cfg, zerolog.Nop())
		Expect(l.Start()).To(Succeed())

		Expect(fc.Sent).To(HaveLen(4))
		setup0 := fc.Sent[0].(transport.Envelope).Payload.(wire.Setup)
		Expect(setup0.AssignedID).To(Equal(int32(0)))
		Expect(setup0.Data).To(Equal([]int32{1, 2}))
		setup1 := fc.Sent[1].(transport.Envelope).Payload.(wire.Setup)
		Expect(setup1.AssignedID).To(Equal(int32(1)))
		_, ok := fc.Sent[2].(transport.Envelope).Payload.(wire.Schedule)
		Expect(ok).To(BeTrue())
		Expect(fc.Armed).To(HaveLen(2))
	})

	Specify("a worker that never pings back is restarted at the check tick", func() {
		cfg := leader.Config{
			NumWorkers:   2,
			Partitions:   [][]int32{{1}, {2}},
			Schedule:     op.Schedule{{Op: op.Add, Parameter: 1}},
			PingInterval: time.Second,
			PingTimeout:  time.Second,
			Root:         root,
		}
		l := leader.New(fc, cfg, zerolog.Nop())
		Expect(l.Start()).To(Succeed())

		l.Deliver(transport.Envelope{SenderID: clock.ID(0), RecipientID: clock.LeaderID, Payload: wire.Ping{WorkerID: 0}})

		fc.FireLowest()
		l.Fire(fc.FiredTag) // ping tick: sends Ping to both workers
		fc.FireLowest()
		l.Fire(fc.FiredTag) // check tick: worker 1 missed, gets Restart

		var sawRestartFor1 bool
		for _, m := range fc.Sent {
			if r, ok := m.(transport.Envelope).Payload.(wire.Restart); ok {
				Expect(r.WorkerID).To(Equal(int32(1)))
				sawRestartFor1 = true
			}
		}
		Expect(sawRestartFor1).To(BeTrue())
		Expect(fc.Armed).To(HaveLen(2))
	})

	Specify("the two-phase termination protocol finalizes once sent and received counters agree", func() {
		cfg := leader.Config{
			NumWorkers:   2,
			Partitions:   [][]int32{{1, 2}, {3, 4}},
			Schedule:     op.Schedule{{Op: op.Add, Parameter: 1}},
			PingInterval: time.Second,
			PingTimeout:  time.Second,
			Root:         root,
		}
		l := leader.New(fc, cfg, zerolog.Nop())
		Expect(l.Start()).To(Succeed())

		l.Deliver(transport.Envelope{SenderID: clock.ID(0), RecipientID: clock.LeaderID, Payload: wire.FinishLocalElaboration{WorkerID: 0}})
		Expect(l.Done()).To(BeFalse())
		l.Deliver(transport.Envelope{SenderID: clock.ID(1), RecipientID: clock.LeaderID, Payload: wire.FinishLocalElaboration{WorkerID: 1}})

		var recheckCount int
		for _, m := range fc.Sent {
			if _, ok := m.(transport.Envelope).Payload.(wire.FinishLocalElaboration); ok {
				recheckCount++
			}
		}
		Expect(recheckCount).To(Equal(2))

		l.Deliver(transport.Envelope{SenderID: clock.ID(0), RecipientID: clock.LeaderID, Payload: wire.CheckChangeKeyAck{WorkerID: 0, PartialVector: []int32{2, 3}}})
		Expect(l.Done()).To(BeFalse())
		l.Deliver(transport.Envelope{SenderID: clock.ID(1), RecipientID: clock.LeaderID, Payload: wire.CheckChangeKeyAck{WorkerID: 1, PartialVector: []int32{4, 5}}})

		Expect(l.Done()).To(BeTrue())
		Expect(l.Result()).To(Equal([]int32{2, 3, 4, 5}))

		var finishSimCount int
		for _, m := range fc.Sent {
			if _, ok := m.(transport.Envelope).Payload.(wire.FinishSim); ok {
				finishSimCount++
			}
		}
		Expect(finishSimCount).To(Equal(2))
	})

	Specify("a sent/received mismatch triggers another reconciliation round before finalizing", func() {
		cfg := leader.Config{
			NumWorkers:   2,
			Partitions:   [][]int32{{1}, {2}},
			Schedule:     op.Schedule{{Op: op.Reduce}},
			PingInterval: time.Second,
			PingTimeout:  time.Second,
			Root:         root,
		}
		l := leader.New(fc, cfg, zerolog.Nop())
		Expect(l.Start()).To(Succeed())

		l.Deliver(transport.Envelope{SenderID: clock.ID(0), RecipientID: clock.LeaderID, Payload: wire.FinishLocalElaboration{WorkerID: 0}})
		l.Deliver(transport.Envelope{SenderID: clock.ID(1), RecipientID: clock.LeaderID, Payload: wire.FinishLocalElaboration{WorkerID: 1}})

		l.Deliver(transport.Envelope{SenderID: clock.ID(0), RecipientID: clock.LeaderID, Payload: wire.CheckChangeKeyAck{WorkerID: 0, HasScalarResult: true, PartialResult: 1, ChangeKeySent: 1, ChangeKeyReceived: 0}})
		l.Deliver(transport.Envelope{SenderID: clock.ID(1), RecipientID: clock.LeaderID, Payload: wire.CheckChangeKeyAck{WorkerID: 1, HasScalarResult: true, PartialResult: 2, ChangeKeySent: 0, ChangeKeyReceived: 0}})
		Expect(l.Done()).To(BeFalse())

		l.Deliver(transport.Envelope{SenderID: clock.ID(0), RecipientID: clock.LeaderID, Payload: wire.CheckChangeKeyAck{WorkerID: 0, HasScalarResult: true, PartialResult: 1, ChangeKeySent: 1, ChangeKeyReceived: 1}})
		l.Deliver(transport.Envelope{SenderID: clock.ID(1), RecipientID: clock.LeaderID, Payload: wire.CheckChangeKeyAck{WorkerID: 1, HasScalarResult: true, PartialResult: 2, ChangeKeySent: 0, ChangeKeyReceived: 0}})

		Expect(l.Done()).To(BeTrue())
		Expect(l.Result()).To(Equal([]int32{3}))
	})
})
