package worker_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/op"
	"github.com/streamsim/dflow/storage"
	"github.com/streamsim/dflow/transport"
	"github.com/streamsim/dflow/wire"
	"github.com/streamsim/dflow/worker"
	"github.com/streamsim/dflow/workerutil"
)

var _ = Describe("Worker", func() {
	var (
		root string
		fc   *workerutil.FakeClock
		w    *worker.Worker
		cfg  worker.Config
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "worker-test-*")
		Expect(err).NotTo(HaveOccurred())

		cfg = worker.Config{
			NumWorkers:           1,
			BatchSize:            10,
			ChangeKeyProbability: 0.5,
			FailureProbability:   0,
			ReduceFailureWeight:  1,
			InsertRetryTimeout:   10 * time.Millisecond,
			Root:                 root,
		}

		fc = workerutil.NewFakeClock()
		w = worker.New(clock.ID(0), fc, cfg, rand.New(rand.NewSource(1)), zerolog.Nop())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(root)).To(Succeed())
	})

	Specify("a map/filter pipeline runs to local exhaustion, persists survivors, and announces finished local elaboration", func() {
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.Setup{AssignedID: 0, Data: []int32{1, 2, 3, 4, 5}},
		})
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload: wire.Schedule{
				Ops:        []op.Code{op.Add, op.Lt},
				Parameters: []int32{5, 100},
			},
		})
		fc.Drive(w)

		lines, err := storage.ReadLines(filepath.Join(storage.WorkerDir(root, 0), storage.ResultFile))
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(Equal([]string{"6", "7", "8", "9", "10"}))

		last := fc.LastEnvelope()
		Expect(last.RecipientID).To(Equal(clock.LeaderID))
		notice, ok := last.Payload.(wire.FinishLocalElaboration)
		Expect(ok).To(BeTrue())
		Expect(notice.WorkerID).To(Equal(int32(0)))
		Expect(notice.ChangeKeySent).To(Equal(int32(0)))
		Expect(notice.ChangeKeyReceived).To(Equal(int32(0)))
	})

	Specify("a leader re-check order elicits a CheckChangeKeyAck with the accumulated result", func() {
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.Setup{AssignedID: 0, Data: []int32{1, 2}},
		})
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload: wire.Schedule{
				Ops:        []op.Code{op.Add},
				Parameters: []int32{1},
			},
		})
		fc.Drive(w)

		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.FinishLocalElaboration{WorkerID: 0},
		})
		fc.Drive(w)

		last := fc.LastEnvelope()
		ack, ok := last.Payload.(wire.CheckChangeKeyAck)
		Expect(ok).To(BeTrue())
		Expect(ack.HasScalarResult).To(BeFalse())
		Expect(ack.PartialVector).To(Equal([]int32{2, 3}))
	})

	Specify("a reduce pipeline persists the running sum and reports it as a scalar result", func() {
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.Setup{AssignedID: 0, Data: []int32{10, 20, 30}},
		})
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload: wire.Schedule{
				Ops:        []op.Code{op.Reduce},
				Parameters: []int32{0},
			},
		})
		fc.Drive(w)

		lines, err := storage.ReadLines(filepath.Join(storage.WorkerDir(root, 0), storage.ResultFile))
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(Equal([]string{"60"}))

		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.FinishLocalElaboration{WorkerID: 0},
		})
		fc.Drive(w)

		last := fc.LastEnvelope()
		ack, ok := last.Payload.(wire.CheckChangeKeyAck)
		Expect(ok).To(BeTrue())
		Expect(ack.HasScalarResult).To(BeTrue())
		Expect(ack.PartialResult).To(Equal(int32(60)))
	})

	Specify("an unprompted Restart is tolerated and resumes the executor", func() {
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.Setup{AssignedID: 0, Data: []int32{1, 2, 3}},
		})
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload: wire.Schedule{
				Ops:        []op.Code{op.Add},
				Parameters: []int32{1},
			},
		})
		fc.Drive(w)
		sentBefore := len(fc.Sent)

		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload: wire.Restart{
				WorkerID:   0,
				Ops:        []op.Code{op.Add},
				Parameters: []int32{1},
			},
		})
		fc.Drive(w)

		Expect(len(fc.Sent)).To(BeNumerically(">", sentBefore))
	})

	Specify("FinishSim halts further processing", func() {
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.Setup{AssignedID: 0, Data: []int32{1}},
		})
		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload: wire.Schedule{
				Ops:        []op.Code{op.Add},
				Parameters: []int32{0},
			},
		})
		fc.Drive(w)

		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.FinishSim{WorkerID: 0},
		})
		sentAfterFinish := len(fc.Sent)

		w.Deliver(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(0),
			Payload:     wire.Ping{WorkerID: 0},
		})
		fc.Drive(w)

		Expect(len(fc.Sent)).To(Equal(sentAfterFinish))
	})
})
