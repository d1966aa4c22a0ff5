// Package leader implements the actor that distributes initial
// partitions and the pipeline schedule, runs a periodic heartbeat with
// per-worker timeout-triggered restarts, and drives the two-phase
// termination protocol to a final result.
package leader

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/op"
	"github.com/streamsim/dflow/storage"
	"github.com/streamsim/dflow/transport"
	"github.com/streamsim/dflow/wire"
)

// Config bundles what the leader needs to start a run. Partitions and
// Schedule are supplied by the caller (cmd/dflowsim generates them
// randomly); the leader itself only distributes and coordinates.
type Config struct {
	NumWorkers   int32
	Partitions   [][]int32
	Schedule     op.Schedule
	PingInterval time.Duration
	PingTimeout  time.Duration
	Root         string
}

// Leader is the clock.Actor bound to clock.LeaderID.
type Leader struct {
	clk clock.Clock
	cfg Config
	log zerolog.Logger

	reduceLast bool

	pinged          []bool
	finishedWorkers []bool
	ckChecked       []bool
	ckSent          []int32
	ckReceived      []int32
	workerResult    [][]int32

	pingTag  clock.Tag
	checkTag clock.Tag

	stopPing bool
	done     bool
	final    []int32
}

// New constructs a Leader. Call Start to kick off a run.
func New(clk clock.Clock, cfg Config, log zerolog.Logger) *Leader {
	return &Leader{
		clk:             clk,
		cfg:             cfg,
		log:             log.With().Str("role", "leader").Logger(),
		reduceLast:      cfg.Schedule.EndsInReduce(),
		pinged:          make([]bool, cfg.NumWorkers),
		finishedWorkers: make([]bool, cfg.NumWorkers),
		ckChecked:       make([]bool, cfg.NumWorkers),
		ckSent:          make([]int32, cfg.NumWorkers),
		ckReceived:      make([]int32, cfg.NumWorkers),
		workerResult:    make([][]int32, cfg.NumWorkers),
	}
}

// ID implements clock.Actor.
func (l *Leader) ID() clock.ID { return clock.LeaderID }

// Done reports whether the two-phase termination protocol has
// concluded and Result is available.
func (l *Leader) Done() bool { return l.done }

// Result returns the computed final result once Done reports true: a
// single-element slice for schedules ending in reduce, or the sorted
// multiset union of every worker's surviving records otherwise.
func (l *Leader) Result() []int32 { return l.final }

// Bootstrap purges and recreates the durable root directory a run will
// write into. Kept separate from Start so a caller can bootstrap the
// filesystem before any actor is wired onto a clock.
func (l *Leader) Bootstrap() error {
	if err := storage.ResetRoot(l.cfg.Root); err != nil {
		return fmt.Errorf("resetting durable root: %w", err)
	}
	return nil
}

// Start bootstraps the durable root, distributes Setup and Schedule to
// every worker, and arms the heartbeat timers.
func (l *Leader) Start() error {
	if err := l.Bootstrap(); err != nil {
		return err
	}

	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		l.clk.Send(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(i),
			Payload:     wire.Setup{AssignedID: i, Data: l.cfg.Partitions[i]},
		})
	}

	scheduleMsg := wire.FromOpSchedule(l.cfg.Schedule)
	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		l.clk.Send(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(i),
			Payload:     scheduleMsg,
		})
	}

	l.pingTag = l.clk.ScheduleSelf(l.cfg.PingInterval)
	l.checkTag = l.clk.ScheduleSelf(l.cfg.PingInterval + l.cfg.PingTimeout)
	return nil
}

// Deliver implements clock.Actor.
func (l *Leader) Deliver(msg clock.Message) {
	env, ok := msg.(transport.Envelope)
	if !ok {
		l.log.Warn().Msg("received a message of unrecognized type")
		return
	}

	switch p := env.Payload.(type) {
	case wire.FinishLocalElaboration:
		l.handleFinishLocalElaboration(p)
	case wire.CheckChangeKeyAck:
		l.handleCheckChangeKeyAck(p)
	case wire.Ping:
		l.handlePing(p)
	default:
		l.log.Warn().Msg("received an unrecognized payload type")
	}
}

// Fire implements clock.Actor.
func (l *Leader) Fire(tag clock.Tag) {
	if tag == l.pingTag {
		l.pingTag = 0
		if l.stopPing {
			return
		}
		l.sendPing()
		return
	}
	if tag == l.checkTag {
		l.checkTag = 0
		if l.stopPing {
			return
		}
		l.checkPing()
		return
	}
}

func (l *Leader) sendPing() {
	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		l.clk.Send(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(i),
			Payload:     wire.Ping{WorkerID: i},
		})
	}
}

// checkPing inspects which workers answered the last heartbeat,
// restarts any that did not, and re-arms both timers relative to its
// own firing time; sendPing never rearms its own timer independently.
func (l *Leader) checkPing() {
	scheduleMsg := wire.FromOpSchedule(l.cfg.Schedule)
	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		if !l.pinged[i] {
			l.log.Warn().Int32("worker_id", i).Msg("worker missed heartbeat, restarting")
			l.clk.Send(transport.Envelope{
				SenderID:    clock.LeaderID,
				RecipientID: clock.ID(i),
				Payload: wire.Restart{
					WorkerID:   i,
					Ops:        scheduleMsg.Ops,
					Parameters: scheduleMsg.Parameters,
				},
			})
		}
		l.pinged[i] = false
	}

	l.pingTag = l.clk.ScheduleSelf(l.cfg.PingInterval)
	l.checkTag = l.clk.ScheduleSelf(l.cfg.PingInterval + l.cfg.PingTimeout)
}

func (l *Leader) handlePing(msg wire.Ping) {
	if msg.WorkerID < 0 || msg.WorkerID >= l.cfg.NumWorkers {
		return
	}
	l.pinged[msg.WorkerID] = true
}

// handleFinishLocalElaboration implements phase 1 of termination: a
// worker's quiescence notice is recorded, and once every worker has
// reported in, the leader broadcasts FinishLocalElaboration back to
// all of them as the phase-2 re-check order (see DESIGN.md's Open
// Question decision 8 for why this waits for every worker rather than
// replying to each reporting worker individually).
func (l *Leader) handleFinishLocalElaboration(msg wire.FinishLocalElaboration) {
	id := msg.WorkerID
	if id < 0 || id >= l.cfg.NumWorkers || l.finishedWorkers[id] {
		return
	}

	l.finishedWorkers[id] = true
	l.ckSent[id] = msg.ChangeKeySent
	l.ckReceived[id] = msg.ChangeKeyReceived

	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		if !l.finishedWorkers[i] {
			return
		}
	}
	l.broadcastRecheck()
}

func (l *Leader) broadcastRecheck() {
	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		l.ckChecked[i] = false
		l.clk.Send(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(i),
			Payload:     wire.FinishLocalElaboration{WorkerID: i},
		})
	}
}

// handleCheckChangeKeyAck implements phase 2's reconciliation test:
// once every worker has responded to the current re-check round,
// compare Σsent against Σreceived. A mismatch restarts the round; a
// match computes the final result and broadcasts FinishSim.
func (l *Leader) handleCheckChangeKeyAck(msg wire.CheckChangeKeyAck) {
	id := msg.WorkerID
	if id < 0 || id >= l.cfg.NumWorkers {
		return
	}

	l.ckSent[id] = msg.ChangeKeySent
	l.ckReceived[id] = msg.ChangeKeyReceived
	if l.reduceLast {
		l.workerResult[id] = []int32{msg.PartialResult}
	} else {
		l.workerResult[id] = append([]int32(nil), msg.PartialVector...)
	}
	l.ckChecked[id] = true

	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		if !l.ckChecked[i] {
			return
		}
	}

	var sent, received int32
	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		sent += l.ckSent[i]
		received += l.ckReceived[i]
	}

	if sent != received {
		l.log.Info().Int32("sent", sent).Int32("received", received).Msg("change-key counters not yet reconciled, re-checking")
		l.broadcastRecheck()
		return
	}

	l.finalize()
}

func (l *Leader) finalize() {
	l.stopPing = true
	if l.pingTag != 0 {
		l.clk.Cancel(l.pingTag)
		l.pingTag = 0
	}
	if l.checkTag != 0 {
		l.clk.Cancel(l.checkTag)
		l.checkTag = 0
	}

	if l.reduceLast {
		var sum int32
		for _, r := range l.workerResult {
			if len(r) > 0 {
				sum += r[0]
			}
		}
		l.final = []int32{sum}
	} else {
		var all []int32
		for _, r := range l.workerResult {
			all = append(all, r...)
		}
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		l.final = all
	}

	for i := int32(0); i < l.cfg.NumWorkers; i++ {
		l.clk.Send(transport.Envelope{
			SenderID:    clock.LeaderID,
			RecipientID: clock.ID(i),
			Payload:     wire.FinishSim{WorkerID: i},
		})
	}
	l.done = true
	l.log.Info().Ints32("result", l.final).Msg("simulation terminated")
}
