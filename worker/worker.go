// Package worker implements the single-threaded cooperative executor
// that drives one worker's schedule to completion, participates in
// the change-key protocol, persists durable state at batch boundaries,
// simulates crashes, and restarts from durable state.
package worker

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamsim/dflow/batchloader"
	"github.com/streamsim/dflow/changekey"
	"github.com/streamsim/dflow/clock"
	"github.com/streamsim/dflow/insertmanager"
	"github.com/streamsim/dflow/op"
	"github.com/streamsim/dflow/storage"
	"github.com/streamsim/dflow/transport"
	"github.com/streamsim/dflow/wire"
)

// Config bundles the simulation knobs a Worker needs.
type Config struct {
	NumWorkers           int32
	BatchSize            int32
	ChangeKeyProbability float64
	FailureProbability   float64
	// ReduceFailureWeight multiplies FailureProbability before a reduce
	// step, giving crashes higher weight right before each reduce.
	// Capped at 1.
	ReduceFailureWeight float64
	InsertRetryTimeout  time.Duration
	Delays              clock.Delays
	// Root is the process-wide durable-state directory; a worker's own
	// state lives at Root/Worker_<id>/.
	Root string
}

// Worker is one actor in the simulation: it owns a durable-state root,
// a volatile in-memory pipeline, and the change-key sender/receiver
// for its identity.
type Worker struct {
	id  clock.ID
	clk clock.Clock
	cfg Config
	rng *rand.Rand
	log zerolog.Logger

	root string

	schedule    op.Schedule
	reduceLast  bool
	currentStep int32
	data        map[int32][]int32

	loader   *batchloader.Loader
	mgr      *insertmanager.Manager
	counters *changekey.Counters
	sender   *changekey.Sender
	receiver *changekey.Receiver

	localBatch               bool
	finishedLocalElaboration bool
	finishedPartialCK        bool
	checkChangeKeyReceived   bool
	finishNoticeSent         bool
	// idle is true exactly when the executor has deliberately stopped
	// posting NextStep pending either a leader re-check order or a
	// fresh inbound insert, as opposed to being paused on an
	// outstanding change-key ack.
	idle bool
	// atBatchBoundary is true while nextStepTag is armed for a
	// BatchDelay tick rather than an ordinary step tick, so Fire knows
	// to resume at handleBatchBoundary instead of processStep.
	atBatchBoundary bool

	tmpReduce int32
	tmpResult []int32

	failed  bool
	stopped bool

	nextStepTag  clock.Tag
	pingReplyTag clock.Tag
}

// New constructs a Worker bound to id and clk. It does no I/O; durable
// state is created on the first Setup message.
func New(id clock.ID, clk clock.Clock, cfg Config, rng *rand.Rand, log zerolog.Logger) *Worker {
	return &Worker{
		id:         id,
		clk:        clk,
		cfg:        cfg,
		rng:        rng,
		log:        log.With().Int32("worker_id", int32(id)).Logger(),
		localBatch: true,
	}
}

// ID implements clock.Actor.
func (w *Worker) ID() clock.ID { return w.id }

// Deliver implements clock.Actor, dispatching on the concrete wire
// payload carried by msg.
func (w *Worker) Deliver(msg clock.Message) {
	if w.stopped {
		return
	}

	switch m := msg.(type) {
	case changekey.Envelope:
		w.handleDataInsert(m.Payload)
	case transport.Envelope:
		w.dispatch(m.Payload)
	default:
		w.log.Warn().Msg("received a message of unrecognized type")
	}
}

func (w *Worker) dispatch(payload interface{}) {
	switch p := payload.(type) {
	case wire.Setup:
		w.handleSetup(p)
	case wire.Schedule:
		w.handleSchedule(p)
	case wire.Restart:
		w.handleRestart(p)
	case wire.FinishSim:
		w.handleFinishSim(p)
	case wire.Ping:
		w.handlePing(p)
	case wire.FinishLocalElaboration:
		w.handleRecheckOrder(p)
	default:
		w.log.Warn().Msg("received an unrecognized payload type")
	}
}

// Fire implements clock.Actor.
func (w *Worker) Fire(tag clock.Tag) {
	if w.stopped {
		return
	}

	if tag == w.nextStepTag {
		w.nextStepTag = 0
		if w.atBatchBoundary {
			w.atBatchBoundary = false
			w.fireBatchBoundary()
			return
		}
		w.processStep()
		return
	}
	if w.sender != nil && w.sender.Fire(tag) {
		return
	}
	if tag == w.pingReplyTag {
		w.pingReplyTag = 0
		w.sendPingReply()
		return
	}
}

func (w *Worker) handleSetup(msg wire.Setup) {
	w.root = storage.WorkerDir(w.cfg.Root, msg.AssignedID)
	if err := storage.EnsureDir(w.root); err != nil {
		w.log.Error().Err(err).Msg("creating worker directory")
		return
	}

	lines := make([]string, 0, len(msg.Data))
	for _, v := range msg.Data {
		lines = append(lines, fmt.Sprintf("%d,%d", msg.AssignedID, v))
	}
	if err := storage.WriteLines(filepath.Join(w.root, storage.DataFile), lines); err != nil {
		w.log.Error().Err(err).Msg("writing local partition")
		return
	}

	if err := w.initializeDataModules(); err != nil {
		w.log.Error().Err(err).Msg("initializing data modules")
	}
}

func (w *Worker) initializeDataModules() error {
	loader, err := batchloader.New(filepath.Join(w.root, storage.DataFile), filepath.Join(w.root, storage.ProgressFile))
	if err != nil {
		return fmt.Errorf("opening batch loader: %w", err)
	}

	mgr, err := insertmanager.New(
		filepath.Join(w.root, storage.InsertedFile),
		filepath.Join(w.root, storage.RequestsLogFile),
		filepath.Join(w.root, storage.CKBatchFile),
		w.cfg.BatchSize,
	)
	if err != nil {
		return fmt.Errorf("opening insert manager: %w", err)
	}

	counters, err := changekey.LoadCounters(
		filepath.Join(w.root, storage.CKCounterFile),
		filepath.Join(w.root, storage.CKSentReceivedFile),
	)
	if err != nil {
		return fmt.Errorf("loading change-key counters: %w", err)
	}

	w.loader = loader
	w.mgr = mgr
	w.counters = counters
	w.sender = changekey.NewSender(w.id, w.clk, w.cfg.InsertRetryTimeout, counters)
	w.receiver = changekey.NewReceiver(w.id, w.clk, mgr, counters)
	return nil
}

func (w *Worker) handleSchedule(msg wire.Schedule) {
	w.schedule = msg.ToOpSchedule()
	w.reduceLast = w.schedule.EndsInReduce()

	if err := w.loadNextBatch(); err != nil {
		w.log.Error().Err(err).Msg("loading first batch")
	}
	w.nextStepTag = w.clk.ScheduleSelf(0)
}

func (w *Worker) handleRestart(msg wire.Restart) {
	if !w.failed {
		w.log.Warn().Msg("received Restart without having failed; restarting anyway")
		w.crash()
	}
	w.failed = false
	w.stopped = false

	if err := w.initializeDataModules(); err != nil {
		w.log.Error().Err(err).Msg("re-initializing data modules on restart")
		return
	}

	w.schedule = msg.Schedule()
	w.reduceLast = w.schedule.EndsInReduce()

	if w.reduceLast {
		if err := w.loadPartialResult(); err != nil {
			w.log.Error().Err(err).Msg("reloading partial reduce result")
		}
	}

	if err := w.loadNextBatch(); err != nil {
		w.log.Error().Err(err).Msg("loading batch on restart")
	}

	if w.nextStepTag != 0 {
		w.clk.Cancel(w.nextStepTag)
		w.nextStepTag = 0
	}
	w.nextStepTag = w.clk.ScheduleSelf(w.cfg.Delays.Sample(clock.RestartDelay, w.rng))
}

func (w *Worker) loadPartialResult() error {
	lines, err := storage.ReadLines(filepath.Join(w.root, storage.ResultFile))
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		w.tmpReduce = 0
		return nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 32)
	if err != nil {
		w.tmpReduce = 0
		return nil
	}
	w.tmpReduce = int32(v)
	return nil
}

func (w *Worker) handleFinishSim(msg wire.FinishSim) {
	w.log.Info().Msg("simulation finished")
	if w.nextStepTag != 0 {
		w.clk.Cancel(w.nextStepTag)
		w.nextStepTag = 0
	}
	w.stopped = true
}

func (w *Worker) handlePing(msg wire.Ping) {
	if w.failed {
		return
	}
	if w.pingReplyTag != 0 {
		w.clk.Cancel(w.pingReplyTag)
	}
	w.pingReplyTag = w.clk.ScheduleSelf(w.cfg.Delays.Sample(clock.PingDelay, w.rng))
}

func (w *Worker) sendPingReply() {
	w.clk.Send(transport.Envelope{
		SenderID:    w.id,
		RecipientID: clock.LeaderID,
		Payload:     wire.Ping{WorkerID: int32(w.id)},
	})
}

// handleRecheckOrder handles the leader's reuse of FinishLocalElaboration
// as a "re-check your change keys" broadcast during the reconciliation
// phase of termination.
func (w *Worker) handleRecheckOrder(msg wire.FinishLocalElaboration) {
	if w.nextStepTag != 0 {
		w.clk.Cancel(w.nextStepTag)
		w.nextStepTag = 0
	}
	w.checkChangeKeyReceived = true
	w.finishedPartialCK = false
	w.idle = false
	w.nextStepTag = w.clk.ScheduleSelf(w.cfg.Delays.Sample(clock.FinishDelay, w.rng))
}

func (w *Worker) handleDataInsert(msg wire.DataInsert) {
	if w.failed {
		return
	}

	if msg.Ack {
		if w.sender == nil {
			return
		}
		if w.sender.HandleAck(msg) && !w.sender.Busy() && w.nextStepTag == 0 {
			w.nextStepTag = w.clk.ScheduleSelf(0)
		}
		return
	}

	if w.receiver == nil {
		return
	}
	if err := w.receiver.Handle(msg); err != nil {
		w.log.Error().Err(err).Msg("handling inbound change-key insert")
	}
	w.finishedPartialCK = false

	// A fresh insert means there may be new work; resume only if we
	// were genuinely idle for termination reasons, never if paused
	// awaiting our own outstanding ack.
	if w.idle && (w.sender == nil || !w.sender.Busy()) {
		w.idle = false
		w.nextStepTag = w.clk.ScheduleSelf(0)
	}
}

// processStep is the NextStep driver event: it walks past empty
// schedule steps synchronously, processes exactly one record through
// the operator kernel, and arms exactly one further timer, unless it
// returns early on crash or on a change-key handoff (paused until ack).
// Going idle at termination happens in fireBatchBoundary, not here.
// Crossing a batch boundary is
// its own suspension point: it arms a BatchDelay tick and resumes in
// fireBatchBoundary rather than resolving in the same tick.
func (w *Worker) processStep() {
	if w.failed {
		return
	}

	for w.currentStep < int32(len(w.schedule)) && len(w.data[w.currentStep]) == 0 {
		w.currentStep++
	}

	if w.currentStep >= int32(len(w.schedule)) {
		w.atBatchBoundary = true
		w.nextStepTag = w.clk.ScheduleSelf(w.cfg.Delays.Sample(clock.BatchDelay, w.rng))
		return
	}

	step := w.schedule[w.currentStep]
	value := w.data[w.currentStep][0]
	w.data[w.currentStep] = w.data[w.currentStep][1:]

	if w.shouldCrash(step.Op) {
		w.crash()
		return
	}

	result := op.Apply(step, value, w.changeKeyParams())
	switch result.Outcome {
	case op.Survives:
		next := w.currentStep + 1
		if next < int32(len(w.schedule)) {
			w.data[next] = append(w.data[next], result.Value)
		} else if !w.reduceLast {
			w.tmpResult = append(w.tmpResult, result.Value)
		}
	case op.Reduced:
		w.tmpReduce += result.Value
	case op.Dropped:
		// record removed from the pipeline.
	case op.Rerouted:
		dest := clock.ID(result.NewOwner)
		if err := w.sender.Send(dest, w.currentStep+1, result.Value); err != nil {
			w.log.Error().Err(err).Msg("sending change-key insert")
		}
		return
	}

	w.nextStepTag = w.clk.ScheduleSelf(w.cfg.Delays.Sample(delayClassFor(step.Op), w.rng))
}

func delayClassFor(code op.Code) clock.DelayClass {
	switch {
	case code.IsMap() || code.IsFilter():
		return clock.StepDelay
	case code == op.ChangeKey:
		return clock.ChangeKeyDelay
	case code == op.Reduce:
		return clock.ReduceDelay
	default:
		return clock.StepDelay
	}
}

func (w *Worker) changeKeyParams() op.ChangeKeyParams {
	return op.ChangeKeyParams{
		Probability: w.cfg.ChangeKeyProbability,
		NumWorkers:  w.cfg.NumWorkers,
		SelfID:      int32(w.id),
	}
}

func (w *Worker) shouldCrash(code op.Code) bool {
	p := w.cfg.FailureProbability
	if p <= 0 {
		return false
	}
	if code == op.Reduce {
		p *= w.cfg.ReduceFailureWeight
		if p > 1 {
			p = 1
		}
	}
	return w.rng.Float64() < p
}

// fireBatchBoundary runs once a BatchDelay tick armed by processStep
// fires: it executes the boundary sequence and, unless the executor
// has gone idle or crashed, arms a fresh NextStep tick to resume
// stepping through whatever loadNextBatch just pulled in.
func (w *Worker) fireBatchBoundary() {
	if w.failed {
		return
	}

	done, err := w.handleBatchBoundary()
	if err != nil {
		w.log.Error().Err(err).Msg("handling batch boundary")
		return
	}
	if done {
		return
	}
	w.nextStepTag = w.clk.ScheduleSelf(0)
}

// handleBatchBoundary runs the sequence triggered once the current
// batch's schedule has been fully consumed: persist the
// partial result, commit the just-consumed batch's source, load
// further batches until there is work or both sources are exhausted,
// persist counters, and evaluate the termination sub-protocol. done
// reports whether the executor should stop without arming a new
// NextStep (crash aside, which is signalled via the returned error
// only in the sense that callers should already have checked w.failed).
func (w *Worker) handleBatchBoundary() (bool, error) {
	if w.reduceLast {
		if err := w.persistReduce(); err != nil {
			return false, err
		}
	} else {
		if err := w.persistResult(); err != nil {
			return false, err
		}
		w.tmpResult = nil
	}

	// loadNextBatch has already flipped localBatch to name the next
	// source, so the batch just consumed was local exactly when
	// localBatch is now false while local elaboration is unfinished.
	if !w.localBatch && !w.finishedLocalElaboration {
		if err := w.loader.SaveProgress(); err != nil {
			return false, err
		}
	} else {
		if err := w.mgr.PersistData(); err != nil {
			return false, err
		}
	}

	for w.dataQueuesEmpty() && !(w.finishedLocalElaboration && w.finishedPartialCK) {
		if err := w.loadNextBatch(); err != nil {
			return false, err
		}
	}

	if err := w.counters.SetPreviousLocal(w.localBatch); err != nil {
		return false, err
	}

	if w.finishedLocalElaboration && w.finishedPartialCK && !w.finishNoticeSent {
		w.sendFinishLocalElaboration()
		w.finishNoticeSent = true
	}

	if w.finishNoticeSent && w.finishedPartialCK && !w.checkChangeKeyReceived {
		w.idle = true
		return true, nil
	}

	if w.finishNoticeSent && w.finishedPartialCK && w.checkChangeKeyReceived {
		w.sendCheckChangeKeyAck()
		w.idle = true
		return true, nil
	}

	return false, nil
}

func (w *Worker) dataQueuesEmpty() bool {
	for _, q := range w.data {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// loadNextBatch clears the volatile queues and pulls one batch from
// whichever source localBatch currently names, alternating the source
// on every call unless local elaboration has already finished.
func (w *Worker) loadNextBatch() error {
	w.data = make(map[int32][]int32)

	if w.localBatch {
		batch, err := w.loader.LoadBatch(int(w.cfg.BatchSize))
		if err != nil {
			w.log.Warn().Err(err).Msg("loading local batch")
		}
		if len(batch) == 0 {
			w.finishedLocalElaboration = true
			w.localBatch = false
		} else {
			w.data[0] = append(w.data[0], batch...)
		}
	} else {
		ckBatch, err := w.mgr.GetBatch()
		if err != nil {
			return err
		}
		if len(ckBatch) == 0 {
			w.finishedPartialCK = true
		} else {
			for step, values := range ckBatch {
				w.data[step] = append(w.data[step], values...)
			}
		}
	}

	w.localBatch = !w.localBatch && !w.finishedLocalElaboration
	w.currentStep = 0
	return nil
}

func (w *Worker) persistResult() error {
	if len(w.tmpResult) == 0 {
		return nil
	}
	path := filepath.Join(w.root, storage.ResultFile)
	for _, v := range w.tmpResult {
		if err := storage.AppendLine(path, strconv.FormatInt(int64(v), 10)); err != nil {
			return fmt.Errorf("persisting result: %w", err)
		}
	}
	return nil
}

func (w *Worker) persistReduce() error {
	path := filepath.Join(w.root, storage.ResultFile)
	if err := storage.AtomicWriteFile(path, []byte(strconv.FormatInt(int64(w.tmpReduce), 10))); err != nil {
		return fmt.Errorf("persisting reduce: %w", err)
	}
	return nil
}

func (w *Worker) sendFinishLocalElaboration() {
	w.clk.Send(transport.Envelope{
		SenderID:    w.id,
		RecipientID: clock.LeaderID,
		Payload: wire.FinishLocalElaboration{
			WorkerID:          int32(w.id),
			ChangeKeySent:     w.counters.Sent(),
			ChangeKeyReceived: w.counters.Received(),
		},
	})
}

func (w *Worker) sendCheckChangeKeyAck() {
	msg := wire.CheckChangeKeyAck{
		WorkerID:          int32(w.id),
		ChangeKeySent:     w.counters.Sent(),
		ChangeKeyReceived: w.counters.Received(),
	}

	if w.reduceLast {
		msg.HasScalarResult = true
		msg.PartialResult = w.tmpReduce
	} else {
		lines, err := storage.ReadLines(filepath.Join(w.root, storage.ResultFile))
		if err != nil {
			w.log.Warn().Err(err).Msg("reading result file for change-key ack")
		}
		vec := make([]int32, 0, len(lines))
		for _, l := range lines {
			v, convErr := strconv.ParseInt(strings.TrimSpace(l), 10, 32)
			if convErr == nil {
				vec = append(vec, int32(v))
			}
		}
		msg.PartialVector = vec
	}

	w.clk.Send(transport.Envelope{
		SenderID:    w.id,
		RecipientID: clock.LeaderID,
		Payload:     msg,
	})
}

// crash simulates a worker failure: durable state is left intact, and
// the volatile pipeline and termination state is discarded so a
// subsequent Restart reconstructs it from disk. checkChangeKeyReceived
// is kept, so a leader re-check order that arrived before the crash is
// still answered after the restart. The localBatch flip XORs the in-memory
// alternation flag on crash rather than resetting it, preserved as a
// deliberate quirk since it determines which source a post-restart
// loadNextBatch reads from first (see DESIGN.md).
func (w *Worker) crash() {
	w.log.Warn().Msg("worker crashing")
	w.failed = true

	if w.sender != nil {
		w.sender.Abort()
	}
	if w.nextStepTag != 0 {
		w.clk.Cancel(w.nextStepTag)
		w.nextStepTag = 0
	}
	if w.pingReplyTag != 0 {
		w.clk.Cancel(w.pingReplyTag)
		w.pingReplyTag = 0
	}

	w.data = nil
	w.schedule = nil
	w.reduceLast = false
	w.tmpResult = nil
	w.tmpReduce = 0
	w.currentStep = 0

	w.loader = nil
	w.mgr = nil
	w.sender = nil
	w.receiver = nil

	w.localBatch = !w.localBatch
	w.finishedLocalElaboration = false
	w.finishedPartialCK = false
	w.finishNoticeSent = false
	w.idle = false
	w.atBatchBoundary = false
}
