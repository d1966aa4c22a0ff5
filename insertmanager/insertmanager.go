// Package insertmanager implements a durable buffer for inbound
// change-key records, grouped by the schedule step at which they
// resume, with sender-level idempotence and single-batch
// retry-on-crash.
package insertmanager

import (
	"fmt"
	"sort"

	"github.com/streamsim/dflow/storage"
)

// Manager buffers values inserted by remote change-key senders and
// hands them back out in bounded batches, keeping inserted records,
// the staged previous batch, and the per-sender dedup table as three
// separate durable tracks.
type Manager struct {
	insertPath        string
	requestPath       string
	previousBatchPath string
	batchSize         int32

	// insertedData holds records not yet claimed by GetBatch, keyed by
	// the schedule step they resume at.
	insertedData map[int32][]int32
	// previousData is the last batch handed out by GetBatch that has
	// not yet been confirmed consumed via PersistData.
	previousData map[int32][]int32
	// lastSeen is the highest reqID accepted from each sender, for
	// dedup.
	lastSeen map[int32]int32

	currentBatchSize int32
}

// New opens a Manager backed by the three files, restoring any
// previously durable state. Missing files start empty; this is the
// normal case for a worker's first run.
func New(insertPath, requestPath, previousBatchPath string, batchSize int32) (*Manager, error) {
	m := &Manager{
		insertPath:        insertPath,
		requestPath:       requestPath,
		previousBatchPath: previousBatchPath,
		batchSize:         batchSize,
		insertedData:      make(map[int32][]int32),
		previousData:      make(map[int32][]int32),
		lastSeen:          make(map[int32]int32),
	}

	prevLines, err := storage.ReadLines(previousBatchPath)
	if err != nil {
		return nil, fmt.Errorf("reading previous batch file %s: %w", previousBatchPath, err)
	}
	for _, line := range prevLines {
		step, value, ok := storage.ParseIntPair(line)
		if !ok {
			continue
		}
		m.previousData[step] = append(m.previousData[step], value)
		m.currentBatchSize++
	}

	insertLines, err := storage.ReadLines(insertPath)
	if err != nil {
		return nil, fmt.Errorf("reading insert file %s: %w", insertPath, err)
	}
	for _, line := range insertLines {
		step, value, ok := storage.ParseIntPair(line)
		if !ok {
			continue
		}
		m.insertedData[step] = append(m.insertedData[step], value)
	}

	reqLines, err := storage.ReadLines(requestPath)
	if err != nil {
		return nil, fmt.Errorf("reading request file %s: %w", requestPath, err)
	}
	for _, line := range reqLines {
		senderID, reqID, ok := storage.ParseIntPair(line)
		if !ok {
			continue
		}
		m.lastSeen[senderID] = reqID
	}

	return m, nil
}

// InsertValue accepts value at scheduleStep from senderID iff reqID is
// newer than the last one seen from that sender; duplicates are
// silently ignored. accepted reports whether this call advanced
// lastSeen, which the change-key receiver uses to decide whether to
// bump its durable changeKeyReceived counter.
func (m *Manager) InsertValue(senderID, reqID, scheduleStep, value int32) (accepted bool, err error) {
	if last, ok := m.lastSeen[senderID]; ok && last >= reqID {
		return false, nil
	}
	m.lastSeen[senderID] = reqID
	m.insertedData[scheduleStep] = append(m.insertedData[scheduleStep], value)

	if err := storage.AppendLine(m.insertPath, fmt.Sprintf("%d,%d", scheduleStep, value)); err != nil {
		return false, fmt.Errorf("appending insert: %w", err)
	}
	if err := m.rewriteRequestFile(); err != nil {
		return false, err
	}
	return true, nil
}

// GetBatch returns a mapping of scheduleStep to the values queued for
// it, of total size at most batchSize. If a previous batch was handed
// out but never confirmed via PersistData, that same batch is
// returned again (crash-safe redelivery); otherwise a fresh batch is
// peeled off the head of the insert log, by step order, and staged as
// the new previous batch.
func (m *Manager) GetBatch() (map[int32][]int32, error) {
	if m.currentBatchSize > 0 {
		return copyBatch(m.previousData), nil
	}

	steps := sortedSteps(m.insertedData)
	batch := make(map[int32][]int32)
	remaining := m.batchSize

	for _, step := range steps {
		if remaining <= 0 {
			break
		}
		values := m.insertedData[step]
		take := int32(len(values))
		if take > remaining {
			take = remaining
		}
		batch[step] = append([]int32(nil), values[:take]...)
		remaining -= take
		m.currentBatchSize += take

		if take == int32(len(values)) {
			delete(m.insertedData, step)
		} else {
			m.insertedData[step] = values[take:]
		}
	}

	m.previousData = batch

	if err := m.savePreviousBatch(); err != nil {
		return nil, err
	}
	if err := m.rewriteInsertFile(); err != nil {
		return nil, err
	}
	return copyBatch(batch), nil
}

// PersistData acknowledges that the current previous batch has been
// fully consumed downstream and clears it, so a subsequent crash does
// not redeliver it.
func (m *Manager) PersistData() error {
	if m.currentBatchSize == 0 {
		return nil
	}
	if err := storage.AtomicWriteFile(m.previousBatchPath, nil); err != nil {
		return fmt.Errorf("clearing previous batch file %s: %w", m.previousBatchPath, err)
	}
	m.previousData = make(map[int32][]int32)
	m.currentBatchSize = 0
	return nil
}

// IsEmpty reports whether the insert log has no queued entries. A
// staged-but-unconfirmed previous batch does not count: once GetBatch
// has claimed it, it is no longer part of the log.
func (m *Manager) IsEmpty() bool {
	for _, values := range m.insertedData {
		if len(values) > 0 {
			return false
		}
	}
	return true
}

func (m *Manager) savePreviousBatch() error {
	var lines []string
	for _, step := range sortedSteps(m.previousData) {
		for _, value := range m.previousData[step] {
			lines = append(lines, fmt.Sprintf("%d,%d", step, value))
		}
	}
	if err := storage.WriteLines(m.previousBatchPath, lines); err != nil {
		return fmt.Errorf("saving previous batch to %s: %w", m.previousBatchPath, err)
	}
	return nil
}

func (m *Manager) rewriteInsertFile() error {
	var lines []string
	for _, step := range sortedSteps(m.insertedData) {
		for _, value := range m.insertedData[step] {
			lines = append(lines, fmt.Sprintf("%d,%d", step, value))
		}
	}
	if err := storage.WriteLines(m.insertPath, lines); err != nil {
		return fmt.Errorf("rewriting insert file %s: %w", m.insertPath, err)
	}
	return nil
}

func (m *Manager) rewriteRequestFile() error {
	senders := make([]int32, 0, len(m.lastSeen))
	for s := range m.lastSeen {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	lines := make([]string, 0, len(senders))
	for _, s := range senders {
		lines = append(lines, fmt.Sprintf("%d,%d", s, m.lastSeen[s]))
	}
	if err := storage.WriteLines(m.requestPath, lines); err != nil {
		return fmt.Errorf("rewriting request file %s: %w", m.requestPath, err)
	}
	return nil
}

func sortedSteps(data map[int32][]int32) []int32 {
	steps := make([]int32, 0, len(data))
	for step := range data {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	return steps
}

func copyBatch(batch map[int32][]int32) map[int32][]int32 {
	out := make(map[int32][]int32, len(batch))
	for step, values := range batch {
		out[step] = append([]int32(nil), values...)
	}
	return out
}
