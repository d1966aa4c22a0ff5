package clock

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// RecordedMessage is one entry of a captured run, written by Recorder
// and read back by LoadDump.
type RecordedMessage struct {
	At   time.Time
	From ID
	To   ID
	Kind string
}

// Recorder captures every message SimClock delivers during a Run, so a
// completed run's message history can be inspected afterward. Rather
// than driving actors live from a captured history, it dumps a
// finished run's history to disk for cmd/dflowsim replay to step
// through later.
type Recorder struct {
	entries []RecordedMessage
}

// NewRecorder returns an empty Recorder ready to be attached to a
// SimClock via SimClock.Record.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(at time.Time, from, to ID, msg Message) {
	r.entries = append(r.entries, RecordedMessage{
		At:   at,
		From: from,
		To:   to,
		Kind: fmt.Sprintf("%+v", msg),
	})
}

// Entries returns every message recorded so far, oldest first.
func (r *Recorder) Entries() []RecordedMessage {
	return r.entries
}

// Dump writes every recorded message to path as CSV: simulated time
// (nanoseconds since the clock's zero time), sender, recipient, and a
// descriptive dump of the message.
func (r *Recorder) Dump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dump file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, e := range r.entries {
		row := []string{
			strconv.FormatInt(e.At.Sub(time.Time{}).Nanoseconds(), 10),
			strconv.FormatInt(int64(e.From), 10),
			strconv.FormatInt(int64(e.To), 10),
			e.Kind,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing dump row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// LoadDump reads a dump file written by Recorder.Dump.
func LoadDump(path string) ([]RecordedMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dump file: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing dump file: %w", err)
	}

	out := make([]RecordedMessage, 0, len(rows))
	for _, row := range rows {
		if len(row) != 4 {
			continue
		}
		ns, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing dump timestamp: %w", err)
		}
		from, err := strconv.ParseInt(row[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing dump sender: %w", err)
		}
		to, err := strconv.ParseInt(row[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing dump recipient: %w", err)
		}
		out = append(out, RecordedMessage{
			At:   time.Time{}.Add(time.Duration(ns)),
			From: ID(from),
			To:   ID(to),
			Kind: row[3],
		})
	}
	return out, nil
}
