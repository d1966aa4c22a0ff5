// Package batchloader reads successive batches of up to N integers
// from a worker's local partition file, with a durably persisted read
// offset that is committed only when the caller explicitly asks.
package batchloader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/streamsim/dflow/storage"
)

// Loader reads a worker's local batch file and tracks the durable read
// offset into it.
type Loader struct {
	dataPath     string
	progressPath string

	// offset is the last value committed to disk by SaveProgress.
	offset int64
	// pending is the byte position after the most recent LoadBatch
	// call; it becomes offset only when SaveProgress is called.
	pending int64
}

// New opens a Loader rooted at dataPath/progressPath, restoring the
// previously committed offset if progressPath exists. A missing
// progress file starts at offset zero, which is correct both for a
// fresh worker and for one whose very first batch crashed before ever
// calling SaveProgress.
func New(dataPath, progressPath string) (*Loader, error) {
	l := &Loader{dataPath: dataPath, progressPath: progressPath}
	off, err := loadProgress(progressPath)
	if err != nil {
		return nil, err
	}
	l.offset = off
	l.pending = off
	return l, nil
}

func loadProgress(path string) (int64, error) {
	lines, err := storage.ReadLines(path)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}
	off, err := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		// A malformed progress file is tolerated: start over from the
		// beginning of the file rather than failing.
		return 0, nil
	}
	return off, nil
}

// LoadBatch reads up to n newline-terminated "key,value" lines starting
// at the last committed offset, parses the integer after the comma,
// and returns them in file order. It does not commit any offset; call
// SaveProgress once the batch has been safely handled. An empty,
// non-nil-error-free result means end-of-file. A file-open failure is
// not fatal: it yields an empty batch and a non-nil error the caller
// should log and otherwise ignore.
func (l *Loader) LoadBatch(n int) ([]int32, error) {
	f, err := os.Open(l.dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening batch file %s: %w", l.dataPath, err)
	}
	defer f.Close()

	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to offset %d in %s: %w", l.offset, l.dataPath, err)
	}

	reader := bufio.NewReader(f)
	values := make([]int32, 0, n)
	pos := l.offset

	for len(values) < n {
		line, readErr := reader.ReadString('\n')
		if len(line) == 0 {
			break
		}
		pos += int64(len(line))

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			if _, value, ok := storage.ParseIntPair(trimmed); ok {
				values = append(values, value)
			}
			// Malformed lines are skipped but their bytes still count
			// toward the offset.
		}

		if readErr != nil {
			break
		}
	}

	l.pending = pos
	return values, nil
}

// SaveProgress durably commits the byte offset reached by the most
// recent LoadBatch call. Until this is called, a restart re-reads and
// re-returns the same batch.
func (l *Loader) SaveProgress() error {
	if err := storage.AtomicWriteFile(l.progressPath, []byte(strconv.FormatInt(l.pending, 10))); err != nil {
		return fmt.Errorf("saving progress to %s: %w", l.progressPath, err)
	}
	l.offset = l.pending
	return nil
}

// Offset returns the last committed offset, for tests and diagnostics.
func (l *Loader) Offset() int64 { return l.offset }
