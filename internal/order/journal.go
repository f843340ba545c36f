package order

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Journal actions.
const (
	ActionPublished = "PUBLISHED"
	ActionAcked     = "ACKED"
	ActionFailed    = "FAILED"
)

// Journal is an append-only write-ahead log of publications. A PUBLISHED
// record is synced to disk before the bytes leave the process; ACKED or
// FAILED closes it. Records still open after a crash are in doubt: the
// broker may or may not hold the message. The journal never republishes.
type Journal struct {
	path    string
	file    *os.File
	mu      sync.Mutex
	pending map[string]JournalEntry
	metrics JournalMetrics
	closed  bool
	log     *zap.Logger
}

// JournalMetrics tracks journal statistics.
type JournalMetrics struct {
	Written   uint64 // PUBLISHED records synced
	Recovered uint64 // in-doubt records found on startup
	Acked     uint64
	Failed    uint64
	Errors    uint64 // write or sync failures
}

// JournalEntry is one line of the journal file.
type JournalEntry struct {
	Action    string    `json:"action"`
	MessageID string    `json:"message_id"`
	RequestID string    `json:"request_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	Variant   string    `json:"variant,omitempty"`
	Body      []byte    `json:"body,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenJournal opens (or creates) the journal in dir.
func OpenJournal(dir string, log *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	path := filepath.Join(dir, "publish.journal")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Journal{
		path:    path,
		file:    file,
		pending: make(map[string]JournalEntry),
		log:     log,
	}, nil
}

// Recover replays the journal and returns the in-doubt publications, oldest
// first. Call it once at startup before accepting requests.
func (j *Journal) Recover() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for recovery: %w", err)
	}
	defer file.Close()

	open := make(map[string]JournalEntry)
	closedCount, skipped := 0, 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			j.log.Warn("journal parse error, skipping line", zap.Error(err))
			skipped++
			continue
		}
		switch entry.Action {
		case ActionPublished:
			open[entry.MessageID] = entry
		case ActionAcked, ActionFailed:
			if _, ok := open[entry.MessageID]; ok {
				delete(open, entry.MessageID)
				closedCount++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	torn, err := endsTorn(file)
	if err != nil {
		return nil, fmt.Errorf("journal tail: %w", err)
	}

	for id, entry := range open {
		j.pending[id] = entry
	}
	atomic.AddUint64(&j.metrics.Recovered, uint64(len(open)))
	if len(open) > 0 {
		j.log.Warn("in-doubt publications recovered from journal", zap.Int("count", len(open)))
	}

	// A torn or unparsable record must not prefix the next append, so any
	// damage forces a rewrite.
	if len(open) > 0 || closedCount > 10 || skipped > 0 || torn {
		if err := j.compact(); err != nil {
			j.log.Warn("journal compaction failed", zap.Error(err))
			if torn {
				if err := j.terminateTail(); err != nil {
					return nil, fmt.Errorf("terminate torn journal record: %w", err)
				}
			}
		}
	}

	return sortedEntries(open), nil
}

// endsTorn reports whether the last record lacks its trailing newline.
func endsTorn(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// terminateTail closes a torn record with a newline. Caller holds mu.
func (j *Journal) terminateTail() error {
	if _, err := j.file.Write([]byte{'\n'}); err != nil {
		return err
	}
	return j.file.Sync()
}

// compact rewrites the journal with only the open records. Caller holds mu.
func (j *Journal) compact() error {
	tempPath := j.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	for _, entry := range sortedEntries(j.pending) {
		if err := encoder.Encode(entry); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	j.file.Close()
	if err := os.Rename(tempPath, j.path); err != nil {
		return err
	}
	j.file, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	j.log.Info("journal compacted", zap.Int("open", len(j.pending)))
	return nil
}

// RecordPublished durably records that a message is about to be handed to
// the channel. Publication must not proceed if this fails.
func (j *Journal) RecordPublished(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal closed")
	}

	entry.Action = ActionPublished
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := j.append(entry, true); err != nil {
		atomic.AddUint64(&j.metrics.Errors, 1)
		return err
	}
	j.pending[entry.MessageID] = entry
	atomic.AddUint64(&j.metrics.Written, 1)
	return nil
}

// RecordAcked closes a publication that the broker confirmed.
func (j *Journal) RecordAcked(messageID string) {
	j.close(messageID, ActionAcked, "")
}

// RecordFailed closes a publication that definitely did not reach the broker
// or was refused by it.
func (j *Journal) RecordFailed(messageID string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	j.close(messageID, ActionFailed, msg)
}

func (j *Journal) close(messageID, action, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.pending[messageID]; !ok || j.closed {
		return
	}
	// Not synced: losing a terminal record only makes a publication look in
	// doubt after a crash.
	if err := j.append(JournalEntry{Action: action, MessageID: messageID, Error: errMsg, Timestamp: time.Now()}, false); err != nil {
		atomic.AddUint64(&j.metrics.Errors, 1)
		j.log.Warn("journal write failed", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	delete(j.pending, messageID)
	if action == ActionAcked {
		atomic.AddUint64(&j.metrics.Acked, 1)
	} else {
		atomic.AddUint64(&j.metrics.Failed, 1)
	}
}

// append writes one record. Caller holds mu.
func (j *Journal) append(entry JournalEntry, durable bool) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if durable {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal sync: %w", err)
		}
	}
	return nil
}

// Pending returns the number of open publications.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// InDoubt returns publications that have no terminal record yet, including
// ones recovered at startup and ones still waiting for a confirm.
func (j *Journal) InDoubt() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedEntries(j.pending)
}

// Resolve drops an in-doubt record after an operator reconciled it.
func (j *Journal) Resolve(messageID string) bool {
	j.mu.Lock()
	_, ok := j.pending[messageID]
	j.mu.Unlock()
	if ok {
		j.close(messageID, ActionAcked, "resolved")
	}
	return ok
}

// Metrics returns journal statistics.
func (j *Journal) Metrics() JournalMetrics {
	return JournalMetrics{
		Written:   atomic.LoadUint64(&j.metrics.Written),
		Recovered: atomic.LoadUint64(&j.metrics.Recovered),
		Acked:     atomic.LoadUint64(&j.metrics.Acked),
		Failed:    atomic.LoadUint64(&j.metrics.Failed),
		Errors:    atomic.LoadUint64(&j.metrics.Errors),
	}
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	j.log.Info("journal closed",
		zap.Uint64("written", atomic.LoadUint64(&j.metrics.Written)),
		zap.Int("open", len(j.pending)))
	return j.file.Close()
}

func sortedEntries(m map[string]JournalEntry) []JournalEntry {
	out := make([]JournalEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Timestamp.Equal(out[b].Timestamp) {
			return out[a].MessageID < out[b].MessageID
		}
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out
}
