// Package audit keeps a tamper-evident history of provisioning runs as
// JSONL with a SHA-256 hash chain.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/provision/internal/logging"
)

var log = logging.L("audit")

// Event types written to the run history.
const (
	EventBatchStarted   = "batch_started"
	EventScanCompleted  = "scan_completed"
	EventUpdateApplied  = "update_applied"
	EventUpdateFailed   = "update_failed"
	EventBatchCompleted = "batch_completed"
	EventBatchAborted   = "batch_aborted"
	EventInstallResult  = "install_result"
	EventMarkerWritten  = "marker_written"
	EventPreflight      = "preflight"
	EventLogRotated     = "log_rotated"
)

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventBatchCompleted: true,
	EventBatchAborted:   true,
	EventMarkerWritten:  true,
}

const genesisHash = "genesis"

// Entry is a single history record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	RunID     string         `json:"runId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends hash-chained entries to the history file. On rotation a
// log_rotated entry opens the new file and links to the last entry of the
// old one.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens path for appending and resumes the hash chain from its
// last entry.
func NewLogger(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	last, err := lastHash(path)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		filePath:   path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		prevHash:   last,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Debug("run history opened", "path", path)
	return l, nil
}

// Log writes one entry. The chain only advances after a successful write, so
// a failed write never leaves a gap. Safe to call on a nil receiver (no-op).
func (l *Logger) Log(eventType, runID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RunID:     runID,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	if err := l.writeEntry(&entry, true); err != nil {
		log.Error("failed to write history entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync history entry", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the history file. Safe to call on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns the number of entries that failed to write, or -1 for
// a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

func (l *Logger) writeEntry(entry *Entry, mayRotate bool) error {
	hash, err := computeHash(*entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if mayRotate && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		// The sentinel moved the chain; rehash against it.
		entry.PrevHash = l.prevHash
		return l.writeEntry(entry, false)
	}

	n, err := l.file.Write(data)
	if err != nil {
		return err
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash
	return nil
}

// computeHash hashes length-prefixed fields so no field value can be crafted
// to collide with a different split of the same bytes.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.RunID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat history: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}

	_ = os.Remove(l.backupName(l.maxBackups))
	for i := l.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(l.backupName(i), l.backupName(i+1))
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("history rotation: failed to rename current file", "error", err)
	}
	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	return l.writeEntry(&sentinel, false)
}

func (l *Logger) backupName(index int) string {
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// Verify re-reads a history file and checks every hash and link. It returns
// the number of entries checked. The first entry may link to anything, since
// earlier entries can have rotated away.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var prev string
	n := 0
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		want, err := computeHash(entry)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		if want != entry.EntryHash {
			return n, fmt.Errorf("line %d: entry hash mismatch", n+1)
		}
		if n > 0 && entry.PrevHash != prev {
			return n, fmt.Errorf("line %d: chain broken", n+1)
		}
		prev = entry.EntryHash
		n++
	}
	return n, scanner.Err()
}

// lastHash returns the entryHash of the final line in path, or the genesis
// value when the file is missing or empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	last := genesisHash
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err == nil && entry.EntryHash != "" {
			last = entry.EntryHash
		}
	}
	return last, scanner.Err()
}
