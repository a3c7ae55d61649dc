package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerIsNoOp(t *testing.T) {
	var l *Logger
	l.Log(EventBatchStarted, "run-1", map[string]any{"key": "value"})
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventBatchStarted, "run-1", map[string]any{"host": "pc-01"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventType != EventBatchStarted {
		t.Fatalf("eventType = %q, want %q", entries[0].EventType, EventBatchStarted)
	}
	if entries[0].RunID != "run-1" {
		t.Fatalf("runId = %q, want run-1", entries[0].RunID)
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("prevHash = %q, want genesis", entries[0].PrevHash)
	}
	if entries[0].EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
	if got := l.DroppedCount(); got != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", got)
	}
}

func TestHashChainLinking(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventBatchStarted, "run-1", nil)
	l.Log(EventUpdateApplied, "run-1", map[string]any{"packageId": "Foo.Id"})
	l.Log(EventBatchCompleted, "run-1", map[string]any{"failed": 0})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d].PrevHash = %q, want %q", i, entries[i].PrevHash, entries[i-1].EntryHash)
		}
	}

	n, err := Verify(l.filePath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Fatalf("Verify checked %d entries, want 3", n)
	}
}

func TestNewLoggerResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "provision-history.jsonl")

	first, err := NewLogger(path, 1, 2)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	first.Log(EventBatchStarted, "run-1", nil)
	first.Close()

	second, err := NewLogger(path, 1, 2)
	if err != nil {
		t.Fatalf("NewLogger reopen: %v", err)
	}
	second.Log(EventBatchStarted, "run-2", nil)
	second.Close()

	if _, err := Verify(path); err != nil {
		t.Fatalf("chain broken across reopen: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventUpdateFailed, "run-1", map[string]any{"packageId": "Bar.Id", "exitCode": 5})
	l.Log(EventBatchCompleted, "run-1", map[string]any{"failed": 1})
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"failed":1`, `"failed":0`, 1)
	if err := os.WriteFile(l.filePath, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Verify(l.filePath); err == nil {
		t.Fatal("Verify accepted a modified entry")
	}
}

func TestRotationSentinelCrossFileHashChain(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 300 // trigger rotation quickly

	for i := 0; i < 10; i++ {
		l.Log(EventUpdateApplied, "run-x", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prevFile, _ := entries[0].Details["previousFile"].(string); prevFile == "" {
		t.Fatal("sentinel has no previousFile in details")
	}

	backupEntries := readEntries(t, l.filePath+".1")
	if len(backupEntries) == 0 {
		t.Fatal("no entries in backup file")
	}
	lastBackupHash := backupEntries[len(backupEntries)-1].EntryHash
	if entries[0].PrevHash != lastBackupHash {
		t.Fatalf("sentinel prevHash = %q, want last backup entry hash = %q", entries[0].PrevHash, lastBackupHash)
	}
	if _, err := Verify(l.filePath); err != nil {
		t.Fatalf("Verify after rotation: %v", err)
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	// Replace the file with a read-only handle to force write failures
	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventUpdateApplied, "run-1", nil)
	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	if l.prevHash != genesisHash {
		t.Fatalf("chain advanced after failed write: %q", l.prevHash)
	}
	l.file.Close()
}

func TestCriticalEventsSet(t *testing.T) {
	for _, e := range []string{EventBatchCompleted, EventBatchAborted, EventMarkerWritten} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be in criticalEvents", e)
		}
	}
	for _, e := range []string{EventBatchStarted, EventUpdateApplied, EventUpdateFailed} {
		if criticalEvents[e] {
			t.Errorf("event %q should NOT be in criticalEvents", e)
		}
	}
}

// --- helpers ---

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l := &Logger{
		filePath:   filepath.Join(t.TempDir(), "history.jsonl"),
		maxSize:    10 << 20,
		maxBackups: 3,
		prevHash:   genesisHash,
	}
	if err := l.openFile(); err != nil {
		t.Fatalf("openFile: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read history file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
