package audit

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit", "registry.log")

	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}

	token := bytes.Repeat([]byte{0xab}, 512)
	entries := []Entry{
		{Command: "store-token", Result: "ok", PID: 42, UID: 1000, GID: 1000, PayloadLen: 512, Fingerprint: Fingerprint(token)},
		{Command: "read-token", Result: "invalid device file", PID: 43, UID: 0, GID: 0},
		{Command: "command(99)", Result: "invalid operation", PID: 44, UID: 1000, GID: 1000},
	}
	for _, entry := range entries {
		if err := logger.Log(entry); err != nil {
			t.Fatalf("log entry: %v", err)
		}
	}
	logger.Close()

	read, err := Read(logPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(read) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(read))
	}

	for i, entry := range read {
		if entry.Command != entries[i].Command {
			t.Errorf("entry %d: expected command %q, got %q", i, entries[i].Command, entry.Command)
		}
		if entry.Result != entries[i].Result {
			t.Errorf("entry %d: expected result %q, got %q", i, entries[i].Result, entry.Result)
		}
		if entry.Timestamp == "" {
			t.Errorf("entry %d: timestamp is empty", i)
		}
	}
	if read[0].Fingerprint == "" || read[1].Fingerprint != "" {
		t.Errorf("unexpected fingerprints: %q, %q", read[0].Fingerprint, read[1].Fingerprint)
	}
}

func TestDisabledLogger(t *testing.T) {
	logger, err := NewLogger("")
	if err != nil {
		t.Fatalf("create disabled logger: %v", err)
	}
	if err := logger.Log(Entry{Command: "read-token"}); err != nil {
		t.Errorf("log to disabled logger: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("close disabled logger: %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "none.log"))
	if err != nil || entries != nil {
		t.Errorf("expected no entries and no error, got %v, %v", entries, err)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("token a"))
	b := Fingerprint([]byte("token b"))

	if !strings.HasPrefix(a, "blake3:") || len(a) != len("blake3:")+24 {
		t.Errorf("unexpected fingerprint format: %q", a)
	}
	if a == b {
		t.Error("different tokens share a fingerprint")
	}
	if a != Fingerprint([]byte("token a")) {
		t.Error("fingerprint is not deterministic")
	}
	if Fingerprint(nil) != "" {
		t.Error("expected empty fingerprint for no bytes")
	}
}
