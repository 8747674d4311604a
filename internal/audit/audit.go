// Package audit records registry commands in JSON-lines format.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Entry is one handled registry command.
type Entry struct {
	Timestamp   string `json:"timestamp"`
	Command     string `json:"command"`
	Result      string `json:"result"`
	PID         int32  `json:"pid"`
	UID         uint32 `json:"uid"`
	GID         uint32 `json:"gid"`
	PayloadLen  int    `json:"payload_len,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"` // of the token bytes involved, never the bytes
	Error       string `json:"error,omitempty"`
}

// Logger appends entries to a file.
type Logger struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// NewLogger opens path for appending. An empty path disables auditing.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return &Logger{writer: nopWriteCloser{}}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &Logger{writer: file}, nil
}

// Log writes an entry, stamping it with the current time if unset.
func (l *Logger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}

// Read returns all entries in the file at path, skipping malformed lines.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []Entry
	decoder := json.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// The decoder cannot resynchronise after a syntax error.
				break
			}
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Fingerprint returns a short BLAKE3 digest identifying token bytes in logs.
func Fingerprint(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := blake3.Sum256(b)
	return "blake3:" + hex.EncodeToString(sum[:12])
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
