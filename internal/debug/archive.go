//go:build linux

package debug

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

var errArchiveClosed = errors.New("crash archive closed")

const (
	crashPrefix = "crash-"
	crashSuffix = ".log.zst"
)

// crashArchive stores zstd-compressed crash dumps named after the time
// they were received.
type crashArchive struct {
	dir string

	mu      sync.Mutex
	closed  bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCrashArchive(dir string) (*crashArchive, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &crashArchive{dir: dir, encoder: encoder, decoder: decoder}, nil
}

func crashName(t time.Time) string {
	return fmt.Sprintf("%s%d%s", crashPrefix, t.UnixNano(), crashSuffix)
}

// store writes dump and returns the file name.
func (a *crashArchive) store(t time.Time, dump []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", errArchiveClosed
	}
	if err := os.MkdirAll(a.dir, 0700); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	name := crashName(t)
	compressed := a.encoder.EncodeAll(dump, nil)
	if err := os.WriteFile(filepath.Join(a.dir, name), compressed, 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return name, nil
}

// latest returns the most recent dump.
func (a *crashArchive) latest() (*CrashData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, errArchiveClosed
	}
	entries, err := os.ReadDir(a.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list crash directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), crashPrefix) && strings.HasSuffix(e.Name(), crashSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no crash recorded: %w", fs.ErrNotExist)
	}
	// Names differ only in the decimal timestamp; shorter is older.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	name := names[len(names)-1]

	compressed, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	dump, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", name, err)
	}
	return &CrashData{Name: name, Dump: dump}, nil
}

func (a *crashArchive) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.encoder.Close()
	a.decoder.Close()
}
