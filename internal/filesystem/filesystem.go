//go:build linux

// Package filesystem keeps the secure-storage partitions the secure world
// persists through the daemon. Each partition is a flat file Store_X.tf.
package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	// NumPartitions is the number of partitions the secure world addresses.
	NumPartitions = 16

	// FillByte pads a partition when it grows, so the space is really
	// allocated rather than left as a hole.
	FillByte = 0xA5
)

var (
	ErrBadPartition = errors.New("no such partition")
	ErrOutOfRange   = errors.New("access beyond end of partition")
	ErrNotOpen      = errors.New("partition is not open")
	ErrTooLarge     = errors.New("partition too large to transfer")
)

// MaxTransferSize bounds what Dump and Restore move in one piece.
const MaxTransferSize = 16 << 20

// PartitionName returns the file name of partition i.
func PartitionName(i int) string {
	return fmt.Sprintf("Store_%X.tf", i)
}

// Config holds the configuration for a Service.
type Config struct {
	// Dir is the default partition directory, normally TbStorage in the
	// writable registry directory.
	Dir string

	// Overrides maps a partition index to the directory holding it.
	Overrides map[int]string

	Logger *log.Logger
}

// PartitionInfo describes one partition for diagnostics.
type PartitionInfo struct {
	Index  int    `cbor:"index"`
	Path   string `cbor:"path"`
	Exists bool   `cbor:"exists"`
	Size   int64  `cbor:"size"`
}

// Service owns the partitions.
type Service struct {
	config     Config
	logger     *log.Logger
	partitions [NumPartitions]*Partition
}

// New creates a Service. Nothing is touched on disk until Open.
func New(cfg Config) (*Service, error) {
	if cfg.Dir == "" {
		return nil, errors.New("filesystem: no storage directory")
	}
	for i := range cfg.Overrides {
		if i < 0 || i >= NumPartitions {
			return nil, fmt.Errorf("filesystem: override for partition %d: %w", i, ErrBadPartition)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[filesystem] ", log.LstdFlags|log.Lmsgprefix)
	}

	s := &Service{config: cfg, logger: cfg.Logger}
	for i := range s.partitions {
		dir := cfg.Dir
		if d, ok := cfg.Overrides[i]; ok && d != "" {
			dir = d
		}
		s.partitions[i] = &Partition{index: i, dir: dir, path: filepath.Join(dir, PartitionName(i))}
	}
	return s, nil
}

// Name implements service.Service.
func (s *Service) Name() string { return "file system" }

// Open makes sure every partition directory exists and is writable.
// Volatile storage is reported but accepted.
func (s *Service) Open() error {
	seen := make(map[string]bool)
	for _, p := range s.partitions {
		if seen[p.dir] {
			continue
		}
		seen[p.dir] = true

		if err := os.MkdirAll(p.dir, 0700); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
		if err := unix.Access(p.dir, unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("storage directory %s: %w", p.dir, err)
		}
		if !StorageAvailable(p.dir) {
			s.logger.Printf("warning: %s is on volatile storage", p.dir)
		}
	}
	s.logger.Printf("storage ready in %s", s.config.Dir)
	return nil
}

// Close closes every open partition.
func (s *Service) Close() {
	for _, p := range s.partitions {
		if err := p.Close(); err != nil && !errors.Is(err, ErrNotOpen) {
			s.logger.Printf("close %s: %v", p.path, err)
		}
	}
}

// ReceiveSignal implements service.Service.
func (s *Service) ReceiveSignal(os.Signal) {}

// Partition returns partition i.
func (s *Service) Partition(i int) (*Partition, error) {
	if i < 0 || i >= NumPartitions {
		return nil, fmt.Errorf("partition %d: %w", i, ErrBadPartition)
	}
	return s.partitions[i], nil
}

// Usage reports the on-disk state of every partition.
func (s *Service) Usage() []PartitionInfo {
	infos := make([]PartitionInfo, 0, NumPartitions)
	for _, p := range s.partitions {
		info := PartitionInfo{Index: p.index, Path: p.path}
		if fi, err := os.Stat(p.path); err == nil {
			info.Exists = true
			info.Size = fi.Size()
		}
		infos = append(infos, info)
	}
	return infos
}

// Dump returns the whole content of partition i.
func (s *Service) Dump(i int) ([]byte, error) {
	p, err := s.Partition(i)
	if err != nil {
		return nil, err
	}
	if err := p.Open(); err != nil {
		return nil, err
	}
	defer p.Close()

	size, err := p.Size()
	if err != nil {
		return nil, err
	}
	if size > MaxTransferSize {
		return nil, fmt.Errorf("partition %d has %d bytes: %w", i, size, ErrTooLarge)
	}
	return p.Read(0, size)
}

// Restore replaces the content of partition i with data, creating the
// partition when it does not exist.
func (s *Service) Restore(i int, data []byte) error {
	p, err := s.Partition(i)
	if err != nil {
		return err
	}
	if len(data) > MaxTransferSize {
		return fmt.Errorf("restore %d bytes: %w", len(data), ErrTooLarge)
	}

	switch err := p.Open(); {
	case err == nil:
		if err := p.Resize(int64(len(data))); err != nil {
			p.Close()
			return err
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := p.Create(int64(len(data))); err != nil {
			return err
		}
	default:
		return err
	}
	defer p.Close()

	if err := p.Write(0, data); err != nil {
		return err
	}
	if err := p.Sync(); err != nil {
		return err
	}
	s.logger.Printf("partition %X restored (%d bytes)", i, len(data))
	return nil
}

// Erase removes partition i.
func (s *Service) Erase(i int) error {
	p, err := s.Partition(i)
	if err != nil {
		return err
	}
	if err := p.Destroy(); err != nil {
		return err
	}
	s.logger.Printf("partition %X erased", i)
	return nil
}

// StorageAvailable reports whether dir's parent exists and dir is not
// backed by tmpfs.
func StorageAvailable(dir string) bool {
	if _, err := os.Stat(filepath.Dir(filepath.Clean(dir))); err != nil {
		return false
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false
	}
	return st.Type != unix.TMPFS_MAGIC
}
