//go:build linux

package filesystem

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Partition is one Store_X.tf file. Its methods are safe for concurrent
// use; every access is positioned, so there is no shared file offset.
type Partition struct {
	index int
	dir   string
	path  string

	mu   sync.Mutex
	f    *os.File
	size int64
}

// Path returns the partition's file path.
func (p *Partition) Path() string { return p.path }

// Create creates the partition, truncating any previous content, and
// grows it to size.
func (p *Partition) Create(size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create partition %d: %w", p.index, err)
	}
	p.f, p.size = f, 0

	if err := p.resizeLocked(size); err != nil {
		p.closeLocked()
		return err
	}
	return p.syncLocked()
}

// Open opens an existing partition.
func (p *Partition) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f != nil {
		return nil
	}
	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open partition %d: %w", p.index, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat partition %d: %w", p.index, err)
	}
	p.f, p.size = f, fi.Size()
	return nil
}

// Size returns the current size of an open partition.
func (p *Partition) Size() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return 0, ErrNotOpen
	}
	return p.size, nil
}

// Read returns n bytes at off.
func (p *Partition) Read(off, n int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return nil, ErrNotOpen
	}
	if off < 0 || n < 0 || off+n > p.size {
		return nil, fmt.Errorf("read %d bytes at %d of %d: %w", n, off, p.size, ErrOutOfRange)
	}
	buf := make([]byte, n)
	if _, err := p.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read partition %d: %w", p.index, err)
	}
	return buf, nil
}

// Write stores data at off. The partition does not grow implicitly.
func (p *Partition) Write(off int64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return ErrNotOpen
	}
	if off < 0 || off+int64(len(data)) > p.size {
		return fmt.Errorf("write %d bytes at %d of %d: %w", len(data), off, p.size, ErrOutOfRange)
	}
	if _, err := p.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("write partition %d: %w", p.index, err)
	}
	return nil
}

// Resize grows or shrinks the partition. New space is filled with FillByte.
func (p *Partition) Resize(size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return ErrNotOpen
	}
	return p.resizeLocked(size)
}

func (p *Partition) resizeLocked(size int64) error {
	if size < 0 {
		return fmt.Errorf("resize to %d: %w", size, ErrOutOfRange)
	}
	if size < p.size {
		if err := p.f.Truncate(size); err != nil {
			return fmt.Errorf("shrink partition %d: %w", p.index, err)
		}
		p.size = size
		return nil
	}

	const chunk = 64 << 10
	fill := bytes.Repeat([]byte{FillByte}, chunk)
	for p.size < size {
		n := min(size-p.size, chunk)
		if _, err := p.f.WriteAt(fill[:n], p.size); err != nil {
			return fmt.Errorf("grow partition %d: %w", p.index, err)
		}
		p.size += n
	}
	return nil
}

// Sync flushes the file and its directory entry.
func (p *Partition) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return ErrNotOpen
	}
	return p.syncLocked()
}

func (p *Partition) syncLocked() error {
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("sync partition %d: %w", p.index, err)
	}
	d, err := os.Open(p.dir)
	if err != nil {
		return fmt.Errorf("sync storage directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync storage directory: %w", err)
	}
	return nil
}

// Close closes the partition file.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return ErrNotOpen
	}
	return p.closeLocked()
}

func (p *Partition) closeLocked() error {
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f, p.size = nil, 0
	return err
}

// Destroy closes and removes the partition.
func (p *Partition) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()
	if err := os.Remove(p.path); err != nil {
		return fmt.Errorf("destroy partition %d: %w", p.index, err)
	}
	return nil
}
