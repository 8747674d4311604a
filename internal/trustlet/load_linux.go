//go:build linux

package trustlet

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Image is a trustlet or driver binary read into memory.
type Image struct {
	Path   string
	Header Header
	Data   []byte
}

// ServiceType returns the service type the driver needs to place the image.
func (img *Image) ServiceType() uint32 { return img.Header.ServiceType }

// Load maps the file at path, validates its header and returns a private
// copy of its contents. Errors opening the file keep their *os.PathError
// so callers can test for fs.ErrNotExist; header errors wrap
// ErrInvalidHeader.
func Load(path string) (*Image, error) {
	data, err := ReadMapped(path)
	if err != nil {
		return nil, err
	}

	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Path: path, Header: hdr, Data: data}, nil
}

// ReadMapped returns a copy of the file at path, read through a private
// read-only mapping.
func ReadMapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := int(fi.Size())
	if size == 0 {
		return []byte{}, nil
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, &os.PathError{Op: "mmap", Path: path, Err: err}
	}
	defer unix.Munmap(mem)

	data := make([]byte, size)
	copy(data, mem)
	return data, nil
}
