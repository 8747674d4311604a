//go:build linux

package kernel

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pinned is a copy of a Go buffer in anonymous memory the garbage collector
// never moves, so its address can be handed to the driver.
type pinned struct {
	mem []byte
}

func pin(data []byte) (*pinned, error) {
	if len(data) == 0 {
		return &pinned{}, nil
	}
	mem, err := unix.Mmap(-1, 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w", len(data), err)
	}
	copy(mem, data)
	return &pinned{mem: mem}, nil
}

func (p *pinned) addr() uint64 {
	if len(p.mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&p.mem[0])))
}

func (p *pinned) release() {
	if p.mem != nil {
		unix.Munmap(p.mem)
		p.mem = nil
	}
}
