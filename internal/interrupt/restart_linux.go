//go:build linux && (amd64 || arm64)

package interrupt

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const saRestart = 0x10000000

// sigaction is the kernel's struct sigaction on architectures that carry
// sa_restorer.
type sigaction struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

// clearRestart re-installs the runtime's own Signal handler without
// SA_RESTART. Drivers that sleep with -ERESTARTSYS would otherwise restart
// the ioctl transparently and the kick would never be observed.
func clearRestart() error {
	var act sigaction
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(Signal),
		0, uintptr(unsafe.Pointer(&act)), unsafe.Sizeof(act.mask), 0, 0); e != 0 {
		return e
	}
	if act.flags&saRestart == 0 {
		return nil
	}
	act.flags &^= saRestart
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(Signal),
		uintptr(unsafe.Pointer(&act)), 0, unsafe.Sizeof(act.mask), 0, 0); e != 0 {
		return e
	}
	return nil
}
