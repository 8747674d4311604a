//go:build linux

package kernel

import (
	"context"
	"fmt"
	"os"
	"sync"
	"teebroker/internal/interrupt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Devices is the Platform backed by the real device nodes.
type Devices struct {
	AdminPath string
	UserPath  string
}

// NewDevices returns a Platform for the given nodes, falling back to the
// default paths for empty arguments.
func NewDevices(adminPath, userPath string) *Devices {
	if adminPath == "" {
		adminPath = DefaultAdminNode
	}
	if userPath == "" {
		userPath = DefaultUserNode
	}
	return &Devices{AdminPath: adminPath, UserPath: userPath}
}

// OpenAdmin implements Platform.
func (d *Devices) OpenAdmin() (Admin, error) {
	fd, err := unix.Open(d.AdminPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: d.AdminPath, Err: err}
	}
	return &adminNode{fd: fd}, nil
}

// StatUserNode implements Platform.
func (d *Devices) StatUserNode() error {
	_, err := os.Stat(d.UserPath)
	return err
}

// ProductVersion implements Platform.
func (d *Devices) ProductVersion() (VersionInfo, error) {
	var info VersionInfo

	fd, err := unix.Open(d.UserPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return info, &os.PathError{Op: "open", Path: d.UserPath, Err: err}
	}
	defer unix.Close(fd)

	if err := ioctl(fd, ioVersion, unsafe.Pointer(&info)); err != nil {
		return info, fmt.Errorf("ioctl VERSION: %w", err)
	}
	return info, nil
}

type adminNode struct {
	fd int

	closeOnce sync.Once
	closeErr  error
}

func (a *adminNode) DriverInfo() (DriverInfo, error) {
	var info DriverInfo
	if err := ioctl(a.fd, ioGetInfo, unsafe.Pointer(&info)); err != nil {
		return info, fmt.Errorf("ioctl GET_INFO: %w", err)
	}
	return info, nil
}

func (a *adminNode) LoadDriver(blob []byte, uuid [16]byte) error {
	return a.load(ioLoadDriver, "LOAD_DRIVER", blob, uuid)
}

func (a *adminNode) LoadToken(data []byte) error {
	return a.load(ioLoadToken, "LOAD_TOKEN", data, [16]byte{})
}

func (a *adminNode) LoadKey(data []byte) error {
	return a.load(ioLoadKeySO, "LOAD_KEY_SO", data, [16]byte{})
}

// load hands data to the driver through pinned memory. The driver copies
// the blob before the ioctl returns.
func (a *adminNode) load(req uintptr, name string, data []byte, uuid [16]byte) error {
	mem, err := pin(data)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer mem.release()

	info := loadInfo{
		Address: mem.addr(),
		Length:  uint32(len(data)),
		UUID:    uuid,
	}
	if err := ioctl(a.fd, req, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("ioctl %s: %w", name, err)
	}
	return nil
}

func (a *adminNode) NextRequest(ctx context.Context) (Request, error) {
	var req Request
	err := interrupt.Call(ctx, func() error {
		return ioctl(a.fd, ioGetDriverRequest, unsafe.Pointer(&req))
	})
	return req, err
}

func (a *adminNode) Respond(resp Response, payload []byte) error {
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(&resp)), unsafe.Sizeof(resp))
	if err := writeAll(a.fd, hdr); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if resp.Length == 0 {
		return nil
	}
	if int(resp.Length) > len(payload) {
		return fmt.Errorf("write response data: length %d exceeds payload of %d bytes", resp.Length, len(payload))
	}
	if err := writeAll(a.fd, payload[:resp.Length]); err != nil {
		return fmt.Errorf("write response data: %w", err)
	}
	return nil
}

func (a *adminNode) ReadCrashDump(buf []byte) (int, error) {
	for {
		n, err := unix.Read(a.fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (a *adminNode) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = unix.Close(a.fd)
	})
	return a.closeErr
}

// writeAll issues a single write and treats a short count as an error; the
// driver consumes each write as one message.
func writeAll(fd int, b []byte) error {
	for {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(b) {
			return fmt.Errorf("short write: %d of %d bytes", n, len(b))
		}
		return nil
	}
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
