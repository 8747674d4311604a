// Package kernel binds the TEE driver's admin and user device nodes.
//
// The structs in this file mirror the driver's uapi header bit for bit; the
// ioctl request numbers are derived from their sizes the same way the C
// _IOR/_IOW macros do.
package kernel

import (
	"bytes"
	"fmt"
	"unsafe"
)

// Default device nodes.
const (
	DefaultAdminNode = "/dev/mobicore"
	DefaultUserNode  = "/dev/mobicore-user"
)

// Driver API version this daemon speaks. A mismatch in either half is fatal.
const (
	APIVersionMajor = 7
	APIVersionMinor = 1
)

// Commands the driver can post to the daemon.
const (
	CmdGetTrustlet uint32 = 4
	CmdSignalCrash uint32 = 5
)

// Service types carried in the MCLF header and in responses.
const (
	ServiceIllegal        uint32 = 0
	ServiceDriver         uint32 = 1
	ServiceSPTrustlet     uint32 = 2
	ServiceSystemTrustlet uint32 = 3
	ServiceMiddleware     uint32 = 4
)

// ValidServiceType reports whether the driver can place an image of type t.
func ValidServiceType(t uint32) bool {
	return t >= ServiceDriver && t <= ServiceMiddleware
}

// MaxCrashDump is the most the driver hands back after SIGNAL_CRASH.
const MaxCrashDump = 1024

// Request is struct mc_admin_request.
type Request struct {
	RequestID uint32
	Command   uint32
	UUID      [16]byte
	IsGP      uint32
	SPID      uint32
}

// Response is struct mc_admin_response, written to the admin node ahead of
// an optional blob of Length bytes.
type Response struct {
	RequestID   uint32
	ErrorNo     uint32
	SPID        uint32
	ServiceType uint32
	Length      uint32
}

// DriverInfo is struct mc_admin_driver_info.
type DriverInfo struct {
	Version      uint32
	InitialCmdID uint32
}

// Major returns the driver API major version.
func (d DriverInfo) Major() uint32 { return d.Version >> 16 }

// Minor returns the driver API minor version.
func (d DriverInfo) Minor() uint32 { return d.Version & 0xffff }

func (d DriverInfo) String() string {
	return fmt.Sprintf("v%d.%d", d.Major(), d.Minor())
}

// loadInfo is struct mc_admin_load_info.
type loadInfo struct {
	SPID    uint32
	_       uint32
	Address uint64
	Length  uint32
	UUID    [16]byte
	_       uint32
}

// VersionInfo is struct mc_version_info, returned by the user node.
type VersionInfo struct {
	ProductID        [64]byte
	VersionMCI       uint32
	VersionSO        uint32
	VersionMCLF      uint32
	VersionContainer uint32
	VersionMcConfig  uint32
	VersionTlAPI     uint32
	VersionDrAPI     uint32
	VersionCmp       uint32
}

// Product returns the NUL-terminated product id as a string.
func (v VersionInfo) Product() string {
	id := v.ProductID[:]
	if i := bytes.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}
	return string(id)
}

const (
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	ioctlMagic = 'M'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | ioctlMagic<<iocTypeShift | nr<<iocNrShift
}

func ior(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

var (
	ioGetDriverRequest = ior(0, unsafe.Sizeof(Request{}))
	ioGetInfo          = ior(1, unsafe.Sizeof(DriverInfo{}))
	ioLoadDriver       = iow(2, unsafe.Sizeof(loadInfo{}))
	ioLoadToken        = iow(3, unsafe.Sizeof(loadInfo{}))
	ioLoadKeySO        = iow(5, unsafe.Sizeof(loadInfo{}))
	ioVersion          = ior(11, unsafe.Sizeof(VersionInfo{}))
)
