package kernel

import "context"

// Platform opens the driver's device nodes.
type Platform interface {
	// OpenAdmin opens the admin node. Only one daemon may hold it.
	OpenAdmin() (Admin, error)

	// StatUserNode reports whether the user node exists yet. The error
	// satisfies errors.Is(err, fs.ErrNotExist) while the driver is still
	// creating it.
	StatUserNode() error

	// ProductVersion opens a short session on the user node and returns
	// the secure world's version information.
	ProductVersion() (VersionInfo, error)
}

// Admin is an open admin node.
//
// NextRequest blocks until the driver posts a request or ctx is cancelled;
// the load calls may run concurrently with it from other goroutines.
type Admin interface {
	DriverInfo() (DriverInfo, error)

	// LoadDriver submits a driver blob, or the bare UUID when blob is nil.
	LoadDriver(blob []byte, uuid [16]byte) error
	LoadToken(data []byte) error
	LoadKey(data []byte) error

	NextRequest(ctx context.Context) (Request, error)

	// Respond answers the current request: the response struct, then the
	// payload when resp.Length is non-zero.
	Respond(resp Response, payload []byte) error

	// ReadCrashDump reads the dump left behind by SIGNAL_CRASH.
	ReadCrashDump(buf []byte) (int, error)

	Close() error
}
