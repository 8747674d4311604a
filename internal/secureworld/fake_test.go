//go:build linux

package secureworld

import (
	"bytes"
	"context"
	"io/fs"
	"sync"
	"teebroker/internal/kernel"

	"golang.org/x/sys/unix"
)

type response struct {
	resp    kernel.Response
	payload []byte
}

type loadCall struct {
	blob []byte
	uuid [16]byte
}

// fakeAdmin is an in-memory admin node. Requests are fed through the
// requests channel; closing it makes NextRequest fail like a dead driver.
type fakeAdmin struct {
	info     kernel.DriverInfo
	requests chan kernel.Request
	replies  chan response
	dump     []byte

	mu        sync.Mutex
	drivers   []loadCall
	tokens    [][]byte
	keys      [][]byte
	driverErr error
	closed    int
}

func newFakeAdmin(major, minor uint32) *fakeAdmin {
	return &fakeAdmin{
		info:     kernel.DriverInfo{Version: major<<16 | minor, InitialCmdID: 100},
		requests: make(chan kernel.Request, 16),
		replies:  make(chan response, 16),
	}
}

func (f *fakeAdmin) DriverInfo() (kernel.DriverInfo, error) { return f.info, nil }

func (f *fakeAdmin) LoadDriver(blob []byte, uuid [16]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers = append(f.drivers, loadCall{blob: bytes.Clone(blob), uuid: uuid})
	return f.driverErr
}

func (f *fakeAdmin) LoadToken(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, bytes.Clone(data))
	return nil
}

func (f *fakeAdmin) LoadKey(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, bytes.Clone(data))
	return nil
}

func (f *fakeAdmin) NextRequest(ctx context.Context) (kernel.Request, error) {
	select {
	case req, ok := <-f.requests:
		if !ok {
			return kernel.Request{}, unix.EIO
		}
		return req, nil
	case <-ctx.Done():
		return kernel.Request{}, ctx.Err()
	}
}

func (f *fakeAdmin) Respond(resp kernel.Response, payload []byte) error {
	f.replies <- response{resp: resp, payload: bytes.Clone(payload)}
	return nil
}

func (f *fakeAdmin) ReadCrashDump(buf []byte) (int, error) {
	return copy(buf, f.dump), nil
}

func (f *fakeAdmin) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeAdmin) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePlatform hands out a single fakeAdmin. statErrs are returned by
// successive StatUserNode calls; once exhausted the node exists.
type fakePlatform struct {
	admin    *fakeAdmin
	statErrs []error
	stats    int
	product  string
}

func (p *fakePlatform) OpenAdmin() (kernel.Admin, error) {
	if p.admin == nil {
		return nil, &fs.PathError{Op: "open", Path: kernel.DefaultAdminNode, Err: unix.ENOENT}
	}
	return p.admin, nil
}

func (p *fakePlatform) StatUserNode() error {
	p.stats++
	if p.stats <= len(p.statErrs) {
		return p.statErrs[p.stats-1]
	}
	return nil
}

func (p *fakePlatform) ProductVersion() (kernel.VersionInfo, error) {
	var v kernel.VersionInfo
	copy(v.ProductID[:], p.product)
	return v, nil
}
