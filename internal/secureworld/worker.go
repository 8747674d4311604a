//go:build linux

package secureworld

import (
	"bufio"
	"bytes"
	"errors"
	"syscall"
	"teebroker/internal/kernel"
	"teebroker/internal/trustlet"
	"time"

	"golang.org/x/sys/unix"
)

// run serves driver requests until cancelled or until the driver breaks the
// protocol. Every request received is answered exactly once.
func (l *Link) run() {
	l.logger.Printf("start listening to secure world")

	for {
		req, err := l.admin.NextRequest(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				l.logger.Printf("giving up on cancellation")
			} else {
				l.logger.Printf("get request from driver: %v", err)
			}
			break
		}

		l.mu.Lock()
		expected := l.nextID
		if req.RequestID == expected {
			l.nextID++
		}
		l.mu.Unlock()

		if req.RequestID != expected {
			l.logger.Printf("request id counters out of sync (expected %d, got %d)", expected, req.RequestID)
			break
		}

		resp := kernel.Response{RequestID: req.RequestID}
		var payload []byte

		switch req.Command {
		case kernel.CmdGetTrustlet:
			payload = l.getTrustlet(req, &resp)
		case kernel.CmdSignalCrash:
			l.handleCrash()
		default:
			l.logger.Printf("unknown command %d", req.Command)
			resp.ErrorNo = uint32(unix.EBADRQC)
		}

		if err := l.admin.Respond(resp, payload); err != nil {
			l.logger.Printf("send response to driver: %v", err)
		}
	}

	l.logger.Printf("stop listening to secure world")
	l.mu.Lock()
	l.closeDeviceLocked()
	l.mu.Unlock()
}

// getTrustlet resolves the requested trustlet and fills in resp. Lookup and
// read failures travel back to the driver as an errno.
func (l *Link) getTrustlet(req kernel.Request, resp *kernel.Response) []byte {
	u := trustlet.UUID(req.UUID)
	path := l.config.Registry.TrustletPath(u, req.IsGP != 0)

	img, err := trustlet.Load(path)
	if err != nil {
		l.logger.Printf("cannot provide trustlet %s: %v", u, err)
		resp.ErrorNo = uint32(errnoFor(err))
		return nil
	}

	if !kernel.ValidServiceType(img.ServiceType()) {
		l.logger.Printf("cannot provide trustlet %s: service type %d", u, img.ServiceType())
		resp.ErrorNo = uint32(unix.EINVAL)
		return nil
	}

	resp.ServiceType = img.ServiceType()
	resp.Length = uint32(len(img.Data))
	return img.Data
}

func errnoFor(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, trustlet.ErrInvalidHeader):
		return unix.EINVAL
	default:
		return unix.EPERM
	}
}

// handleCrash logs the crash dump and runs the death callbacks.
func (l *Link) handleCrash() {
	l.logger.Printf("TEE HALTED")

	buf := make([]byte, kernel.MaxCrashDump)
	n, err := l.admin.ReadCrashDump(buf)
	var dump []byte
	if err == nil && n > 0 {
		dump = buf[:n]
		scanner := bufio.NewScanner(bytes.NewReader(dump))
		for scanner.Scan() {
			l.logger.Printf("%s", scanner.Text())
		}
	} else {
		l.logger.Printf("TEE version: %s", l.version.Product())
	}

	l.mu.Lock()
	l.crashes++
	l.crashAt = time.Now()
	callbacks := make([]func([]byte), len(l.onDeath))
	copy(callbacks, l.onDeath)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(dump)
	}
}
