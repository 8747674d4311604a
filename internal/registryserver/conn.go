//go:build linux

package registryserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"teebroker/internal/interrupt"
	"time"

	"golang.org/x/sys/unix"
)

// errTimeout is returned when a client stalls longer than the socket
// timeout.
var errTimeout = errors.New("socket timeout")

// conn is one accepted client socket. It is blocking, with send and
// receive timeouts, and owned by the server worker alone. Reads and writes
// return early once ctx is cancelled.
type conn struct {
	ctx  context.Context
	fd   int
	peer PeerCredentials
}

func newConn(ctx context.Context, fd int, timeout time.Duration) (*conn, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return nil, fmt.Errorf("set send timeout: %w", err)
	}

	c := &conn{ctx: ctx, fd: fd}
	if cred, err := peerCredentials(fd); err == nil {
		c.peer = cred
	}
	return c, nil
}

// readData fills buf, retrying partial reads. It returns io.EOF when the
// peer closed before sending anything and io.ErrUnexpectedEOF when it
// closed midway.
func (c *conn) readData(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		var n int
		err := interrupt.Call(c.ctx, func() (err error) {
			n, err = unix.Read(c.fd, buf[total:])
			return err
		})
		switch {
		case c.ctx.Err() != nil:
			return total, c.ctx.Err()
		case err == unix.EAGAIN:
			return total, errTimeout
		case err != nil:
			return total, err
		case n == 0:
			if total == 0 {
				return 0, io.EOF
			}
			return total, io.ErrUnexpectedEOF
		}
		total += n
	}
	return total, nil
}

// writeMsg sends all buffers in a single scatter-gather call and returns
// the number of bytes the kernel accepted.
func (c *conn) writeMsg(bufs ...[]byte) (int, error) {
	var n int
	err := interrupt.Call(c.ctx, func() (err error) {
		n, err = unix.SendmsgBuffers(c.fd, bufs, nil, nil, unix.MSG_NOSIGNAL)
		return err
	})
	if err == unix.EAGAIN {
		return n, errTimeout
	}
	return n, err
}

// discard reads and drops n bytes.
func (c *conn) discard(n int) error {
	var buf [4096]byte
	for n > 0 {
		chunk := min(n, len(buf))
		if _, err := c.readData(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (c *conn) close() {
	unix.Close(c.fd)
}
