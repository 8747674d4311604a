// Package regclient talks to the daemon's registry socket, the way the TEE
// client library does.
package regclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"teebroker/pkg/protocol"
	"time"
)

// DefaultTimeout bounds each exchange when the caller sets no deadline.
const DefaultTimeout = 5 * time.Second

// Client is one connection to the registry server. It is not safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the abstract socket socketName.
func Dial(ctx context.Context, socketName string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", "@"+socketName)
	if err != nil {
		return nil, fmt.Errorf("connect to registry @%s: %w", socketName, err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// SetTimeout changes the per-exchange timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReadToken returns the stored authentication token.
func (c *Client) ReadToken() ([]byte, error) {
	if err := c.call(protocol.CmdReadToken, nil); err != nil {
		return nil, err
	}
	token := make([]byte, protocol.AuthTokenSize)
	if _, err := io.ReadFull(c.conn, token); err != nil {
		return nil, fmt.Errorf("read token payload: %w", err)
	}
	return token, nil
}

// StoreToken persists data as the authentication token.
func (c *Client) StoreToken(data []byte) error {
	return c.call(protocol.CmdStoreToken, data)
}

// DeleteToken demotes the token to its backup.
func (c *Client) DeleteToken() error {
	return c.call(protocol.CmdDeleteToken, nil)
}

// call sends a command and reads the response header. A non-OK result is
// returned as a protocol.Result error.
func (c *Client) call(id protocol.CommandID, payload []byte) error {
	c.conn.SetDeadline(time.Now().Add(c.timeout))

	if err := protocol.WriteCommand(c.conn, id, payload); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	hdr, err := protocol.ReadResponseHeader(c.conn)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	if hdr.Result != protocol.ResultOK {
		return fmt.Errorf("%s: %w", id, hdr.Result)
	}
	return nil
}

// IsNotFound reports whether err is the server's answer for a missing
// token.
func IsNotFound(err error) bool {
	var res protocol.Result
	return errors.As(err, &res) && res == protocol.ResultInvalidDeviceFile
}
