//go:build linux

// Package registryserver serves the authentication-token registry to local
// clients over an abstract-namespace Unix socket.
//
// A single worker goroutine multiplexes the listener and every client with
// poll(2). Commands are handled one at a time, so the token store is never
// accessed concurrently from this process.
package registryserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"teebroker/internal/audit"
	"teebroker/internal/interrupt"
	"teebroker/pkg/protocol"
	"time"

	"golang.org/x/sys/unix"
)

// MaxPayload bounds the declared payload length of a command.
const MaxPayload = 64 * 1024

// DefaultIOTimeout applies to every read and write on a client socket.
const DefaultIOTimeout = 5 * time.Second

const listenBacklog = 8

// TokenStore is the storage the handlers operate on.
type TokenStore interface {
	Read() ([]byte, error)
	Store(data []byte) ([]byte, error)
	Delete() error
}

// TokenLoader installs a freshly stored token into the secure world.
type TokenLoader interface {
	LoadToken(data []byte) error
}

// Config holds the configuration for the registry server.
type Config struct {
	SocketName string
	Tokens     TokenStore
	Loader     TokenLoader   // optional
	Audit      *audit.Logger // optional
	IOTimeout  time.Duration
	Logger     *log.Logger
}

// Server is the registry IPC server.
type Server struct {
	config Config
	logger *log.Logger

	listenFD int
	conns    []*conn // owned by the worker

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a registry server. Nothing is bound until Open.
func New(cfg Config) (*Server, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("registry server: no token store")
	}
	if cfg.SocketName == "" {
		cfg.SocketName = protocol.DefaultSocketName
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[registry-server] ", log.LstdFlags|log.Lmsgprefix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   cfg,
		logger:   cfg.Logger,
		listenFD: -1,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Name implements service.Service.
func (s *Server) Name() string { return "registry server" }

// Open binds the abstract socket and starts the worker.
func (s *Server) Open() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: "@" + s.config.SocketName}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind @%s: %w", s.config.SocketName, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen on @%s: %w", s.config.SocketName, err)
	}
	s.listenFD = fd

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	s.logger.Printf("listening on @%s", s.config.SocketName)
	return nil
}

// Close stops the worker and closes every connection and the listener.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		for _, c := range s.conns {
			c.close()
		}
		s.conns = nil
		if s.listenFD >= 0 {
			unix.Close(s.listenFD)
			s.listenFD = -1
		}
		s.logger.Printf("stopped")
	})
}

// ReceiveSignal implements service.Service. Signals need no action here;
// the orchestrator closes the server.
func (s *Server) ReceiveSignal(os.Signal) {}

// run is the worker loop: poll the listener and all clients, accept new
// clients and handle one command per readable client.
func (s *Server) run() {
	for {
		fds := make([]unix.PollFd, 0, 1+len(s.conns))
		fds = append(fds, unix.PollFd{Fd: int32(s.listenFD), Events: unix.POLLIN})
		for _, c := range s.conns {
			fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
		}

		err := interrupt.Call(s.ctx, func() error {
			_, err := unix.Poll(fds, -1)
			return err
		})
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Printf("poll failed: %v", err)
			}
			return
		}

		kept := s.conns[:0]
		for i, c := range s.conns {
			if fds[i+1].Revents == 0 || s.handleConnection(c) {
				kept = append(kept, c)
				continue
			}
			c.close()
		}
		s.conns = kept

		if fds[0].Revents&unix.POLLIN != 0 {
			s.accept()
		}
	}
}

func (s *Server) accept() {
	fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.ECONNABORTED {
			s.logger.Printf("accept failed: %v", err)
		}
		return
	}

	c, err := newConn(s.ctx, fd, s.config.IOTimeout)
	if err != nil {
		s.logger.Printf("accept failed: %v", err)
		unix.Close(fd)
		return
	}
	s.conns = append(s.conns, c)
}

// handleConnection reads and executes one command. It returns false when
// the connection must be dropped.
func (s *Server) handleConnection(c *conn) bool {
	var raw [protocol.CommandHeaderSize]byte
	if _, err := c.readData(raw[:]); err != nil {
		if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
			s.logger.Printf("read command header from %s: %v", c.peer, err)
		}
		return false
	}

	var hdr protocol.CommandHeader
	hdr.UnmarshalBinary(raw[:])

	cmd, ok := lookupCommand(hdr.ID)
	if !ok {
		s.logger.Printf("unknown command %d from %s", uint32(hdr.ID), c.peer)
		s.record(c, hdr.ID, protocol.ResultInvalidOperation, int(hdr.Length), nil)
		if hdr.Length > MaxPayload {
			s.reply(c, protocol.ResultInvalidOperation, nil)
			return false
		}
		// Skip the payload so the next header starts where the client
		// put it.
		if err := c.discard(int(hdr.Length)); err != nil {
			s.logger.Printf("discard payload of unknown command: %v", err)
			s.reply(c, protocol.ResultInvalidOperation, nil)
			return false
		}
		return s.reply(c, protocol.ResultInvalidOperation, nil)
	}

	if hdr.Length > MaxPayload {
		// The stream cannot be resynchronised past an unread payload.
		s.logger.Printf("%s: payload of %d bytes exceeds %d", hdr.ID, hdr.Length, MaxPayload)
		s.record(c, hdr.ID, protocol.ResultInvalidParameter, int(hdr.Length), nil)
		s.reply(c, protocol.ResultInvalidParameter, nil)
		return false
	}

	payload := make([]byte, hdr.Length)
	if n, err := c.readData(payload); err != nil {
		s.logger.Printf("%s: read payload: got %d of %d bytes: %v", hdr.ID, n, hdr.Length, err)
		s.record(c, hdr.ID, protocol.ResultUnknown, n, nil)
		s.reply(c, protocol.ResultUnknown, nil)
		return false
	}

	if len(payload) < cmd.minPayload {
		s.logger.Printf("%s: payload of %d bytes below minimum %d", hdr.ID, len(payload), cmd.minPayload)
		s.record(c, hdr.ID, protocol.ResultInvalidParameter, len(payload), nil)
		return s.reply(c, protocol.ResultInvalidParameter, nil)
	}

	res, out, token := cmd.handler(s, payload)
	s.record(c, hdr.ID, res, len(payload), token)
	return s.reply(c, res, out)
}

// reply writes the response header and, for OK results, the payload in a
// single call.
func (s *Server) reply(c *conn, res protocol.Result, payload []byte) bool {
	hdr, _ := protocol.ResponseHeader{Result: res}.MarshalBinary()
	if res != protocol.ResultOK {
		payload = nil
	}

	want := len(hdr) + len(payload)
	n, err := c.writeMsg(hdr, payload)
	if err != nil || n != want {
		s.logger.Printf("write response to %s: wrote %d of %d bytes: %v", c.peer, n, want, err)
		return false
	}
	return true
}

func (s *Server) record(c *conn, id protocol.CommandID, res protocol.Result, payloadLen int, token []byte) {
	if s.config.Audit == nil {
		return
	}
	err := s.config.Audit.Log(audit.Entry{
		Command:     id.String(),
		Result:      res.String(),
		PID:         c.peer.PID,
		UID:         c.peer.UID,
		GID:         c.peer.GID,
		PayloadLen:  payloadLen,
		Fingerprint: audit.Fingerprint(token),
	})
	if err != nil {
		s.logger.Printf("audit: %v", err)
	}
}
