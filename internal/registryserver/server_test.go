//go:build linux

package registryserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"teebroker/internal/audit"
	"teebroker/internal/registry"
	"teebroker/pkg/protocol"
	"testing"
	"time"
)

type fakeLoader struct {
	mu     sync.Mutex
	tokens [][]byte
	err    error
}

func (f *fakeLoader) LoadToken(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, bytes.Clone(data))
	return f.err
}

func (f *fakeLoader) loaded() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

type testEnv struct {
	name   string
	dir    string
	store  *registry.TokenStore
	server *Server
	loader *fakeLoader
}

func startServer(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	reg, err := registry.New(registry.Config{
		SearchPaths: []string{dir},
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}

	env := &testEnv{
		name:   fmt.Sprintf("teebroker-test-%d-%s", os.Getpid(), t.Name()),
		dir:    dir,
		store:  reg.Tokens(),
		loader: &fakeLoader{},
	}

	cfg := Config{
		SocketName: env.name,
		Tokens:     env.store,
		Loader:     env.loader,
		Logger:     log.New(io.Discard, "", 0),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env.server, err = New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := env.server.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T) *net.UnixConn {
	t.Helper()
	conn, err := net.Dial("unix", "@"+e.name)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn.(*net.UnixConn)
}

func send(t *testing.T, conn net.Conn, id protocol.CommandID, payload []byte) {
	t.Helper()
	if err := protocol.WriteCommand(conn, id, payload); err != nil {
		t.Fatalf("send %s: %v", id, err)
	}
}

func recvResult(t *testing.T, conn net.Conn) protocol.Result {
	t.Helper()
	hdr, err := protocol.ReadResponseHeader(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return hdr.Result
}

func readToken(t *testing.T, conn net.Conn) ([]byte, protocol.Result) {
	t.Helper()
	send(t, conn, protocol.CmdReadToken, nil)
	res := recvResult(t, conn)
	if res != protocol.ResultOK {
		return nil, res
	}
	buf := make([]byte, protocol.AuthTokenSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read token payload: %v", err)
	}
	return buf, res
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var b [1]byte
	if _, err := conn.Read(b[:]); !errors.Is(err, io.EOF) {
		t.Errorf("expected server to close the connection, got %v", err)
	}
}

func filledToken(b byte) []byte {
	return bytes.Repeat([]byte{b}, protocol.AuthTokenSize)
}

func TestStoreAndReadToken(t *testing.T) {
	env := startServer(t, nil)
	conn := env.dial(t)

	x := filledToken(0x5c)
	send(t, conn, protocol.CmdStoreToken, x)
	if res := recvResult(t, conn); res != protocol.ResultOK {
		t.Fatalf("store: got %v", res)
	}

	got, res := readToken(t, conn)
	if res != protocol.ResultOK {
		t.Fatalf("read: got %v", res)
	}
	if !bytes.Equal(got, x) {
		t.Error("read returned different bytes than stored")
	}

	loaded := env.loader.loaded()
	if len(loaded) != 1 || !bytes.Equal(loaded[0], x) {
		t.Errorf("expected the stored token to be forwarded once, got %d loads", len(loaded))
	}
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	env := startServer(t, nil)
	if _, err := env.store.Store(filledToken(0x21)); err != nil {
		t.Fatal(err)
	}
	conn := env.dial(t)

	send(t, conn, 99, nil)
	if res := recvResult(t, conn); res != protocol.ResultInvalidOperation {
		t.Fatalf("unknown command: got %v, want %v", res, protocol.ResultInvalidOperation)
	}

	got, res := readToken(t, conn)
	if res != protocol.ResultOK {
		t.Fatalf("read after unknown command: got %v", res)
	}
	if got[0] != 0x21 {
		t.Error("read returned unexpected token")
	}
}

func TestUnknownCommandPayloadIsSkipped(t *testing.T) {
	env := startServer(t, nil)
	if _, err := env.store.Store(filledToken(0x21)); err != nil {
		t.Fatal(err)
	}
	conn := env.dial(t)

	// The payload resembles a header; it must not be parsed as one.
	junk, _ := protocol.CommandHeader{ID: protocol.CmdDeleteToken}.MarshalBinary()
	send(t, conn, 99, append(junk, filledToken(0x55)...))
	if res := recvResult(t, conn); res != protocol.ResultInvalidOperation {
		t.Fatalf("unknown command: got %v, want %v", res, protocol.ResultInvalidOperation)
	}

	got, res := readToken(t, conn)
	if res != protocol.ResultOK || got[0] != 0x21 {
		t.Fatalf("read after unknown command with payload: got %v", res)
	}
	if _, err := os.Stat(env.store.PrimaryPath()); err != nil {
		t.Errorf("payload bytes were executed as a command: %v", err)
	}
}

func TestUnknownCommandOversizedPayloadDropsConnection(t *testing.T) {
	env := startServer(t, nil)
	conn := env.dial(t)

	hdr, _ := protocol.CommandHeader{ID: 99, Length: MaxPayload + 1}.MarshalBinary()
	if _, err := conn.Write(hdr); err != nil {
		t.Fatal(err)
	}
	if res := recvResult(t, conn); res != protocol.ResultInvalidOperation {
		t.Errorf("got %v, want %v", res, protocol.ResultInvalidOperation)
	}
	expectClosed(t, conn)
}

func TestCloseInterruptsStalledRead(t *testing.T) {
	env := startServer(t, func(cfg *Config) { cfg.IOTimeout = time.Minute })

	stalled := env.dial(t)
	hdr, _ := protocol.CommandHeader{ID: protocol.CmdStoreToken, Length: protocol.AuthTokenSize}.MarshalBinary()
	if _, err := stalled.Write(hdr); err != nil {
		t.Fatal(err)
	}
	// Let the worker block reading the payload.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	env.server.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Close took %v while a client stalled", elapsed)
	}
	if _, err := os.Stat(env.store.PrimaryPath()); err == nil {
		t.Error("stalled store was executed")
	}
}

func TestZeroTokenRestoresBackup(t *testing.T) {
	env := startServer(t, nil)

	backup := filledToken(0x6b)
	if err := os.WriteFile(env.store.BackupPath(), backup, 0600); err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	send(t, conn, protocol.CmdStoreToken, make([]byte, protocol.AuthTokenSize))
	if res := recvResult(t, conn); res != protocol.ResultOK {
		t.Fatalf("store zero token: got %v", res)
	}

	fresh := env.dial(t)
	got, res := readToken(t, fresh)
	if res != protocol.ResultOK {
		t.Fatalf("read: got %v", res)
	}
	if !bytes.Equal(got, backup) {
		t.Error("expected the backup contents, not zeros")
	}

	loaded := env.loader.loaded()
	if len(loaded) != 1 || !bytes.Equal(loaded[0], backup) {
		t.Error("expected the restored backup to be forwarded to the secure world")
	}
}

func TestShortPayloadDropsConnection(t *testing.T) {
	env := startServer(t, nil)
	conn := env.dial(t)

	hdr, _ := protocol.CommandHeader{ID: protocol.CmdStoreToken, Length: protocol.AuthTokenSize}.MarshalBinary()
	if _, err := conn.Write(append(hdr, filledToken(0x01)[:100]...)); err != nil {
		t.Fatal(err)
	}
	conn.CloseWrite()

	if res := recvResult(t, conn); res != protocol.ResultUnknown {
		t.Errorf("short payload: got %v, want %v", res, protocol.ResultUnknown)
	}
	expectClosed(t, conn)

	entries, err := os.ReadDir(env.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files after a short write, found %d", len(entries))
	}
	if len(env.loader.loaded()) != 0 {
		t.Error("handler ran for a short payload")
	}
}

func TestStalledClientTimesOut(t *testing.T) {
	env := startServer(t, func(cfg *Config) { cfg.IOTimeout = 200 * time.Millisecond })

	stalled := env.dial(t)
	hdr, _ := protocol.CommandHeader{ID: protocol.CmdStoreToken, Length: protocol.AuthTokenSize}.MarshalBinary()
	if _, err := stalled.Write(hdr); err != nil {
		t.Fatal(err)
	}

	if res := recvResult(t, stalled); res != protocol.ResultUnknown {
		t.Errorf("stalled payload: got %v, want %v", res, protocol.ResultUnknown)
	}
	expectClosed(t, stalled)

	// The server keeps serving other clients.
	other := env.dial(t)
	if _, res := readToken(t, other); res != protocol.ResultInvalidDeviceFile {
		t.Errorf("read from healthy client: got %v", res)
	}
}

func TestOversizedPayloadDropsConnection(t *testing.T) {
	env := startServer(t, nil)
	conn := env.dial(t)

	hdr, _ := protocol.CommandHeader{ID: protocol.CmdStoreToken, Length: MaxPayload + 1}.MarshalBinary()
	if _, err := conn.Write(hdr); err != nil {
		t.Fatal(err)
	}

	if res := recvResult(t, conn); res != protocol.ResultInvalidParameter {
		t.Errorf("oversized payload: got %v, want %v", res, protocol.ResultInvalidParameter)
	}
	expectClosed(t, conn)
}

func TestUndersizedPayloadKeepsConnection(t *testing.T) {
	env := startServer(t, nil)
	conn := env.dial(t)

	send(t, conn, protocol.CmdStoreToken, nil)
	if res := recvResult(t, conn); res != protocol.ResultInvalidParameter {
		t.Fatalf("empty store: got %v, want %v", res, protocol.ResultInvalidParameter)
	}

	send(t, conn, protocol.CmdStoreToken, filledToken(3))
	if res := recvResult(t, conn); res != protocol.ResultOK {
		t.Errorf("store after rejected command: got %v", res)
	}
}

func TestDeleteThenRead(t *testing.T) {
	env := startServer(t, nil)
	conn := env.dial(t)

	x := filledToken(0x44)
	send(t, conn, protocol.CmdStoreToken, x)
	if res := recvResult(t, conn); res != protocol.ResultOK {
		t.Fatalf("store: got %v", res)
	}

	send(t, conn, protocol.CmdDeleteToken, nil)
	if res := recvResult(t, conn); res != protocol.ResultOK {
		t.Fatalf("delete: got %v", res)
	}

	if _, res := readToken(t, conn); res != protocol.ResultInvalidDeviceFile {
		t.Errorf("read after delete: got %v, want %v", res, protocol.ResultInvalidDeviceFile)
	}

	backup, err := env.store.ReadBackup()
	if err != nil {
		t.Fatalf("ReadBackup: %v", err)
	}
	if !bytes.Equal(backup, x) {
		t.Error("backup does not hold the deleted token")
	}

	send(t, conn, protocol.CmdDeleteToken, nil)
	if res := recvResult(t, conn); res != protocol.ResultUnknown {
		t.Errorf("second delete: got %v, want %v", res, protocol.ResultUnknown)
	}
}

func TestWrongSizedTokenFile(t *testing.T) {
	env := startServer(t, nil)
	if err := os.WriteFile(env.store.PrimaryPath(), []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, res := readToken(t, env.dial(t)); res != protocol.ResultOutOfResources {
		t.Errorf("read wrong-sized token: got %v, want %v", res, protocol.ResultOutOfResources)
	}
}

func TestLoaderFailureDoesNotAffectResult(t *testing.T) {
	env := startServer(t, nil)
	env.loader.err = errors.New("secure world unavailable")
	conn := env.dial(t)

	send(t, conn, protocol.CmdStoreToken, filledToken(9))
	if res := recvResult(t, conn); res != protocol.ResultOK {
		t.Errorf("store with failing loader: got %v", res)
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	env := startServer(t, nil)

	oldToken, newToken := filledToken(0x01), filledToken(0x02)
	if _, err := env.store.Store(oldToken); err != nil {
		t.Fatal(err)
	}

	const rounds = 50
	var wg sync.WaitGroup
	errs := make(chan error, 3*rounds)

	for r := 0; r < 2; r++ {
		conn := env.dial(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := protocol.WriteCommand(conn, protocol.CmdReadToken, nil); err != nil {
					errs <- err
					return
				}
				hdr, err := protocol.ReadResponseHeader(conn)
				if err != nil {
					errs <- err
					return
				}
				if hdr.Result != protocol.ResultOK {
					errs <- fmt.Errorf("read: %v", hdr.Result)
					return
				}
				buf := make([]byte, protocol.AuthTokenSize)
				if _, err := io.ReadFull(conn, buf); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(buf, oldToken) && !bytes.Equal(buf, newToken) {
					errs <- errors.New("torn read")
					return
				}
			}
		}()
	}

	writer := env.dial(t)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			tok := oldToken
			if i%2 == 0 {
				tok = newToken
			}
			if err := protocol.WriteCommand(writer, protocol.CmdStoreToken, tok); err != nil {
				errs <- err
				return
			}
			hdr, err := protocol.ReadResponseHeader(writer)
			if err != nil {
				errs <- err
				return
			}
			if hdr.Result != protocol.ResultOK {
				errs <- fmt.Errorf("store: %v", hdr.Result)
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAuditRecordsPeer(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")
	auditLog, err := audit.NewLogger(logPath)
	if err != nil {
		t.Fatal(err)
	}
	env := startServer(t, func(cfg *Config) { cfg.Audit = auditLog })
	conn := env.dial(t)

	send(t, conn, protocol.CmdStoreToken, filledToken(0x10))
	recvResult(t, conn)
	send(t, conn, 7, nil)
	recvResult(t, conn)

	env.server.Close()
	auditLog.Close()

	entries, err := audit.Read(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Command != "store-token" || entries[0].Fingerprint != audit.Fingerprint(filledToken(0x10)) {
		t.Errorf("unexpected store entry: %+v", entries[0])
	}
	if entries[0].PID != int32(os.Getpid()) {
		t.Errorf("peer pid: got %d, want %d", entries[0].PID, os.Getpid())
	}
	if entries[1].Result != protocol.ResultInvalidOperation.String() {
		t.Errorf("unexpected unknown-command entry: %+v", entries[1])
	}
}

func TestCloseWithConnectedClients(t *testing.T) {
	env := startServer(t, nil)
	conn := env.dial(t)
	if _, res := readToken(t, conn); res != protocol.ResultInvalidDeviceFile {
		t.Fatalf("read: got %v", res)
	}

	done := make(chan struct{})
	go func() {
		env.server.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	expectClosed(t, conn)

	// The abstract name is free again.
	again, err := New(Config{SocketName: env.name, Tokens: env.store, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestOpenFailsWhenNameTaken(t *testing.T) {
	env := startServer(t, nil)

	dup, err := New(Config{SocketName: env.name, Tokens: env.store, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if err := dup.Open(); err == nil {
		dup.Close()
		t.Fatal("expected bind to fail for a name already in use")
	}
	dup.Close()
}
