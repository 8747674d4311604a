package service

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeService struct {
	name    string
	rec     *recorder
	openErr error
	block   chan struct{}
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Open() error {
	f.rec.add("open %s", f.name)
	return f.openErr
}

func (f *fakeService) Close() {
	f.rec.add("close %s", f.name)
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeService) ReceiveSignal(sig os.Signal) {
	f.rec.add("signal %s %v", f.name, sig)
}

func quietConfig() Config {
	return Config{Logger: log.New(io.Discard, "", 0)}
}

func TestStartAndShutdownOrder(t *testing.T) {
	rec := &recorder{}
	o := New(quietConfig(),
		&fakeService{name: "a", rec: rec},
		&fakeService{name: "b", rec: rec},
		&fakeService{name: "c", rec: rec},
	)

	if o.State() != StateNotStarted {
		t.Fatalf("initial state: %v", o.State())
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if o.State() != StateRunning {
		t.Errorf("state after start: %v", o.State())
	}
	o.Shutdown()
	if o.State() != StateStopped {
		t.Errorf("state after shutdown: %v", o.State())
	}

	want := []string{
		"open a", "open b", "open c",
		"signal c <nil>", "signal b <nil>", "signal a <nil>",
		"close c", "close b", "close a",
	}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("events:\n got %q\nwant %q", got, want)
	}

	o.Shutdown()
	if len(rec.list()) != len(want) {
		t.Error("second Shutdown should do nothing")
	}
	if err := o.Start(); err == nil {
		t.Error("Start after shutdown should fail")
	}
}

func TestStartFailureUnwinds(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	o := New(quietConfig(),
		&fakeService{name: "a", rec: rec},
		&fakeService{name: "b", rec: rec},
		&fakeService{name: "c", rec: rec, openErr: boom},
		&fakeService{name: "d", rec: rec},
	)

	err := o.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	want := []string{
		"open a", "open b", "open c",
		"signal b <nil>", "signal a <nil>",
		"close b", "close a",
	}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("events:\n got %q\nwant %q", got, want)
	}
	if o.State() != StateStopped {
		t.Errorf("state after failed start: %v", o.State())
	}
}

func TestSignalForwarding(t *testing.T) {
	rec := &recorder{}
	o := New(quietConfig(),
		&fakeService{name: "a", rec: rec},
		&fakeService{name: "b", rec: rec},
	)
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	defer o.Shutdown()

	o.Signal(syscall.SIGUSR2)
	if o.State() != StateRunning {
		t.Errorf("SIGUSR2 changed state to %v", o.State())
	}
	o.Signal(syscall.SIGTERM)
	if o.State() != StateStoppingRequested {
		t.Errorf("SIGTERM: state %v", o.State())
	}

	want := []string{
		"open a", "open b",
		"signal a user defined signal 2", "signal b user defined signal 2",
		"signal a terminated", "signal b terminated",
	}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("events:\n got %q\nwant %q", got, want)
	}
}

func TestNotifyForwardsProcessSignals(t *testing.T) {
	rec := &recorder{}
	o := New(quietConfig(), &fakeService{name: "a", rec: rec})
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	defer o.Shutdown()

	stop := o.Notify()
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		events := rec.list()
		if len(events) == 2 && events[1] == "signal a user defined signal 2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("signal not forwarded: %q", events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownDeadline(t *testing.T) {
	rec := &recorder{}
	block := make(chan struct{})
	exited := make(chan int, 1)

	cfg := quietConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	cfg.Exit = func(code int) {
		exited <- code
		close(block)
	}
	o := New(cfg, &fakeService{name: "stuck", rec: rec, block: block})
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		o.Shutdown()
		close(done)
	}()

	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code: got %d, want 1", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("deadline did not fire")
	}
	<-done
}

func TestShutdownWithinDeadlineDoesNotExit(t *testing.T) {
	cfg := quietConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	cfg.Exit = func(int) { t.Error("exit called after a timely shutdown") }

	o := New(cfg, &fakeService{name: "a", rec: &recorder{}})
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	o.Shutdown()
	time.Sleep(50 * time.Millisecond)
}
