//go:build linux

// Package secureworld owns the driver's admin node: it performs the version
// handshake, submits drivers, tokens and keys, and answers the requests the
// secure world posts through the driver.
package secureworld

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"teebroker/internal/kernel"
	"teebroker/internal/registry"
	"teebroker/internal/trustlet"
	"time"

	"golang.org/x/sys/unix"
)

// ErrVersionMismatch is returned by Setup when the driver speaks another
// API version. It is not retried.
var ErrVersionMismatch = errors.New("driver version mismatch")

// ErrNotOpen is returned for loads issued before Setup or after the link
// stopped.
var ErrNotOpen = errors.New("secure world link is not open")

// ErrBadServiceType is returned for an image the driver cannot place.
var ErrBadServiceType = errors.New("unsupported service type")

// State is the lifecycle of a Link.
type State int

const (
	StateClosed  State = iota // nothing open
	StateOpen                 // handshake done, worker not started
	StateRunning              // worker serving requests
	StateStopped              // worker exited, device closed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the configuration for a Link.
type Config struct {
	Platform kernel.Platform
	Registry *registry.Registry

	// UserNodeAttempts and UserNodeInterval bound the wait for the user
	// node to appear during Setup.
	UserNodeAttempts int
	UserNodeInterval time.Duration

	Logger *log.Logger
}

// Status is a point-in-time view of the link.
type Status struct {
	State         State
	DriverVersion string
	Product       string
	Crashes       int
	LastCrash     time.Time
	NextRequestID uint32
}

// Link is the daemon's connection to the secure world.
type Link struct {
	config Config
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	ops     int // in-flight loads; the device stays open while non-zero
	admin   kernel.Admin
	driver  kernel.DriverInfo
	version kernel.VersionInfo
	nextID  uint32
	crashes int
	crashAt time.Time
	onDeath []func(dump []byte)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Link. The device is not touched until Setup.
func New(cfg Config) (*Link, error) {
	if cfg.Platform == nil {
		return nil, errors.New("secure world: no platform")
	}
	if cfg.Registry == nil {
		return nil, errors.New("secure world: no registry")
	}
	if cfg.UserNodeAttempts <= 0 {
		cfg.UserNodeAttempts = 10
	}
	if cfg.UserNodeInterval <= 0 {
		cfg.UserNodeInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[secure-world] ", log.LstdFlags|log.Lmsgprefix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		config: cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Setup opens the admin node, checks the driver version, waits for the user
// node and reads the secure world's product version. On any failure the
// admin node is closed again and the link stays closed.
func (l *Link) Setup() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateClosed {
		return fmt.Errorf("setup: link is %s", l.state)
	}

	admin, err := l.config.Platform.OpenAdmin()
	if err != nil {
		return fmt.Errorf("open admin node: %w", err)
	}

	if err := l.handshake(admin); err != nil {
		admin.Close()
		return err
	}

	l.admin = admin
	l.state = StateOpen
	l.logger.Printf("TEE is ready, version: %s", l.version.Product())
	return nil
}

func (l *Link) handshake(admin kernel.Admin) error {
	info, err := admin.DriverInfo()
	if err != nil {
		return fmt.Errorf("read driver info: %w", err)
	}
	l.logger.Printf("driver version: %s", info)

	if info.Major() != kernel.APIVersionMajor || info.Minor() != kernel.APIVersionMinor {
		return fmt.Errorf("%w: driver %s, expected v%d.%d",
			ErrVersionMismatch, info, kernel.APIVersionMajor, kernel.APIVersionMinor)
	}
	l.driver = info
	l.nextID = info.InitialCmdID

	if err := l.waitUserNode(); err != nil {
		return err
	}

	version, err := l.config.Platform.ProductVersion()
	if err != nil {
		return fmt.Errorf("read TEE version: %w", err)
	}
	l.version = version
	return nil
}

func (l *Link) waitUserNode() error {
	for attempt := 1; ; attempt++ {
		err := l.config.Platform.StatUserNode()
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("check user node: %w", err)
		}
		if attempt >= l.config.UserNodeAttempts {
			return fmt.Errorf("user node not ready after %d attempts: %w", attempt, err)
		}
		time.Sleep(l.config.UserNodeInterval)
	}
}

// Name implements service.Service.
func (l *Link) Name() string { return "secure world" }

// Open starts the request worker.
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateOpen {
		return fmt.Errorf("start worker: %w (state %s)", ErrNotOpen, l.state)
	}

	l.state = StateRunning
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
	return nil
}

// Stop asks the worker to exit without waiting for it.
func (l *Link) Stop() {
	l.cancel()
}

// Close stops the worker, waits for it and for in-flight loads, and closes
// the device. It is safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.state == StateOpen {
			// Worker never started.
			l.closeDeviceLocked()
		}
	})
}

// ReceiveSignal implements service.Service. Termination signals stop the
// worker, which in turn releases Wait.
func (l *Link) ReceiveSignal(sig os.Signal) {
	if sig == syscall.SIGINT || sig == syscall.SIGTERM {
		l.logger.Printf("received %v, stopping", sig)
		l.Stop()
	}
}

// Wait blocks while the worker is running.
func (l *Link) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.state == StateRunning {
		l.cond.Wait()
	}
}

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns a snapshot for diagnostics.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		State:         l.state,
		Crashes:       l.crashes,
		LastCrash:     l.crashAt,
		NextRequestID: l.nextID,
	}
	if l.driver.Version != 0 {
		st.DriverVersion = l.driver.String()
	}
	st.Product = l.version.Product()
	return st
}

// OnDeath registers fn to run whenever the secure world reports a crash.
// fn runs on the worker goroutine and receives the crash dump, which may be
// empty.
func (l *Link) OnDeath(fn func(dump []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDeath = append(l.onDeath, fn)
}

// closeDeviceLocked waits for in-flight loads, closes the device and marks
// the link stopped. Caller holds l.mu.
func (l *Link) closeDeviceLocked() {
	l.state = StateStopped
	for l.ops > 0 {
		l.cond.Wait()
	}
	if l.admin != nil {
		l.admin.Close()
		l.admin = nil
	}
	l.cond.Broadcast()
}

// acquire returns the admin node for a load and counts the operation so the
// device is not closed underneath it.
func (l *Link) acquire() (kernel.Admin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen && l.state != StateRunning {
		return nil, ErrNotOpen
	}
	l.ops++
	return l.admin, nil
}

func (l *Link) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops--
	l.cond.Broadcast()
}

// LoadDriver submits a secure driver. ref is either a file path (anything
// containing a slash) or a 32-hex-digit UUID resolved through the registry;
// a UUID without a local binary is submitted on its own so the secure world
// can use a built-in copy. A driver that is already loaded is not an error.
func (l *Link) LoadDriver(ref string) error {
	var blob []byte
	var uuid trustlet.UUID

	if strings.Contains(ref, "/") {
		img, err := trustlet.Load(ref)
		if err != nil {
			return fmt.Errorf("load driver: %w", err)
		}
		if !kernel.ValidServiceType(img.ServiceType()) {
			return fmt.Errorf("load driver %s: %w %d", ref, ErrBadServiceType, img.ServiceType())
		}
		blob = img.Data
	} else {
		u, err := trustlet.ParseUUID(ref)
		if err != nil {
			return fmt.Errorf("load driver: %w", err)
		}
		img, err := trustlet.Load(l.config.Registry.DriverPath(u))
		switch {
		case err != nil:
			l.logger.Printf("no usable binary for driver %s (%v), passing uuid only", u, err)
			uuid = u
		case !kernel.ValidServiceType(img.ServiceType()):
			return fmt.Errorf("load driver %s: %w %d", u, ErrBadServiceType, img.ServiceType())
		default:
			blob = img.Data
		}
	}

	admin, err := l.acquire()
	if err != nil {
		return err
	}
	defer l.release()

	l.logger.Printf("load secure driver %s (%d bytes)", ref, len(blob))
	if err := admin.LoadDriver(blob, uuid); err != nil {
		if errors.Is(err, unix.EBUSY) {
			l.logger.Printf("driver %s already loaded", ref)
			return nil
		}
		return fmt.Errorf("load driver %s: %w", ref, err)
	}
	return nil
}

// LoadToken installs an authentication token.
func (l *Link) LoadToken(data []byte) error {
	admin, err := l.acquire()
	if err != nil {
		return err
	}
	defer l.release()

	if err := admin.LoadToken(data); err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	return nil
}

// LoadDecryptionKey installs the key secure object stored at path. A
// missing file is reported with fs.ErrNotExist.
func (l *Link) LoadDecryptionKey(path string) error {
	data, err := trustlet.ReadMapped(path)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	admin, err := l.acquire()
	if err != nil {
		return err
	}
	defer l.release()

	if err := admin.LoadKey(data); err != nil {
		return fmt.Errorf("load key %s: %w", path, err)
	}
	return nil
}
