// Package service runs the daemon's services: it opens them in order,
// forwards signals to them and closes them in reverse order under a
// deadline.
package service

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultShutdownTimeout is how long Shutdown may take before the process
// is forcibly terminated.
const DefaultShutdownTimeout = 5 * time.Second

// Service is a long-lived part of the daemon.
type Service interface {
	Name() string
	Open() error
	Close()
	// ReceiveSignal is called for every forwarded signal, and with nil
	// right before shutdown.
	ReceiveSignal(sig os.Signal)
}

// State is the orchestrator's lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStoppingRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStoppingRequested:
		return "stopping requested"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the configuration for an Orchestrator.
type Config struct {
	ShutdownTimeout time.Duration

	// Exit terminates the process when shutdown overruns its deadline.
	// Defaults to os.Exit.
	Exit func(code int)

	Logger *log.Logger
}

// Orchestrator owns an ordered list of services.
type Orchestrator struct {
	config   Config
	logger   *log.Logger
	services []Service

	mu     sync.Mutex
	state  State
	opened int
}

// New creates an Orchestrator for services, which are opened in the order
// given.
func New(cfg Config, services ...Service) *Orchestrator {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[service] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Orchestrator{
		config:   cfg,
		logger:   cfg.Logger,
		services: services,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start opens every service in order. When one fails, the services already
// opened are closed in reverse order and the error is returned.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.state != StateNotStarted {
		o.mu.Unlock()
		return fmt.Errorf("start: orchestrator is %s", o.state)
	}
	o.state = StateStarting
	o.mu.Unlock()

	for _, svc := range o.services {
		o.logger.Printf("opening %s", svc.Name())
		if err := svc.Open(); err != nil {
			o.logger.Printf("cannot open %s: %v", svc.Name(), err)
			o.closeOpened()
			return fmt.Errorf("open %s: %w", svc.Name(), err)
		}
		o.mu.Lock()
		o.opened++
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.state = StateRunning
	o.mu.Unlock()
	o.logger.Printf("%d services running", len(o.services))
	return nil
}

// Signal forwards sig to every opened service. SIGINT and SIGTERM also
// mark the orchestrator as stopping.
func (o *Orchestrator) Signal(sig os.Signal) {
	o.mu.Lock()
	if sig == syscall.SIGINT || sig == syscall.SIGTERM {
		if o.state == StateRunning {
			o.state = StateStoppingRequested
		}
	}
	opened := o.services[:o.opened]
	o.mu.Unlock()

	for _, svc := range opened {
		svc.ReceiveSignal(sig)
	}
}

// Notify forwards SIGINT, SIGTERM and SIGUSR2 to the services until the
// returned stop function is called.
func (o *Orchestrator) Notify() (stop func()) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case sig := <-sigCh:
				o.logger.Printf("received signal %v", sig)
				o.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
		wg.Wait()
	}
}

// Shutdown closes the opened services in reverse order. If that takes
// longer than the shutdown timeout the process is terminated.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return
	}
	o.state = StateStoppingRequested
	o.mu.Unlock()

	timer := time.AfterFunc(o.config.ShutdownTimeout, func() {
		o.logger.Printf("shutdown did not finish within %v, exiting", o.config.ShutdownTimeout)
		o.config.Exit(1)
	})
	defer timer.Stop()

	o.closeOpened()
	o.logger.Printf("shutdown complete")
}

// closeOpened tells every opened service that shutdown is coming, then
// closes them last to first.
func (o *Orchestrator) closeOpened() {
	o.mu.Lock()
	opened := o.services[:o.opened]
	o.opened = 0
	o.mu.Unlock()

	for i := len(opened) - 1; i >= 0; i-- {
		opened[i].ReceiveSignal(nil)
	}
	for i := len(opened) - 1; i >= 0; i-- {
		o.logger.Printf("closing %s", opened[i].Name())
		opened[i].Close()
	}

	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()
}
