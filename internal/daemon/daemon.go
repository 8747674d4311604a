//go:build linux

// Package daemon wires the daemon's services together and runs them.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"teebroker/internal/audit"
	"teebroker/internal/config"
	"teebroker/internal/debug"
	"teebroker/internal/filesystem"
	"teebroker/internal/installer"
	"teebroker/internal/kernel"
	"teebroker/internal/registry"
	"teebroker/internal/registryserver"
	"teebroker/internal/secureworld"
	"teebroker/internal/service"
)

// Version is reported by -v.
const Version = "1.0.0"

// Exit codes.
const (
	ExitOK    = 0
	ExitSetup = 1
	ExitUsage = 2
)

// Env is everything Run takes from the process. Zero fields fall back to
// the real process environment.
type Env struct {
	Name   string
	Args   []string
	Getenv func(string) string
	Stdout io.Writer
	Stderr io.Writer

	// LogOutput receives every component's log.
	LogOutput io.Writer

	// Platform replaces the real device nodes.
	Platform kernel.Platform

	// Exit terminates the process when shutdown overruns its deadline.
	Exit func(int)
}

func (e *Env) defaults() {
	if e.Name == "" {
		e.Name = "teebrokerd"
	}
	if e.Getenv == nil {
		e.Getenv = os.Getenv
	}
	if e.Stdout == nil {
		e.Stdout = os.Stdout
	}
	if e.Stderr == nil {
		e.Stderr = os.Stderr
	}
	if e.LogOutput == nil {
		e.LogOutput = os.Stdout
	}
}

func (e *Env) logger(component string) *log.Logger {
	return log.New(e.LogOutput, "["+component+"] ", log.LstdFlags|log.Lmsgprefix)
}

// Run runs the daemon until the secure world link stops and returns the
// process exit code.
func Run(env Env) int {
	env.defaults()

	opts, err := config.Parse(env.Name, env.Args, env.Getenv)
	if err != nil {
		fmt.Fprintf(env.Stderr, "%s: %v\n", env.Name, err)
		if opts != nil {
			opts.Usage(env.Stderr, env.Name)
		}
		return ExitUsage
	}
	if opts.Help {
		opts.Usage(env.Stdout, env.Name)
		return ExitOK
	}
	if opts.Version {
		fmt.Fprintf(env.Stdout, "%s %s (driver API v%d.%d)\n", env.Name, Version, kernel.APIVersionMajor, kernel.APIVersionMinor)
		return ExitOK
	}
	cfg := opts.Config

	if cfg.Background && env.Getenv(daemonizedEnv) == "" {
		if err := daemonize(env.Args); err != nil {
			fmt.Fprintf(env.Stderr, "%s: cannot fork to background: %v\n", env.Name, err)
			return ExitSetup
		}
		return ExitOK
	}

	logger := env.logger(env.Name)
	logger.Printf("starting %s %s: %s", env.Name, Version, cfg)

	d, err := setup(env, cfg, logger)
	if err != nil {
		logger.Printf("setup failed: %v", err)
		return ExitSetup
	}
	return d.run()
}

type daemon struct {
	cfg    *config.Config
	logger *log.Logger
	link   *secureworld.Link
	orch   *service.Orchestrator
	audit  *audit.Logger
}

// setup brings up the secure world link and builds the services. Nothing
// is listening yet when it returns.
func setup(env Env, cfg *config.Config, logger *log.Logger) (*daemon, error) {
	reg, err := registry.New(registry.Config{
		SearchPaths:  cfg.RegistryPaths,
		AuthTokenDir: cfg.AuthTokenDir,
		Logger:       env.logger("registry"),
	})
	if err != nil {
		return nil, err
	}

	platform := env.Platform
	if platform == nil {
		platform = kernel.NewDevices(cfg.AdminNode, cfg.UserNode)
	}
	link, err := secureworld.New(secureworld.Config{
		Platform: platform,
		Registry: reg,
		Logger:   env.logger("secure-world"),
	})
	if err != nil {
		return nil, err
	}
	if err := link.Setup(); err != nil {
		return nil, fmt.Errorf("secure world: %w", err)
	}

	d := &daemon{cfg: cfg, logger: logger, link: link}
	if err := d.loadKey(); err != nil {
		link.Close()
		return nil, err
	}

	services, err := d.buildServices(env, reg)
	if err != nil {
		link.Close()
		d.closeAudit()
		return nil, err
	}
	d.orch = service.New(service.Config{
		ShutdownTimeout: cfg.ShutdownTimeout,
		Exit:            env.Exit,
		Logger:          env.logger("service"),
	}, services...)
	return d, nil
}

func (d *daemon) loadKey() error {
	if d.cfg.DecryptionKey == "" {
		return nil
	}
	err := d.link.LoadDecryptionKey(d.cfg.DecryptionKey)
	switch {
	case err == nil:
		d.logger.Printf("decryption key loaded from %s", d.cfg.DecryptionKey)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		d.logger.Printf("warning: decryption key %s not found", d.cfg.DecryptionKey)
		return nil
	default:
		return fmt.Errorf("decryption key: %w", err)
	}
}

// buildServices returns the services in start order.
func (d *daemon) buildServices(env Env, reg *registry.Registry) ([]service.Service, error) {
	services := []service.Service{d.link}

	var storage debug.Storage
	if !d.cfg.LightMode {
		fsvc, err := filesystem.New(filesystem.Config{
			Dir:       reg.TbStoragePath(),
			Overrides: d.cfg.Partitions,
			Logger:    env.logger("filesystem"),
		})
		if err != nil {
			return nil, err
		}
		storage = fsvc

		inst, err := installer.New(installer.Config{
			Tokens: reg.Tokens(),
			Loader: d.link,
			Dir:    reg.TokenDir(),
			Logger: env.logger("installer"),
		})
		if err != nil {
			return nil, err
		}
		services = append(services, fsvc, inst)
	}

	auditLog, err := audit.NewLogger(d.cfg.AuditLog)
	if err != nil {
		return nil, err
	}
	d.audit = auditLog

	regsrv, err := registryserver.New(registryserver.Config{
		SocketName: d.cfg.SocketName,
		Tokens:     reg.Tokens(),
		Loader:     d.link,
		Audit:      auditLog,
		IOTimeout:  d.cfg.IOTimeout,
		Logger:     env.logger("registry-server"),
	})
	if err != nil {
		return nil, err
	}

	dbg, err := debug.New(debug.Config{
		SocketName: d.cfg.DebugSocketName,
		Link:       d.link,
		Storage:    storage,
		CrashDir:   d.cfg.CrashDirectory(),
		IOTimeout:  d.cfg.IOTimeout,
		Logger:     env.logger("debug"),
	})
	if err != nil {
		return nil, err
	}

	return append(services, regsrv, dbg), nil
}

func (d *daemon) run() int {
	defer d.closeAudit()
	defer d.link.Close()

	if err := d.orch.Start(); err != nil {
		d.logger.Printf("startup failed: %v", err)
		return ExitSetup
	}

	stop := d.orch.Notify()
	defer stop()

	if err := d.preloadDrivers(); err != nil {
		d.logger.Printf("%v", err)
		d.orch.Shutdown()
		return ExitSetup
	}

	d.logger.Printf("running")
	d.link.Wait()

	d.logger.Printf("secure world link stopped, shutting down")
	d.orch.Shutdown()
	return ExitOK
}

// preloadDrivers loads the configured drivers. A missing binary is only a
// warning.
func (d *daemon) preloadDrivers() error {
	for _, ref := range d.cfg.Drivers {
		err := d.link.LoadDriver(ref)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			d.logger.Printf("warning: driver %s not found", ref)
		default:
			return fmt.Errorf("preload driver %s: %w", ref, err)
		}
	}
	return nil
}

func (d *daemon) closeAudit() {
	if d.audit != nil {
		d.audit.Close()
		d.audit = nil
	}
}
