// Package installer hands the persisted authentication token to the secure
// world, waiting for one to be provisioned when none exists yet.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"teebroker/internal/registry"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the directory must stay quiet after a token
// change before the token is installed.
const DefaultDebounce = 500 * time.Millisecond

// TokenSource reads the persisted token.
type TokenSource interface {
	Read() ([]byte, error)
	ReadBackup() ([]byte, error)
}

// TokenLoader installs a token into the secure world.
type TokenLoader interface {
	LoadToken(data []byte) error
}

// Config holds the configuration for an Installer.
type Config struct {
	Tokens TokenSource
	Loader TokenLoader

	// Dir is the directory the token files are written to.
	Dir      string
	Debounce time.Duration
	Logger   *log.Logger
}

// Installer installs the token once, at startup or as soon as it appears.
type Installer struct {
	config  Config
	logger  *log.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	installed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Installer.
func New(cfg Config) (*Installer, error) {
	if cfg.Tokens == nil || cfg.Loader == nil {
		return nil, errors.New("installer: token source and loader are required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("installer: no token directory")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[installer] ", log.LstdFlags|log.Lmsgprefix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Installer{
		config: cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Name implements service.Service.
func (in *Installer) Name() string { return "token installer" }

// Open installs an existing token, or starts watching the token directory
// when there is none.
func (in *Installer) Open() error {
	err := in.install()
	if err == nil || !errors.Is(err, registry.ErrTokenNotFound) {
		if err != nil {
			in.logger.Printf("token not installed: %v", err)
		}
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(in.config.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch token directory: %w", err)
	}
	in.watcher = watcher
	in.logger.Printf("no token yet, watching %s", in.config.Dir)

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.watchLoop()
	}()
	return nil
}

// Close stops watching. It is safe to call more than once.
func (in *Installer) Close() {
	in.cancel()
	if in.watcher != nil {
		in.watcher.Close()
	}
	in.wg.Wait()
}

// ReceiveSignal implements service.Service.
func (in *Installer) ReceiveSignal(os.Signal) {}

// Installed reports whether a token has been handed to the secure world.
func (in *Installer) Installed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.installed
}

// install loads the primary token, falling back to the backup. The
// returned error wraps registry.ErrTokenNotFound when neither exists.
func (in *Installer) install() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.installed {
		return nil
	}

	data, err := in.config.Tokens.Read()
	which := "primary"
	if err != nil {
		in.logger.Printf("primary token unavailable: %v", err)
		data, err = in.config.Tokens.ReadBackup()
		which = "backup"
	}
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	if err := in.config.Loader.LoadToken(data); err != nil {
		return fmt.Errorf("load %s token: %w", which, err)
	}
	in.installed = true
	in.logger.Printf("%s token installed", which)
	return nil
}

func isTokenFile(name string) bool {
	base := filepath.Base(name)
	return base == registry.AuthTokenFile || base == registry.AuthTokenFile+registry.BackupSuffix
}

func (in *Installer) watchLoop() {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-in.ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !isTokenFile(event.Name) || !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(in.config.Debounce, in.handleChange)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Printf("watcher error: %v", err)
		}
	}
}

func (in *Installer) handleChange() {
	if in.ctx.Err() != nil {
		return
	}
	if err := in.install(); err != nil {
		in.logger.Printf("token changed but not installed: %v", err)
		return
	}
	in.logger.Printf("stop watching %s", in.config.Dir)
	in.cancel()
}
