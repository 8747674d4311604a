// Package registry resolves trustlet, driver and token files against an
// ordered list of registry directories. The first directory is the only
// one the daemon writes to.
package registry

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"teebroker/internal/trustlet"
)

// File name conventions inside a registry directory.
const (
	AuthTokenFile   = "00000000.authtokcont"
	BackupSuffix    = ".backup"
	TrustletExt     = ".tlbin"
	DriverExt       = ".drbin"
	GPTrustletExt   = ".tabin"
	TbStorageSubdir = "TbStorage"
)

// AuthTokenPathEnv names the environment variable that relocates the token.
const AuthTokenPathEnv = "MC_AUTH_TOKEN_PATH"

// Config holds the configuration for a Registry.
type Config struct {
	// SearchPaths in lookup order; SearchPaths[0] is writable.
	SearchPaths []string

	// AuthTokenDir, when set and an existing directory, holds the token
	// instead of SearchPaths[0].
	AuthTokenDir string

	Logger *log.Logger
}

// Registry is the read-only-after-construction view of the registry
// directories.
type Registry struct {
	paths        []string
	authTokenDir string
	logger       *log.Logger
}

// New creates a Registry. At least one search path is required.
func New(cfg Config) (*Registry, error) {
	if len(cfg.SearchPaths) == 0 {
		return nil, errors.New("registry: no search paths configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[registry] ", log.LstdFlags|log.Lmsgprefix)
	}

	paths := make([]string, len(cfg.SearchPaths))
	for i, p := range cfg.SearchPaths {
		paths[i] = filepath.Clean(p)
	}

	return &Registry{
		paths:        paths,
		authTokenDir: cfg.AuthTokenDir,
		logger:       cfg.Logger,
	}, nil
}

// SearchPaths returns a copy of the configured directories.
func (r *Registry) SearchPaths() []string {
	return append([]string(nil), r.paths...)
}

// WritableDir returns the directory the daemon writes to.
func (r *Registry) WritableDir() string {
	return r.paths[0]
}

// TbStoragePath returns the directory holding secure-storage partitions.
func (r *Registry) TbStoragePath() string {
	return filepath.Join(r.paths[0], TbStorageSubdir)
}

// TokenDir returns the directory holding the authentication token: the
// override when it exists, otherwise the writable directory.
func (r *Registry) TokenDir() string {
	if r.authTokenDir != "" && dirExists(r.authTokenDir) {
		return r.authTokenDir
	}
	return r.paths[0]
}

// TrustletPath returns the path of a trustlet binary. GP trusted
// applications use the .tabin extension.
func (r *Registry) TrustletPath(u trustlet.UUID, gp bool) string {
	ext := TrustletExt
	if gp {
		ext = GPTrustletExt
	}
	return r.lookup(u.String() + ext)
}

// DriverPath returns the path of a secure driver binary, which may be
// stored with either the trustlet or the driver extension.
func (r *Registry) DriverPath(u trustlet.UUID) string {
	return r.lookup(u.String()+TrustletExt, u.String()+DriverExt)
}

// lookup searches the read-only directories for the first existing name,
// then falls back to the first name in the writable directory. The result
// may not exist; callers report that when they open it.
func (r *Registry) lookup(names ...string) string {
	for _, dir := range r.paths[1:] {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	for _, name := range names {
		path := filepath.Join(r.paths[0], name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(r.paths[0], names[0])
}

// Tokens returns the token store backed by this registry.
func (r *Registry) Tokens() *TokenStore {
	return &TokenStore{reg: r, logger: r.logger}
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry%v", r.paths)
}
