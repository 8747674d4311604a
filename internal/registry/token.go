package registry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"teebroker/pkg/protocol"
)

// MaxStoreSize bounds the payload Store accepts.
const MaxStoreSize = 3 * protocol.MaxSOContainerSize

// Token store outcomes. Callers match them with errors.Is.
var (
	ErrTokenNotFound    = errors.New("token file not found")
	ErrTokenSize        = errors.New("token file has wrong size")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNoDeviceFile     = errors.New("cannot create token file")
	ErrOutOfResources   = errors.New("cannot write token file")
	ErrDeleteFailed     = errors.New("cannot demote token to backup")
)

// TokenStore persists the authentication token as a primary file plus a
// backup. It is not safe for concurrent use from several goroutines;
// concurrent readers in other processes always see a complete file.
type TokenStore struct {
	reg    *Registry
	logger *log.Logger
}

// PrimaryPath returns the path Store writes the primary token to.
func (s *TokenStore) PrimaryPath() string {
	return filepath.Join(s.reg.TokenDir(), AuthTokenFile)
}

// BackupPath returns the path Delete demotes the primary token to.
func (s *TokenStore) BackupPath() string {
	return s.PrimaryPath() + BackupSuffix
}

// Read returns the primary token from the token directory.
func (s *TokenStore) Read() ([]byte, error) {
	return readToken(s.PrimaryPath())
}

// ReadBackup returns the backup token from the token directory.
func (s *TokenStore) ReadBackup() ([]byte, error) {
	return readToken(s.BackupPath())
}

// readToken reads a token file whose size must be exactly AuthTokenSize.
func readToken(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if fi.Size() != protocol.AuthTokenSize {
		return nil, fmt.Errorf("%s: %w: %d bytes, want %d", path, ErrTokenSize, fi.Size(), protocol.AuthTokenSize)
	}

	buf := make([]byte, protocol.AuthTokenSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidParameter, path, err)
	}
	return buf, nil
}

// Store persists data as the primary token and returns the bytes actually
// written. An all-zero token is a placeholder: when a backup of the same
// length exists, the backup is persisted instead.
func (s *TokenStore) Store(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > MaxStoreSize {
		return nil, fmt.Errorf("%w: token of %d bytes", ErrInvalidParameter, len(data))
	}

	if IsAllZero(data) {
		backup, err := os.ReadFile(s.BackupPath())
		switch {
		case err != nil:
			s.logger.Printf("token is all zeros but backup is unreadable: %v", err)
		case len(backup) != len(data):
			s.logger.Printf("token is all zeros but backup has %d bytes, want %d", len(backup), len(data))
		default:
			s.logger.Printf("token is all zeros, restoring backup")
			data = backup
		}
	}

	path := s.PrimaryPath()
	if err := writeAtomic(path, data); err != nil {
		s.logger.Printf("store token failed: %v", err)
		return nil, err
	}
	return data, nil
}

// writeAtomic writes data to a temporary file next to path, syncs it and
// renames it into place, then syncs the directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDeviceFile, err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrOutOfResources, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrOutOfResources, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrOutOfResources, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrNoDeviceFile, err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Delete demotes the primary token to the backup. Nothing is erased.
func (s *TokenStore) Delete() error {
	if err := os.Rename(s.PrimaryPath(), s.BackupPath()); err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// HasToken reports whether a primary or backup token exists.
func (s *TokenStore) HasToken() bool {
	for _, path := range []string{s.PrimaryPath(), s.BackupPath()} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// IsAllZero reports whether b contains only zero bytes.
func IsAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
