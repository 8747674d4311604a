// Package trustlet identifies and reads secure-world service binaries.
package trustlet

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// UUID identifies a trustlet or secure driver.
type UUID [16]byte

// ParseUUID parses the 32-hex-digit form used for registry file names and on
// the command line. Dashed and braced forms are rejected.
func ParseUUID(s string) (UUID, error) {
	if len(s) != 32 {
		return UUID{}, fmt.Errorf("invalid uuid %q: want 32 hex digits", s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return UUID(u), nil
}

// String returns the lowercase 32-hex-digit form.
func (u UUID) String() string {
	return hex.EncodeToString(u[:])
}

// Canonical returns the dashed RFC 4122 form for log messages.
func (u UUID) Canonical() string {
	return uuid.UUID(u).String()
}

// IsZero reports whether u is the nil UUID.
func (u UUID) IsZero() bool {
	return u == UUID{}
}
