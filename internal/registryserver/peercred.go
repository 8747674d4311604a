//go:build linux

package registryserver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the kernel-enforced identity of a client process,
// taken from SO_PEERCRED when the connection is accepted.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

func (p PeerCredentials) String() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", p.PID, p.UID, p.GID)
}

// peerCredentials retrieves the credentials of the process on the other end
// of fd. They cannot be forged by the client.
func peerCredentials(fd int) (PeerCredentials, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return PeerCredentials{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", err)
	}
	return PeerCredentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
