package ipc

import (
	"errors"
	"net"
	"os"
)

// ErrPeerUnsupported means the platform cannot report peer credentials.
var ErrPeerUnsupported = errors.New("ipc: peer credentials unsupported")

// PeerCredentials identify the process on the other end of a socket.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// VerifyPeerIsCurrentUser reports whether the peer runs as this user. On
// platforms without peer credentials it returns ErrPeerUnsupported.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}
