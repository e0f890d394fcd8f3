//go:build !linux && !darwin

package ipc

import "net"

// GetPeerCredentials is not available here.
func GetPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerUnsupported
}
