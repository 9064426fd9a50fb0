//go:build !linux

package udpsock

import (
	"errors"
	"net"
)

// bindToInterface is a no-op stub on platforms without SO_BINDTODEVICE;
// the caller logs this as a non-fatal warning per spec.md §4.10.
func bindToInterface(conn *net.UDPConn, iface string) error {
	return errors.New("interface binding not supported on this platform")
}
