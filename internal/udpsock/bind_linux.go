//go:build linux

package udpsock

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// bindToInterface binds conn's underlying socket to the named physical
// interface via SO_BINDTODEVICE, so the client keeps sending tunnel
// traffic out that interface even after the core installs VPN routes
// that would otherwise loop packets back through the tunnel itself
// (spec.md §4.10).
func bindToInterface(conn *net.UDPConn, iface string) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("get raw conn: %w", err)
	}

	var bindErr error
	err = raw.Control(func(fd uintptr) {
		bindErr = unix.BindToDevice(int(fd), iface)
	})
	if err != nil {
		return fmt.Errorf("control raw conn: %w", err)
	}
	if bindErr != nil {
		return fmt.Errorf("SO_BINDTODEVICE %s: %w", iface, bindErr)
	}
	return nil
}
