//go:build !linux

package udpsock

import (
	"errors"
	"net"
)

// bestRouteInterface is only meaningful on platforms that support
// SO_BINDTODEVICE (linux); elsewhere bind failure is always logged and
// tolerated per spec.md §4.10.
func bestRouteInterface(dst net.IP) (string, error) {
	return "", errors.New("interface route lookup not supported on this platform")
}
