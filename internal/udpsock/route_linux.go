//go:build linux

package udpsock

import (
	"fmt"
	"net"
)

// bestRouteInterface returns the name of the interface the kernel would
// use to reach dst, by opening a throwaway UDP socket toward it and
// reading back the local address the kernel picked (spec.md §4.10
// "looked up by best route to server").
func bestRouteInterface(dst net.IP) (string, error) {
	probe, err := net.Dial("udp4", net.JoinHostPort(dst.String(), "1"))
	if err != nil {
		return "", fmt.Errorf("probe route to %s: %w", dst, err)
	}
	defer probe.Close()

	local := probe.LocalAddr().(*net.UDPAddr).IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.Equal(local) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no interface owns local address %s", local)
}
