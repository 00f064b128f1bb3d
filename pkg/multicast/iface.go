package multicast

import (
	"fmt"
	"net"
)

// interfaceForIP finds the network interface that owns localIP, so the
// multicast sender/receiver can bind IP_MULTICAST_IF/join the group on the
// right interface rather than the kernel's default route choice. Grounded
// on the interface-discovery step vibhansa-msft-vitarit's peerDiscovery.go
// leaves implicit (it always binds ANY); lancom needs the explicit lookup
// because nodes may be multi-homed.
func interfaceForIP(ip string) (*net.Interface, error) {
	target := net.ParseIP(ip)
	if target == nil {
		return nil, fmt.Errorf("multicast: invalid local ip %q", ip)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := ifaces[i]
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.Equal(target) {
				return &iface, nil
			}
		}
	}
	return nil, fmt.Errorf("multicast: no local interface owns ip %q", ip)
}
