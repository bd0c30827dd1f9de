package core

import (
	"net"
)

// LocalIPs returns the IPv4 addresses assigned to this host's
// interfaces, loopback included.
func LocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			ips = append(ips, ip4.String())
		}
	}
	return ips
}

// PublicIPs returns the non-loopback IPv4 addresses of this host.
func PublicIPs() []string {
	var ips []string
	for _, ip := range LocalIPs() {
		if parsed := net.ParseIP(ip); parsed != nil && !parsed.IsLoopback() {
			ips = append(ips, ip)
		}
	}
	return ips
}

// IPIsLocal reports whether ip belongs to this host. Used to decide
// whether a "remote" launch can be optimized into a local spawn and
// whether a local spawner process should be retained.
func IPIsLocal(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.IsLoopback() {
		return true
	}
	for _, local := range LocalIPs() {
		if local == ip {
			return true
		}
	}
	return false
}
