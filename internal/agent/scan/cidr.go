package scan

import (
	"net"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
)

// expandCIDR lists the host addresses of an IPv4 network, skipping the
// network and broadcast addresses on conventional prefixes (/31 and /32 keep
// every address per RFC 3021). Expansion stops at maxSweepHosts.
func expandCIDR(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, faults.Newf(faults.Validation, "invalid cidr %q", cidr)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, faults.Newf(faults.Validation, "cidr %q is not IPv4", cidr)
	}

	ones, bits := ipnet.Mask.Size()
	total := 1 << (bits - ones)

	hosts := make([]string, 0, min(total, maxSweepHosts))
	cur := make(net.IP, len(base))
	copy(cur, base)
	for i := 0; i < total; i++ {
		if ones >= 31 || (i != 0 && i != total-1) {
			hosts = append(hosts, cur.String())
			if len(hosts) == maxSweepHosts {
				break
			}
		}
		incIP(cur)
	}
	return hosts, nil
}

// incIP increments an address in place, carrying across octets.
func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// inAnyCIDR reports whether addr belongs to one of the target networks.
func inAnyCIDR(addr string, cidrs []string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, c := range cidrs {
		if _, ipnet, err := net.ParseCIDR(c); err == nil && ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
