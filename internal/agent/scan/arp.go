package scan

import (
	"context"
	"net"
	"os/exec"
	"strings"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// arpScan reads the kernel neighbour table via iproute2. It is the cheapest
// technique but only sees hosts this machine exchanged traffic with recently,
// so it usually runs as the opener for a wider sweep.
func (s *Scanner) arpScan(ctx context.Context, cidrs []string, found *resultSet) (int, error) {
	out, err := exec.CommandContext(ctx, "ip", "-4", "neigh", "show").Output()
	if err != nil {
		return 0, faults.Wrap(err, faults.Internal, "reading neighbour table failed")
	}
	return parseNeighbours(string(out), cidrs, found), nil
}

// parseNeighbours extracts resolved entries from `ip -4 neigh` output. Lines
// look like:
//
//	192.168.1.1 dev eth0 lladdr 9c:c7:a6:aa:bb:cc REACHABLE
//	192.168.1.50 dev eth0 FAILED
//
// Entries without a link-layer address, or in FAILED/INCOMPLETE state, are
// not evidence of a live host.
func parseNeighbours(out string, cidrs []string, found *resultSet) int {
	count := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr := fields[0]
		if net.ParseIP(addr) == nil || !inAnyCIDR(addr, cidrs) {
			continue
		}

		var mac string
		for i, f := range fields {
			if f == "lladdr" && i+1 < len(fields) {
				mac = fields[i+1]
				break
			}
		}
		state := fields[len(fields)-1]
		if mac == "" || state == "FAILED" || state == "INCOMPLETE" {
			continue
		}

		found.add(wire.DeviceRecord{Address: addr, MAC: mac, Source: "arp"})
		count++
	}
	return count
}
