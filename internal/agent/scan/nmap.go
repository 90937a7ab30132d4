package scan

import (
	"context"
	"encoding/xml"
	"os/exec"
	"strconv"
	"strings"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// nmapScan delegates host discovery and port scanning to nmap and parses its
// XML report. The binary is optional: MikroTik container images ship without
// it, so an "all" scan silently skips this technique there.
func (s *Scanner) nmapScan(ctx context.Context, cidrs []string, ports []int, found *resultSet) (int, error) {
	bin, err := exec.LookPath(s.nmapPath)
	if err != nil {
		return 0, faults.New(faults.PreconditionFailed, "nmap not available on this agent")
	}

	args := []string{"-oX", "-", "-T4"}
	if len(ports) > 0 {
		args = append(args, "-p", portList(ports))
	} else {
		args = append(args, "--top-ports", "100")
	}
	args = append(args, cidrs...)

	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		// nmap exits non-zero when some targets were unreachable but may
		// still have produced a usable report.
		if len(out) == 0 {
			return 0, faults.Wrap(err, faults.Internal, "nmap failed")
		}
	}
	return parseNmapReport(out, found)
}

// portList renders -p syntax: comma-separated port numbers.
func portList(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// The subset of nmap's XML report the scanner consumes.
type nmapReport struct {
	Hosts []nmapHost `xml:"host"`
}

type nmapHost struct {
	Status    nmapStatus     `xml:"status"`
	Addresses []nmapAddress  `xml:"address"`
	Hostnames []nmapHostname `xml:"hostnames>hostname"`
	Ports     []nmapPort     `xml:"ports>port"`
}

type nmapStatus struct {
	State string `xml:"state,attr"`
}

type nmapAddress struct {
	Addr   string `xml:"addr,attr"`
	Type   string `xml:"addrtype,attr"`
	Vendor string `xml:"vendor,attr"`
}

type nmapHostname struct {
	Name string `xml:"name,attr"`
}

type nmapPort struct {
	PortID int           `xml:"portid,attr"`
	State  nmapPortState `xml:"state"`
}

type nmapPortState struct {
	State string `xml:"state,attr"`
}

func parseNmapReport(data []byte, found *resultSet) (int, error) {
	var report nmapReport
	if err := xml.Unmarshal(data, &report); err != nil {
		return 0, faults.Wrap(err, faults.Internal, "parsing nmap report failed")
	}

	count := 0
	for _, h := range report.Hosts {
		if h.Status.State != "up" {
			continue
		}
		rec := wire.DeviceRecord{Source: "nmap"}
		for _, a := range h.Addresses {
			switch a.Type {
			case "ipv4":
				rec.Address = a.Addr
			case "mac":
				rec.MAC = a.Addr
				rec.Vendor = a.Vendor
			}
		}
		if rec.Address == "" {
			continue
		}
		if len(h.Hostnames) > 0 {
			rec.Hostname = h.Hostnames[0].Name
		}
		for _, p := range h.Ports {
			if p.State.State == "open" {
				rec.OpenPorts = append(rec.OpenPorts, p.PortID)
			}
		}
		found.add(rec)
		count++
	}
	return count, nil
}
