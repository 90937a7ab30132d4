// Package scan implements the discovery probes the agent runs on behalf of
// the server: neighbour table reads, ping sweeps, nmap host scans, and SNMP
// system queries. Probes shell out to the host binaries so the agent needs no
// raw-socket capability, which keeps it runnable in unprivileged containers.
//
// Each technique feeds a shared result set; techniques that see more about a
// host (nmap over ping, SNMP over nmap) win conflicting fields. The server
// performs the authoritative cross-agent merge afterwards, so the agent-side
// merge only has to be consistent within a single run.
package scan

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// sweepWorkers bounds concurrent probe subprocesses during a sweep.
const sweepWorkers = 64

// maxSweepHosts caps the addresses a single sweep technique touches. Wider
// networks are probed up to the cap; nmap handles large ranges natively and
// is the right tool past this point.
const maxSweepHosts = 4096

// Scanner runs discovery probes and normalizes their findings into device
// records. Probe binaries are resolved per run, so an image rebuilt with nmap
// added starts using it without an agent restart.
type Scanner struct {
	nmapPath    string
	pingPath    string
	snmpgetPath string
	log         *zap.Logger
}

// New builds a Scanner around the configured probe binaries.
func New(nmapPath, pingPath, snmpgetPath string, log *zap.Logger) *Scanner {
	return &Scanner{
		nmapPath:    nmapPath,
		pingPath:    pingPath,
		snmpgetPath: snmpgetPath,
		log:         log.Named("scan"),
	}
}

// Capabilities reports the techniques this host can run, advertised in the
// hello frame. The neighbour table and ping sweep are always available.
func (s *Scanner) Capabilities() []string {
	caps := []string{"scan:arp", "scan:ping"}
	if _, err := exec.LookPath(s.nmapPath); err == nil {
		caps = append(caps, "scan:nmap")
	}
	if _, err := exec.LookPath(s.snmpgetPath); err == nil {
		caps = append(caps, "scan:snmp")
	}
	return caps
}

// Run executes the requested techniques across the target networks and
// returns the merged findings. report receives advisory progress updates; it
// may be nil.
func (s *Scanner) Run(ctx context.Context, params wire.ScanParams, networks []wire.ConfigNetwork, report func(wire.Progress)) (*wire.ScanResult, error) {
	cidrs, err := targetCIDRs(params, networks)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = func(wire.Progress) {}
	}

	all := params.ScanType == wire.ScanAll || params.ScanType == ""
	techniques := []wire.ScanType{params.ScanType}
	if all {
		techniques = []wire.ScanType{wire.ScanARP, wire.ScanPing, wire.ScanNmap, wire.ScanSNMP}
	}

	found := newResultSet()
	for _, t := range techniques {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.runTechnique(ctx, t, cidrs, params.ScanPorts, found)
		if err != nil {
			// An explicitly requested technique must work; under "all" a
			// missing binary just narrows the sweep.
			if !all {
				return nil, err
			}
			s.log.Debug("technique skipped",
				zap.String("technique", string(t)),
				zap.Error(err),
			)
			continue
		}
		report(wire.Progress{
			Stage:        string(t),
			DevicesFound: found.len(),
			Message:      fmt.Sprintf("%s reported %d host(s)", t, n),
		})
	}

	s.reverseLookup(ctx, found)

	return &wire.ScanResult{Devices: found.list()}, nil
}

func (s *Scanner) runTechnique(ctx context.Context, t wire.ScanType, cidrs []string, ports []int, found *resultSet) (int, error) {
	switch t {
	case wire.ScanARP:
		return s.arpScan(ctx, cidrs, found)
	case wire.ScanPing:
		return s.pingSweep(ctx, cidrs, found)
	case wire.ScanNmap:
		return s.nmapScan(ctx, cidrs, ports, found)
	case wire.ScanSNMP:
		return s.snmpProbe(ctx, cidrs, found)
	default:
		return 0, faults.Newf(faults.Validation, "unknown scan type %q", t)
	}
}

// targetCIDRs resolves the networks to probe: the explicit request CIDR, or
// every network from the agent's pushed configuration.
func targetCIDRs(params wire.ScanParams, networks []wire.ConfigNetwork) ([]string, error) {
	if params.NetworkCIDR != "" {
		if _, _, err := net.ParseCIDR(params.NetworkCIDR); err != nil {
			return nil, faults.Newf(faults.Validation, "invalid network cidr %q", params.NetworkCIDR)
		}
		return []string{params.NetworkCIDR}, nil
	}
	cidrs := make([]string, 0, len(networks))
	for _, n := range networks {
		if n.CIDR != "" {
			cidrs = append(cidrs, n.CIDR)
		}
	}
	if len(cidrs) == 0 {
		return nil, faults.New(faults.PreconditionFailed, "no networks configured for this agent")
	}
	return cidrs, nil
}

// sourceRank orders techniques by how much they can be trusted about a host.
// Mirrors the server's ingest lattice so agent-side merges agree with it.
var sourceRank = map[string]int{
	"arp":      1,
	"ping":     2,
	"neighbor": 3,
	"nmap":     4,
	"snmp":     5,
}

// resultSet accumulates findings across techniques, merged by address.
type resultSet struct {
	mu      sync.Mutex
	devices map[string]*wire.DeviceRecord
}

func newResultSet() *resultSet {
	return &resultSet{devices: make(map[string]*wire.DeviceRecord)}
}

// add merges one finding. Empty fields fill unconditionally; populated fields
// are replaced only when the incoming technique outranks the current source.
// Open ports union.
func (r *resultSet) add(rec wire.DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.devices[rec.Address]
	if !ok {
		clone := rec
		clone.OpenPorts = unionPorts(nil, rec.OpenPorts)
		r.devices[rec.Address] = &clone
		return
	}

	higher := sourceRank[rec.Source] > sourceRank[cur.Source]
	mergeField(&cur.MAC, rec.MAC, higher)
	mergeField(&cur.Hostname, rec.Hostname, higher)
	mergeField(&cur.Vendor, rec.Vendor, higher)
	mergeField(&cur.Platform, rec.Platform, higher)
	cur.OpenPorts = unionPorts(cur.OpenPorts, rec.OpenPorts)
	if higher {
		cur.Source = rec.Source
	}
}

func mergeField(dst *string, val string, higher bool) {
	if val == "" {
		return
	}
	if *dst == "" || higher {
		*dst = val
	}
}

func (r *resultSet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// addresses returns every known address, for techniques that enrich prior
// findings rather than sweeping.
func (r *resultSet) addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for addr := range r.devices {
		out = append(out, addr)
	}
	return out
}

// withoutHostname returns the addresses still lacking a hostname.
func (r *resultSet) withoutHostname() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for addr, rec := range r.devices {
		if rec.Hostname == "" {
			out = append(out, addr)
		}
	}
	return out
}

// setHostname fills a hostname discovered after the technique passes (reverse
// DNS). It never overwrites one a probe reported.
func (r *resultSet) setHostname(addr, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.devices[addr]; ok && rec.Hostname == "" {
		rec.Hostname = name
	}
}

// list returns the merged records ordered by address.
func (r *resultSet) list() []wire.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := netip.ParseAddr(out[i].Address)
		b, errB := netip.ParseAddr(out[j].Address)
		if errA != nil || errB != nil {
			return out[i].Address < out[j].Address
		}
		return a.Less(b)
	})
	return out
}

func unionPorts(a, b []int) []int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, p := range a {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range b {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}
