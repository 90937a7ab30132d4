package scan

import (
	"context"
	"os/exec"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

const (
	// snmpCommunity is the discovery community. The probe only identifies
	// devices; per-device monitoring credentials are out of its scope.
	snmpCommunity = "public"

	oidSysDescr = "1.3.6.1.2.1.1.1.0"
	oidSysName  = "1.3.6.1.2.1.1.5.0"
)

// snmpProbe queries the SNMP system group of hosts found by earlier
// techniques; when it runs first it sweeps the target networks directly.
// A host that answers sysName is promoted with hostname and platform filled.
func (s *Scanner) snmpProbe(ctx context.Context, cidrs []string, found *resultSet) (int, error) {
	bin, err := exec.LookPath(s.snmpgetPath)
	if err != nil {
		return 0, faults.New(faults.PreconditionFailed, "snmpget not available on this agent")
	}

	targets := found.addresses()
	if len(targets) == 0 {
		for _, cidr := range cidrs {
			hosts, err := expandCIDR(cidr)
			if err != nil {
				return 0, err
			}
			targets = append(targets, hosts...)
		}
	}

	var hits atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)

	for _, target := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name, descr, ok := s.snmpSystem(gctx, bin, target)
			if !ok {
				return nil
			}
			found.add(wire.DeviceRecord{
				Address:  target,
				Hostname: name,
				Platform: descr,
				Source:   "snmp",
			})
			hits.Add(1)
			return nil
		})
	}

	err = g.Wait()
	return int(hits.Load()), err
}

// snmpSystem fetches sysName and sysDescr with one short-timeout request
// each. Silence on sysName means the host does not speak SNMP v2c/public.
func (s *Scanner) snmpSystem(ctx context.Context, bin, target string) (name, descr string, ok bool) {
	get := func(oid string) (string, bool) {
		out, err := exec.CommandContext(ctx, bin,
			"-v2c", "-c", snmpCommunity, "-t", "1", "-r", "0", "-Ovq", target, oid,
		).Output()
		if err != nil {
			return "", false
		}
		return strings.Trim(strings.TrimSpace(string(out)), `"`), true
	}

	name, ok = get(oidSysName)
	if !ok || name == "" {
		return "", "", false
	}
	descr, _ = get(oidSysDescr)
	return name, firstLine(descr), true
}

// firstLine trims a sysDescr value to something fit for a platform column.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	const max = 160
	if len(s) > max {
		s = s[:max]
	}
	return s
}
