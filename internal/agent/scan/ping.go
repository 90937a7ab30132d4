package scan

import (
	"context"
	"os/exec"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// pingSweep sends a single ICMP echo to every host of the target networks.
// Each probe is a ping subprocess so the agent itself needs no raw-socket
// capability; the pool keeps the process count bounded.
func (s *Scanner) pingSweep(ctx context.Context, cidrs []string, found *resultSet) (int, error) {
	if _, err := exec.LookPath(s.pingPath); err != nil {
		return 0, faults.Newf(faults.PreconditionFailed, "%s not available on this agent", s.pingPath)
	}

	var alive atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)

	for _, cidr := range cidrs {
		hosts, err := expandCIDR(cidr)
		if err != nil {
			return 0, err
		}
		for _, host := range hosts {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if s.pingOne(gctx, host) {
					found.add(wire.DeviceRecord{Address: host, Source: "ping"})
					alive.Add(1)
				}
				return nil
			})
		}
	}

	err := g.Wait()
	return int(alive.Load()), err
}

// pingOne probes a single host: one echo request, one second to answer.
func (s *Scanner) pingOne(ctx context.Context, host string) bool {
	cmd := exec.CommandContext(ctx, s.pingPath, "-c", "1", "-W", "1", host)
	return cmd.Run() == nil
}
