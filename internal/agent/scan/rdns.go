package scan

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"golang.org/x/sync/errgroup"
)

// rdnsTimeout bounds a single PTR query.
const rdnsTimeout = 2 * time.Second

// reverseLookup fills missing hostnames with PTR answers from the host's
// configured resolver. Strictly best-effort: a dead resolver or an empty
// answer leaves the hostname blank, never fails the scan.
func (s *Scanner) reverseLookup(ctx context.Context, found *resultSet) {
	targets := found.withoutHostname()
	if len(targets) == 0 {
		return
	}

	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		s.log.Debug("reverse dns skipped, no resolver", zap.Error(err))
		return
	}
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
	client := &dns.Client{Timeout: rdnsTimeout}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)
	for _, addr := range targets {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if name := ptrLookup(gctx, client, server, addr); name != "" {
				found.setHostname(addr, name)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ptrLookup resolves one PTR record, returning "" on any failure.
func ptrLookup(ctx context.Context, client *dns.Client, server, addr string) string {
	rev, err := dns.ReverseAddr(addr)
	if err != nil {
		return ""
	}
	msg := new(dns.Msg)
	msg.SetQuestion(rev, dns.TypePTR)

	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil || resp == nil {
		return ""
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}
