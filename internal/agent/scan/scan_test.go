package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

func TestParseNeighbours(t *testing.T) {
	out := `192.168.1.1 dev eth0 lladdr 9c:c7:a6:aa:bb:cc REACHABLE
192.168.1.7 dev eth0 lladdr 00:11:22:33:44:55 STALE
192.168.1.50 dev eth0 FAILED
192.168.1.51 dev eth0 INCOMPLETE
10.99.0.1 dev eth1 lladdr de:ad:be:ef:00:01 REACHABLE
not an address at all
`
	found := newResultSet()
	n := parseNeighbours(out, []string{"192.168.1.0/24"}, found)

	assert.Equal(t, 2, n)
	devices := found.list()
	require.Len(t, devices, 2)
	assert.Equal(t, "192.168.1.1", devices[0].Address)
	assert.Equal(t, "9c:c7:a6:aa:bb:cc", devices[0].MAC)
	assert.Equal(t, "arp", devices[0].Source)
	assert.Equal(t, "192.168.1.7", devices[1].Address)
}

func TestParseNeighboursSkipsUnresolvedEntries(t *testing.T) {
	out := "192.168.1.9 dev eth0 lladdr aa:bb:cc:dd:ee:ff FAILED\n"
	found := newResultSet()
	assert.Zero(t, parseNeighbours(out, []string{"192.168.1.0/24"}, found))
	assert.Empty(t, found.list())
}

func TestParseNmapReport(t *testing.T) {
	report := []byte(`<?xml version="1.0"?>
<nmaprun>
  <host>
    <status state="up"/>
    <address addr="192.168.1.1" addrtype="ipv4"/>
    <address addr="9C:C7:A6:AA:BB:CC" addrtype="mac" vendor="MikroTik"/>
    <hostnames><hostname name="gw.lan" type="PTR"/></hostnames>
    <ports>
      <port protocol="tcp" portid="22"><state state="open"/></port>
      <port protocol="tcp" portid="80"><state state="closed"/></port>
      <port protocol="tcp" portid="8291"><state state="open"/></port>
    </ports>
  </host>
  <host>
    <status state="down"/>
    <address addr="192.168.1.2" addrtype="ipv4"/>
  </host>
  <host>
    <status state="up"/>
    <address addr="aa:aa:aa:aa:aa:aa" addrtype="mac"/>
  </host>
</nmaprun>`)

	found := newResultSet()
	n, err := parseNmapReport(report, found)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	devices := found.list()
	require.Len(t, devices, 1)
	d := devices[0]
	assert.Equal(t, "192.168.1.1", d.Address)
	assert.Equal(t, "9C:C7:A6:AA:BB:CC", d.MAC)
	assert.Equal(t, "MikroTik", d.Vendor)
	assert.Equal(t, "gw.lan", d.Hostname)
	assert.Equal(t, []int{22, 8291}, d.OpenPorts)
	assert.Equal(t, "nmap", d.Source)
}

func TestParseNmapReportRejectsGarbage(t *testing.T) {
	found := newResultSet()
	_, err := parseNmapReport([]byte("pcap_open_live: permission denied"), found)
	require.Error(t, err)
}

func TestExpandCIDR(t *testing.T) {
	tests := []struct {
		name  string
		cidr  string
		want  []string
		count int
	}{
		{"/30 drops network and broadcast", "10.0.0.0/30", []string{"10.0.0.1", "10.0.0.2"}, 2},
		{"/31 keeps both", "10.0.0.0/31", []string{"10.0.0.0", "10.0.0.1"}, 2},
		{"/32 keeps the host", "10.0.0.5/32", []string{"10.0.0.5"}, 1},
		{"/24 yields 254 hosts", "192.168.1.0/24", nil, 254},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, err := expandCIDR(tt.cidr)
			require.NoError(t, err)
			assert.Len(t, hosts, tt.count)
			if tt.want != nil {
				assert.Equal(t, tt.want, hosts)
			}
		})
	}

	t.Run("/24 boundaries", func(t *testing.T) {
		hosts, err := expandCIDR("192.168.1.0/24")
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.1", hosts[0])
		assert.Equal(t, "192.168.1.254", hosts[len(hosts)-1])
	})

	t.Run("wide networks stop at the cap", func(t *testing.T) {
		hosts, err := expandCIDR("10.0.0.0/16")
		require.NoError(t, err)
		assert.Len(t, hosts, maxSweepHosts)
	})

	t.Run("invalid cidr", func(t *testing.T) {
		_, err := expandCIDR("10.0.0.0/999")
		require.Error(t, err)
		assert.Equal(t, faults.Validation, faults.KindOf(err))
	})

	t.Run("ipv6 refused", func(t *testing.T) {
		_, err := expandCIDR("2001:db8::/64")
		require.Error(t, err)
		assert.Equal(t, faults.Validation, faults.KindOf(err))
	})
}

func TestInAnyCIDR(t *testing.T) {
	cidrs := []string{"192.168.1.0/24", "10.0.0.0/8"}
	assert.True(t, inAnyCIDR("192.168.1.77", cidrs))
	assert.True(t, inAnyCIDR("10.200.3.4", cidrs))
	assert.False(t, inAnyCIDR("172.16.0.1", cidrs))
	assert.False(t, inAnyCIDR("garbage", cidrs))
}

func TestResultSetMerge(t *testing.T) {
	r := newResultSet()

	r.add(wire.DeviceRecord{Address: "10.0.0.2", Source: "ping"})
	r.add(wire.DeviceRecord{Address: "10.0.0.2", MAC: "aa:aa:aa:aa:aa:01", OpenPorts: []int{22}, Source: "nmap"})
	r.add(wire.DeviceRecord{Address: "10.0.0.2", Hostname: "core-sw", Platform: "RouterOS", OpenPorts: []int{161}, Source: "snmp"})

	devices := r.list()
	require.Len(t, devices, 1)
	d := devices[0]
	assert.Equal(t, "aa:aa:aa:aa:aa:01", d.MAC, "snmp has no mac, the nmap value stays")
	assert.Equal(t, "core-sw", d.Hostname)
	assert.Equal(t, "RouterOS", d.Platform)
	assert.Equal(t, []int{22, 161}, d.OpenPorts)
	assert.Equal(t, "snmp", d.Source)
}

func TestResultSetLowerRankFillsOnlyGaps(t *testing.T) {
	r := newResultSet()
	r.add(wire.DeviceRecord{Address: "10.0.0.2", Hostname: "seen-by-snmp", Source: "snmp"})
	r.add(wire.DeviceRecord{Address: "10.0.0.2", MAC: "aa:aa:aa:aa:aa:02", Hostname: "seen-by-arp", Source: "arp"})

	d := r.list()[0]
	assert.Equal(t, "seen-by-snmp", d.Hostname, "arp must not replace a higher-ranked hostname")
	assert.Equal(t, "aa:aa:aa:aa:aa:02", d.MAC, "but it fills fields nothing else provided")
	assert.Equal(t, "snmp", d.Source)
}

func TestResultSetOrdersNumerically(t *testing.T) {
	r := newResultSet()
	r.add(wire.DeviceRecord{Address: "10.0.0.10", Source: "ping"})
	r.add(wire.DeviceRecord{Address: "10.0.0.2", Source: "ping"})
	r.add(wire.DeviceRecord{Address: "10.0.0.1", Source: "ping"})

	devices := r.list()
	addrs := []string{devices[0].Address, devices[1].Address, devices[2].Address}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.10"}, addrs)
}

func TestResultSetHostnameBackfill(t *testing.T) {
	r := newResultSet()
	r.add(wire.DeviceRecord{Address: "10.0.0.1", Source: "ping"})
	r.add(wire.DeviceRecord{Address: "10.0.0.2", Hostname: "named", Source: "ping"})

	assert.ElementsMatch(t, []string{"10.0.0.1"}, r.withoutHostname())

	r.setHostname("10.0.0.1", "resolved.lan")
	r.setHostname("10.0.0.2", "wrong.lan")
	r.setHostname("10.0.0.9", "ghost.lan")

	devices := r.list()
	assert.Equal(t, "resolved.lan", devices[0].Hostname)
	assert.Equal(t, "named", devices[1].Hostname, "reverse dns never overwrites a probe result")
}

func TestUnionPorts(t *testing.T) {
	assert.Nil(t, unionPorts(nil, nil))
	assert.Equal(t, []int{22, 80, 443}, unionPorts([]int{443, 22}, []int{80, 22}))
}

func TestTargetCIDRs(t *testing.T) {
	t.Run("explicit cidr wins", func(t *testing.T) {
		cidrs, err := targetCIDRs(wire.ScanParams{NetworkCIDR: "10.0.0.0/24"}, []wire.ConfigNetwork{{CIDR: "192.168.0.0/24"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.0/24"}, cidrs)
	})

	t.Run("invalid explicit cidr", func(t *testing.T) {
		_, err := targetCIDRs(wire.ScanParams{NetworkCIDR: "10.0.0.0"}, nil)
		require.Error(t, err)
		assert.Equal(t, faults.Validation, faults.KindOf(err))
	})

	t.Run("falls back to configured networks", func(t *testing.T) {
		cidrs, err := targetCIDRs(wire.ScanParams{}, []wire.ConfigNetwork{
			{Name: "lan", CIDR: "192.168.0.0/24"},
			{Name: "unbound"},
			{Name: "mgmt", CIDR: "10.10.0.0/24"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"192.168.0.0/24", "10.10.0.0/24"}, cidrs)
	})

	t.Run("nothing to scan", func(t *testing.T) {
		_, err := targetCIDRs(wire.ScanParams{}, nil)
		require.Error(t, err)
		assert.Equal(t, faults.PreconditionFailed, faults.KindOf(err))
	})
}

func TestCapabilities(t *testing.T) {
	dir := t.TempDir()
	fakeBinary := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
		return p
	}

	full := New(fakeBinary("nmap"), "ping", fakeBinary("snmpget"), zap.NewNop())
	assert.ElementsMatch(t, []string{"scan:arp", "scan:ping", "scan:nmap", "scan:snmp"}, full.Capabilities())

	bare := New(filepath.Join(dir, "missing-nmap"), "ping", filepath.Join(dir, "missing-snmpget"), zap.NewNop())
	assert.ElementsMatch(t, []string{"scan:arp", "scan:ping"}, bare.Capabilities())
}

func TestRunRejectsUnknownTechnique(t *testing.T) {
	s := New("nmap", "ping", "snmpget", zap.NewNop())
	_, err := s.Run(context.Background(), wire.ScanParams{NetworkCIDR: "10.0.0.0/30", ScanType: "banana"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, faults.Validation, faults.KindOf(err))
}

func TestRunExplicitTechniqueMustBeAvailable(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "no-nmap-here"), "ping", "snmpget", zap.NewNop())
	_, err := s.Run(context.Background(), wire.ScanParams{NetworkCIDR: "10.0.0.0/30", ScanType: wire.ScanNmap}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, faults.PreconditionFailed, faults.KindOf(err))
}

func TestRunRequiresTargets(t *testing.T) {
	s := New("nmap", "ping", "snmpget", zap.NewNop())
	_, err := s.Run(context.Background(), wire.ScanParams{ScanType: wire.ScanARP}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, faults.PreconditionFailed, faults.KindOf(err))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "RouterOS RB4011iGS+", firstLine("RouterOS RB4011iGS+\nuptime 4 weeks"))
	assert.Equal(t, "bare", firstLine("  bare  "))

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, firstLine(string(long)), 160)
}
