package netdev

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// backupSettleWait is how long the adapter waits for the .backup file to
// appear on flash. `/system backup save` returns before slower boards finish
// writing.
const (
	backupSettleWait = 15 * time.Second
	backupSettlePoll = 500 * time.Millisecond
)

// mikroTik drives RouterOS devices. RouterOS handles exec-channel commands
// cleanly, so every command runs in its own SSH session; the binary backup
// file is fetched over SFTP and removed from device flash afterwards.
type mikroTik struct {
	client *ssh.Client
}

// run executes one RouterOS command in a fresh session.
func (m *mikroTik) run(ctx context.Context, cmd string) (string, error) {
	sess, err := m.client.NewSession()
	if err != nil {
		return "", faults.Wrap(err, faults.VendorProtocol, "opening device session failed")
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		out := string(res.out)
		if res.err != nil {
			return out, faults.Wrap(res.err, faults.VendorProtocol, fmt.Sprintf("device rejected %q", cmd))
		}
		return out, nil
	case <-ctx.Done():
		// Closing the session unblocks CombinedOutput.
		sess.Close()
		return "", faults.Wrap(ctx.Err(), faults.Cancelled, "device command cancelled")
	}
}

// ExportConfig captures the full export including sensitive values — this is
// the restorable artifact. Facts come from the export header RouterOS 7
// writes (`# model = ...`) and the identity block.
func (m *mikroTik) ExportConfig(ctx context.Context) ([]byte, wire.DeviceFacts, error) {
	out, err := m.run(ctx, "/export show-sensitive")
	if err != nil {
		return nil, wire.DeviceFacts{}, err
	}
	if msg := routerosError(out); msg != "" {
		return nil, wire.DeviceFacts{}, faults.Newf(faults.VendorProtocol, "config export refused: %s", msg)
	}
	return []byte(out), parseRouterOSFacts(out), nil
}

// BinaryBackup saves a system backup on the device, pulls it over SFTP, and
// removes it from flash. The returned filename carries the .backup extension
// the file had on the device.
func (m *mikroTik) BinaryBackup(ctx context.Context, name string) (string, []byte, error) {
	out, err := m.run(ctx, "/system backup save name="+name)
	if err != nil {
		return "", nil, err
	}
	if msg := routerosError(out); msg != "" {
		return "", nil, faults.Newf(faults.VendorProtocol, "backup save refused: %s", msg)
	}

	filename := name + ".backup"
	data, err := m.fetchFile(ctx, "/"+filename)
	if err != nil {
		return "", nil, err
	}

	// Best effort: a file left behind only wastes flash, the artifact is
	// already in hand.
	_, _ = m.run(ctx, fmt.Sprintf("/file remove %q", filename))

	return filename, data, nil
}

// fetchFile reads one file from device flash, waiting for it to appear first.
func (m *mikroTik) fetchFile(ctx context.Context, path string) ([]byte, error) {
	sc, err := sftp.NewClient(m.client)
	if err != nil {
		return nil, faults.Wrap(err, faults.VendorProtocol, "opening sftp subsystem failed")
	}
	defer sc.Close()

	deadline := time.Now().Add(backupSettleWait)
	for {
		if _, err := sc.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, faults.Newf(faults.VendorProtocol, "backup file %s never appeared on device", path)
		}
		select {
		case <-ctx.Done():
			return nil, faults.Wrap(ctx.Err(), faults.Cancelled, "backup fetch cancelled")
		case <-time.After(backupSettlePoll):
		}
	}

	f, err := sc.Open(path)
	if err != nil {
		return nil, faults.Wrap(err, faults.VendorProtocol, fmt.Sprintf("opening %s failed", path))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, faults.Wrap(err, faults.VendorProtocol, fmt.Sprintf("reading %s failed", path))
	}
	return data, nil
}

// RunCommands executes operator CLI lines in order, stopping at the first
// line RouterOS rejects.
func (m *mikroTik) RunCommands(ctx context.Context, commands []string) (string, error) {
	var out strings.Builder
	for _, cmd := range commands {
		res, err := m.run(ctx, cmd)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(res)
		if res != "" && !strings.HasSuffix(res, "\n") {
			out.WriteString("\n")
		}
		if msg := routerosError(res); msg != "" {
			return out.String(), faults.Newf(faults.VendorProtocol, "command %q failed: %s", cmd, msg)
		}
	}
	return out.String(), nil
}

func (m *mikroTik) Close() error {
	return m.client.Close()
}

// routerosError scans command output for RouterOS rejection phrases. The exec
// channel reports success even for unparseable input, so the text is the only
// signal.
func routerosError(out string) string {
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, "bad command name") ||
			strings.Contains(lower, "syntax error") ||
			strings.Contains(lower, "expected end of command") ||
			strings.HasPrefix(lower, "failure:") {
			return trimmed
		}
	}
	return ""
}

// parseRouterOSFacts reads the metadata header RouterOS puts at the top of
// every export, plus the identity block:
//
//	# 2024-08-25 10:00:00 by RouterOS 7.15.3
//	# software id = 4C5Q-9GPB
//	# model = RB4011iGS+
//	# serial number = A1BC0DEF234
//	/system identity
//	set name=core-router
func parseRouterOSFacts(export string) wire.DeviceFacts {
	var facts wire.DeviceFacts

	if m := rosVersionRe.FindStringSubmatch(export); m != nil {
		facts.Firmware = m[1]
	}
	if m := rosModelRe.FindStringSubmatch(export); m != nil {
		facts.Model = strings.TrimSpace(m[1])
	}
	if m := rosSerialRe.FindStringSubmatch(export); m != nil {
		facts.Serial = strings.TrimSpace(m[1])
	}
	if m := rosIdentityRe.FindStringSubmatch(export); m != nil {
		facts.Hostname = strings.Trim(m[1], `"`)
	}
	return facts
}

var (
	rosVersionRe  = regexp.MustCompile(`by RouterOS (\S+)`)
	rosModelRe    = regexp.MustCompile(`(?m)^# model = (.+)$`)
	rosSerialRe   = regexp.MustCompile(`(?m)^# serial number = (.+)$`)
	rosIdentityRe = regexp.MustCompile(`/system identity\r?\nset name=("[^"]*"|\S+)`)
)
