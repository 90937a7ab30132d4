package netdev

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

const (
	// promptPoll is how often the shell buffer is re-checked for the prompt.
	promptPoll = 50 * time.Millisecond

	// responseTimeout bounds one command's output. Even a full running-config
	// arrives within seconds; anything longer means the prompt was missed.
	responseTimeout = 2 * time.Minute
)

// promptRe matches the final line of output once the CLI is waiting again,
// e.g. "HP-2920-24G# " or "switch(config)# ".
var promptRe = regexp.MustCompile(`^[\w\-.():/@ ]{0,64}[#>] ?$`)

// ansiRe strips the cursor and color sequences ArubaOS sprinkles over a PTY.
var ansiRe = regexp.MustCompile("\x1b\\[[0-9;?]*[A-Za-z]")

// hpAruba drives ArubaOS-S / ProCurve switches. Their CLI is built for a
// human on a terminal: output is paged, commands echo back, and everything is
// decorated with ANSI sequences. The adapter therefore runs one interactive
// shell with a PTY, disables paging once at login, and scrapes each command's
// output up to the next prompt.
type hpAruba struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
}

// newHPAruba opens the shell, absorbs the login banner, and disables paging.
func newHPAruba(ctx context.Context, client *ssh.Client) (*hpAruba, error) {
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, faults.Wrap(err, faults.VendorProtocol, "opening device session failed")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := sess.RequestPty("vt100", 50, 200, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, faults.Wrap(err, faults.VendorProtocol, "requesting pty failed")
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, faults.Wrap(err, faults.VendorProtocol, "attaching device session failed")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, faults.Wrap(err, faults.VendorProtocol, "attaching device session failed")
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, faults.Wrap(err, faults.VendorProtocol, "starting device shell failed")
	}

	h := &hpAruba{client: client, sess: sess, stdin: stdin}
	go h.readLoop(stdout)

	if err := h.login(ctx); err != nil {
		h.Close()
		return nil, err
	}
	if _, err := h.run(ctx, "no page"); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// readLoop is the sole consumer of the shell's output stream.
func (h *hpAruba) readLoop(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		h.mu.Lock()
		if n > 0 {
			h.buf.Write(chunk[:n])
		}
		if err != nil {
			h.readErr = err
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
	}
}

func (h *hpAruba) snapshot() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.String(), h.readErr
}

// login waits for the first prompt, answering the "Press any key to
// continue" banner older firmwares show on connect.
func (h *hpAruba) login(ctx context.Context) error {
	pressed := false
	deadline := time.Now().Add(responseTimeout)
	for {
		text, readErr := h.snapshot()
		clean := stripTerminal(text)
		if promptRe.MatchString(lastLine(clean)) {
			return nil
		}
		if !pressed && strings.Contains(clean, "Press any key to continue") {
			pressed = true
			if _, err := io.WriteString(h.stdin, "\n"); err != nil {
				return faults.Wrap(err, faults.VendorProtocol, "writing to device failed")
			}
		}
		if readErr != nil {
			return faults.Wrap(readErr, faults.VendorProtocol, "device closed the session during login")
		}
		if time.Now().After(deadline) {
			return faults.New(faults.VendorProtocol, "device never presented a prompt")
		}
		select {
		case <-ctx.Done():
			return faults.Wrap(ctx.Err(), faults.Cancelled, "device login cancelled")
		case <-time.After(promptPoll):
		}
	}
}

// run sends one command and returns its output: everything between the
// echoed command line and the next prompt.
func (h *hpAruba) run(ctx context.Context, cmd string) (string, error) {
	h.mu.Lock()
	offset := h.buf.Len()
	h.mu.Unlock()

	if _, err := io.WriteString(h.stdin, cmd+"\n"); err != nil {
		return "", faults.Wrap(err, faults.VendorProtocol, "writing to device failed")
	}

	deadline := time.Now().Add(responseTimeout)
	for {
		text, readErr := h.snapshot()
		if len(text) > offset {
			clean := stripTerminal(text[offset:])
			if promptRe.MatchString(lastLine(clean)) {
				return trimExchange(clean, cmd), nil
			}
		}
		if readErr != nil {
			return "", faults.Wrap(readErr, faults.VendorProtocol, "device closed the session")
		}
		if time.Now().After(deadline) {
			return "", faults.Newf(faults.VendorProtocol, "device did not return to prompt after %q", cmd)
		}
		select {
		case <-ctx.Done():
			return "", faults.Wrap(ctx.Err(), faults.Cancelled, "device command cancelled")
		case <-time.After(promptPoll):
		}
	}
}

// ExportConfig captures `show version` and `show running-config`, returning
// the config text as the artifact and the facts both outputs yield.
func (h *hpAruba) ExportConfig(ctx context.Context) ([]byte, wire.DeviceFacts, error) {
	version, err := h.run(ctx, "show version")
	if err != nil {
		return nil, wire.DeviceFacts{}, err
	}
	config, err := h.run(ctx, "show running-config")
	if err != nil {
		return nil, wire.DeviceFacts{}, err
	}
	if msg := hpCommandError(config); msg != "" {
		return nil, wire.DeviceFacts{}, faults.Newf(faults.VendorProtocol, "config export refused: %s", msg)
	}
	return []byte(config), parseHPFacts(version, config), nil
}

// BinaryBackup is unsupported: ArubaOS-S has no offline backup blob, its
// configuration export is complete.
func (h *hpAruba) BinaryBackup(context.Context, string) (string, []byte, error) {
	return "", nil, faults.New(faults.PreconditionFailed, "hp-aruba devices support config backups only")
}

// RunCommands executes operator CLI lines in order, stopping at the first
// line the switch rejects.
func (h *hpAruba) RunCommands(ctx context.Context, commands []string) (string, error) {
	var out strings.Builder
	for _, cmd := range commands {
		res, err := h.run(ctx, cmd)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(res)
		if res != "" && !strings.HasSuffix(res, "\n") {
			out.WriteString("\n")
		}
		if msg := hpCommandError(res); msg != "" {
			return out.String(), faults.Newf(faults.VendorProtocol, "command %q failed: %s", cmd, msg)
		}
	}
	return out.String(), nil
}

func (h *hpAruba) Close() error {
	h.stdin.Close()
	h.sess.Close()
	return h.client.Close()
}

// hpCommandError scans output for the switch's rejection phrases and returns
// the offending line, or "".
func hpCommandError(out string) string {
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, "Invalid input") ||
			strings.Contains(trimmed, "Ambiguous input") ||
			strings.Contains(trimmed, "Incomplete input") {
			return trimmed
		}
	}
	return ""
}

// parseHPFacts extracts device metadata from `show version` output and the
// running-config header. Everything is best-effort: firmware families format
// these lines differently and a miss just leaves the field empty.
func parseHPFacts(version, config string) wire.DeviceFacts {
	var facts wire.DeviceFacts

	if m := hpFirmwareRe.FindStringSubmatch(version); m != nil {
		facts.Firmware = m[1]
	}
	if m := hpSerialRe.FindStringSubmatch(version); m != nil {
		facts.Serial = m[1]
	}
	if m := hpModelRe.FindStringSubmatch(config); m != nil {
		facts.Model = m[1]
	}
	if m := hpHostnameRe.FindStringSubmatch(config); m != nil {
		facts.Hostname = strings.Trim(m[1], `"`)
	}
	return facts
}

var (
	// "Software revision  : WB.16.04.0008"
	hpFirmwareRe = regexp.MustCompile(`(?m)^\s*Software revision\s*:\s*(\S+)`)
	// "Serial Number      : SG12345678"
	hpSerialRe = regexp.MustCompile(`(?m)^\s*Serial Number\s*:\s*(\S+)`)
	// "; J9727A Configuration Editor; Created on release #WB.16.04.0008"
	hpModelRe = regexp.MustCompile(`(?m)^;\s*(\S+)\s+Configuration Editor`)
	// `hostname "core-sw-01"`
	hpHostnameRe = regexp.MustCompile(`(?m)^hostname\s+("[^"]*"|\S+)`)
)

// stripTerminal removes ANSI escape sequences and carriage returns so prompt
// matching and output capture see plain text.
func stripTerminal(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// lastLine returns the text after the final newline: the line the cursor is
// waiting on.
func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// trimExchange removes the echoed command line and the trailing prompt from a
// captured exchange, leaving only the device's output.
func trimExchange(clean, cmd string) string {
	lines := strings.Split(clean, "\n")
	if len(lines) > 0 && promptRe.MatchString(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 && strings.Contains(lines[0], cmd) {
		lines = lines[1:]
	}
	out := strings.TrimRight(strings.Join(lines, "\n"), "\n")
	if out == "" {
		return ""
	}
	return out + "\n"
}
