// Package netdev implements the vendor adapters the agent uses to manage
// network devices over SSH: configuration exports, binary backups, and
// operator command batches. Each vendor gets the dialect it needs — ArubaOS
// switches an interactive PTY shell, RouterOS clean exec-channel commands —
// behind one Adapter interface.
package netdev

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// dialTimeout bounds the TCP connect plus SSH handshake to a device.
const dialTimeout = 10 * time.Second

// Adapter speaks one vendor's management dialect over an established SSH
// connection. Adapters are single-use: one Dial per backup or command batch,
// closed when the operation ends. Methods must never place credential
// material in errors or returned output.
type Adapter interface {
	// ExportConfig returns the device's textual configuration export and the
	// facts parseable from it.
	ExportConfig(ctx context.Context) ([]byte, wire.DeviceFacts, error)

	// BinaryBackup produces the vendor's proprietary backup blob under the
	// given base name. Platforms without one fail with precondition_failed.
	BinaryBackup(ctx context.Context, name string) (filename string, data []byte, err error)

	// RunCommands executes CLI lines in order, stopping at the first failing
	// line, and returns the combined output.
	RunCommands(ctx context.Context, commands []string) (string, error)

	Close() error
}

// Dialer opens an adapter for a device. The executor takes one so tests can
// substitute fakes for live SSH connections.
type Dialer func(ctx context.Context, kind wire.DeviceKind, address string, cred wire.Credential) (Adapter, error)

// Dial connects to a device and returns the adapter for its vendor kind.
func Dial(ctx context.Context, kind wire.DeviceKind, address string, cred wire.Credential) (Adapter, error) {
	switch kind {
	case wire.DeviceHPAruba:
		client, err := dialSSH(ctx, address, cred)
		if err != nil {
			return nil, err
		}
		return newHPAruba(ctx, client)
	case wire.DeviceMikroTik:
		client, err := dialSSH(ctx, address, cred)
		if err != nil {
			return nil, err
		}
		return &mikroTik{client: client}, nil
	default:
		return nil, faults.Newf(faults.Validation, "unsupported device kind %q", kind)
	}
}

// dialSSH opens the SSH client connection. Password and keyboard-interactive
// auth both answer with the credential secret; network gear is split on which
// method it asks for. Host keys are not verified: devices sit on the
// customer's management network and key continuity is not tracked per device.
func dialSSH(ctx context.Context, address string, cred wire.Credential) (*ssh.Client, error) {
	port := cred.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	cfg := &ssh.ClientConfig{
		User: cred.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cred.Secret),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cred.Secret
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, faults.Wrap(err, faults.VendorProtocol, fmt.Sprintf("connecting to %s failed", addr))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, faults.Wrap(err, faults.VendorProtocol, fmt.Sprintf("ssh handshake with %s failed", addr))
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}
