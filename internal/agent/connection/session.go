package connection

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// writeWait bounds a single wire write.
const writeWait = 10 * time.Second

// outboundBuffer is the session send queue. Senders block when it fills;
// chunk streaming relies on that backpressure to avoid buffering a whole
// artifact in memory twice.
const outboundBuffer = 64

// outFrame is one queued write: a text envelope, optionally followed by the
// raw binary frame of a chunk segment. The pair is written back-to-back so a
// chunk's bytes always directly follow its announcement.
type outFrame struct {
	env    wire.Envelope
	binary []byte
}

// session is one authenticated connection. It owns the socket after the
// handshake: the manager's read loop is the sole reader, the write pump the
// sole writer. Sessions are never reused across reconnects.
type session struct {
	conn      *websocket.Conn
	heartbeat time.Duration
	log       *zap.Logger

	outbound chan outFrame

	// done is closed once teardown ran; senders select on it so nothing
	// blocks on a dead session's queue.
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
}

func newSession(conn *websocket.Conn, heartbeat time.Duration, log *zap.Logger) *session {
	return &session{
		conn:      conn,
		heartbeat: heartbeat,
		log:       log,
		outbound:  make(chan outFrame, outboundBuffer),
		done:      make(chan struct{}),
	}
}

// send queues one frame for the write pump. Blocks when the queue is full;
// returns transport_closed once the session is dead so no sender hangs.
func (s *session) send(env wire.Envelope, binary []byte) error {
	select {
	case s.outbound <- outFrame{env: env, binary: binary}:
		return nil
	case <-s.done:
		return faults.New(faults.TransportClosed, "session closed")
	}
}

// writePump is the sole writer on the connection.
func (s *session) writePump() {
	for {
		select {
		case f := <-s.outbound:
			if err := s.writeFrame(f); err != nil {
				s.teardown(faults.Wrap(err, faults.TransportClosed, "session write"))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) writeFrame(f outFrame) error {
	data, err := wire.Encode(f.env)
	if err != nil {
		// Programming error on our side; drop the frame, keep the session.
		s.log.Error("unencodable frame dropped", zap.Error(err))
		return nil
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if f.binary != nil {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, f.binary); err != nil {
			return err
		}
	}
	return nil
}

// shutdown announces a graceful close and tears the session down. The close
// envelope goes through the pump; the short pause gives it a window to flush
// before the socket drops.
func (s *session) shutdown(reason string) {
	if env, err := wire.NewEnvelope(wire.TypeClose, "", wire.Close{Reason: reason}); err == nil {
		_ = s.send(env, nil)
	}
	time.Sleep(250 * time.Millisecond)
	s.teardown(faults.Newf(faults.TransportClosed, "session closed: %s", reason))
}

// teardown runs exactly once: it records the cause, notifies the peer, and
// closes the socket.
func (s *session) teardown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if cause == nil {
		cause = faults.New(faults.TransportClosed, "session closed")
	}
	s.closeErr = cause
	s.mu.Unlock()

	// WriteControl is safe concurrently with the write pump.
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.conn.Close()

	close(s.done)
}

// err returns the teardown cause once the session has closed.
func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// endpointURL turns the configured server URL into the agent tunnel address.
// http(s) schemes are accepted and mapped to their WebSocket counterparts.
func endpointURL(serverURL, agentID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", faults.Wrap(err, faults.Validation, "invalid server url")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", faults.Newf(faults.Validation, "unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/agents/ws/" + url.PathEscape(agentID)
	return u.String(), nil
}

// readHandshakeFrame reads one frame under the handshake deadline. The
// manager's read loop takes over afterwards.
func readHandshakeFrame(conn *websocket.Conn) (wire.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return wire.Envelope{}, err
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("handshake read: %w", err)
	}
	if msgType != websocket.TextMessage {
		return wire.Envelope{}, faults.New(faults.Internal, "handshake frames must be text")
	}
	return wire.Decode(data)
}

// writeHandshakeFrame sends one frame under the handshake deadline.
func writeHandshakeFrame(conn *websocket.Conn, t wire.Type, correlationID string, payload any) error {
	env, err := wire.NewEnvelope(t, correlationID, payload)
	if err != nil {
		return err
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("handshake write %s: %w", t, err)
	}
	return nil
}
