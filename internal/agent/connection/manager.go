// Package connection maintains the agent's persistent WebSocket session with
// the server. It handles:
//   - The challenge handshake (hello → challenge → auth → auth_ok), enrolling
//     on first contact with the provisioned token
//   - The heartbeat loop (periodic liveness frames with host stats)
//   - Inbound dispatch (rpc.request to the executor, rpc.cancel, config
//     pushes including token rotation, server pings)
//   - Automatic reconnection with exponential backoff + jitter
//
// The Manager implements executor.ResultSink so the executor can report
// progress, results, and artifact chunks without knowing about WebSockets.
//
// State persistence: after the first successful handshake the agent id and
// token are written to <state-dir>/agent-state.json and presented on every
// subsequent connection, so the server matches the agent to its existing
// record. Config pushes update the same file.
package connection

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/agent/executor"
	"github.com/grandir66/dadude2.0-sub000/internal/agent/sysinfo"
	"github.com/grandir66/dadude2.0-sub000/internal/config"
	"github.com/grandir66/dadude2.0-sub000/internal/crypto"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

const (
	backoffFactor = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	// handshakeTimeout bounds each step of the hello/auth exchange.
	handshakeTimeout = 10 * time.Second

	// defaultHeartbeat applies when auth_ok carries no interval.
	defaultHeartbeat = 20 * time.Second
)

// Manager owns the connection lifecycle. Create with New, start with Run.
type Manager struct {
	cfg          *config.Agent
	exec         *executor.Executor
	capabilities []string
	version      string
	log          *zap.Logger

	agentID string

	// state is the persisted identity plus pushed config; config frames
	// mutate it mid-session.
	stateMu sync.Mutex
	state   agentState

	// sess is the live session, replaced on every reconnect. Sink methods
	// read it under mu and drop frames while disconnected.
	mu   sync.RWMutex
	sess *session
}

// New creates a Manager and resolves the agent identity: explicit config
// wins, then the persisted state, then the hostname, then a fresh UUID. It
// fails when neither a persisted token nor an enrollment token exists, since
// no handshake could ever succeed.
func New(cfg *config.Agent, exec *executor.Executor, capabilities []string, version string, log *zap.Logger) (*Manager, error) {
	state, err := loadState(cfg.StateDir)
	if err != nil {
		log.Warn("agent state unreadable, starting fresh", zap.Error(err))
		state = agentState{}
	}

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = state.AgentID
	}
	if agentID == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			agentID = hostname
		}
	}
	if agentID == "" {
		agentID = uuid.NewString()
	}

	if state.Token == "" && cfg.EnrollToken == "" {
		return nil, faults.New(faults.Validation, "no persisted token and no enrollment token; set DADUDE_ENROLL_TOKEN")
	}

	m := &Manager{
		cfg:          cfg,
		exec:         exec,
		capabilities: capabilities,
		version:      version,
		log:          log.Named("connection"),
		agentID:      agentID,
		state:        state,
	}

	// Networks from the last config push survive restarts so scans work
	// before the server pushes again.
	exec.SetNetworks(state.Networks)
	return m, nil
}

// AgentID returns the identity presented to the server.
func (m *Manager) AgentID() string { return m.agentID }

// Run drives the reconnect loop until ctx is cancelled. Backoff grows on
// consecutive failures and resets once a handshake completes.
func (m *Manager) Run(ctx context.Context) {
	backoff := m.cfg.ReconnectMin

	for {
		if ctx.Err() != nil {
			m.log.Info("connection manager stopped")
			return
		}

		m.log.Info("connecting to server",
			zap.String("url", m.cfg.ServerURL),
			zap.String("agent_id", m.agentID),
		)

		established, err := m.connect(ctx)
		if ctx.Err() != nil {
			m.log.Info("connection manager stopped")
			return
		}
		if established {
			backoff = m.cfg.ReconnectMin
		}
		if err != nil {
			m.log.Warn("session ended, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff, m.cfg.ReconnectMax)
		}
	}
}

// connect establishes one session: dial → handshake → loops. The bool
// reports whether the handshake completed, which resets the reconnect
// backoff even when the session later dies.
func (m *Manager) connect(ctx context.Context) (bool, error) {
	target, err := endpointURL(m.cfg.ServerURL, m.agentID)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, faults.Wrap(err, faults.TransportClosed, "dial failed")
	}
	conn.SetReadLimit(wire.MaxMessageSize)

	authOK, err := m.handshake(conn)
	if err != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
		return false, err
	}

	heartbeat := authOK.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	sess := newSession(conn, heartbeat, m.log)
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.sess = nil
		m.mu.Unlock()
	}()

	m.log.Info("session established",
		zap.String("agent_status", authOK.AgentStatus),
		zap.String("server_version", authOK.ServerVersion),
		zap.Duration("heartbeat", heartbeat),
	)

	go sess.writePump()
	go m.heartbeatLoop(sess)

	// Local shutdown must end the read loop promptly and tell the server
	// why; the read deadline alone would take up to 2×heartbeat to notice.
	stop := context.AfterFunc(ctx, func() {
		sess.shutdown("agent shutting down")
	})
	defer stop()

	err = m.readLoop(sess)
	if ctx.Err() != nil {
		return true, nil
	}
	return true, err
}

// handshake runs hello → challenge → auth → auth_ok on a fresh socket. The
// enrollment token rides along only on first contact, when no session token
// has been persisted yet. Errors never carry token material.
func (m *Manager) handshake(conn *websocket.Conn) (wire.AuthOK, error) {
	m.stateMu.Lock()
	token := m.state.Token
	m.stateMu.Unlock()

	enroll := ""
	if token == "" {
		token = m.cfg.EnrollToken
		enroll = m.cfg.EnrollToken
	}

	hello := wire.Hello{
		AgentID:      m.agentID,
		Kind:         agentKind(m.cfg.Kind),
		Version:      m.version,
		Capabilities: m.capabilities,
		EnrollToken:  enroll,
	}
	if err := writeHandshakeFrame(conn, wire.TypeHello, "", hello); err != nil {
		return wire.AuthOK{}, err
	}

	env, err := readHandshakeFrame(conn)
	if err != nil {
		return wire.AuthOK{}, err
	}
	if env.Type == wire.TypeAuthErr {
		return wire.AuthOK{}, authErrFault(env)
	}
	if env.Type != wire.TypeAuth {
		return wire.AuthOK{}, faults.Newf(faults.Internal, "unexpected %s frame during handshake", env.Type)
	}
	var challenge wire.AuthChallenge
	if err := env.DecodePayload(&challenge); err != nil {
		return wire.AuthOK{}, faults.Wrap(err, faults.Internal, "malformed auth challenge")
	}
	if challenge.KDF != crypto.KDFName {
		return wire.AuthOK{}, faults.Newf(faults.Internal, "server requested unsupported kdf %q", challenge.KDF)
	}

	key, err := crypto.DeriveKey(token, challenge.Salt)
	if err != nil {
		return wire.AuthOK{}, faults.Wrap(err, faults.Internal, "deriving challenge key")
	}
	proof := wire.Auth{MAC: crypto.ChallengeMAC(key, challenge.Nonce)}
	if err := writeHandshakeFrame(conn, wire.TypeAuth, env.ID, proof); err != nil {
		return wire.AuthOK{}, err
	}

	env, err = readHandshakeFrame(conn)
	if err != nil {
		return wire.AuthOK{}, err
	}
	switch env.Type {
	case wire.TypeAuthOK:
		var ok wire.AuthOK
		if err := env.DecodePayload(&ok); err != nil {
			return wire.AuthOK{}, faults.Wrap(err, faults.Internal, "malformed auth_ok frame")
		}
		m.persistIdentity(token)
		return ok, nil
	case wire.TypeAuthErr:
		return wire.AuthOK{}, authErrFault(env)
	default:
		return wire.AuthOK{}, faults.Newf(faults.Internal, "unexpected %s frame during handshake", env.Type)
	}
}

// persistIdentity saves the id and the token that just authenticated. On
// first contact this turns the enrollment token into the session token. A
// save failure is non-fatal: the server keys on the id and the same token
// will be presented again from config.
func (m *Manager) persistIdentity(token string) {
	m.stateMu.Lock()
	changed := m.state.AgentID != m.agentID || m.state.Token != token
	m.state.AgentID = m.agentID
	m.state.Token = token
	state := m.state
	m.stateMu.Unlock()

	if !changed {
		return
	}
	if err := saveState(m.cfg.StateDir, state); err != nil {
		m.log.Warn("persisting agent state failed", zap.Error(err))
	}
}

// readLoop is the sole reader on the connection. The server pings every
// heartbeat interval, so a healthy link never goes quiet for the full
// 2×heartbeat window.
func (m *Manager) readLoop(sess *session) error {
	for {
		if err := sess.conn.SetReadDeadline(time.Now().Add(2 * sess.heartbeat)); err != nil {
			sess.teardown(faults.Wrap(err, faults.TransportClosed, "session read deadline"))
			return sess.err()
		}

		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, wire.CloseReplaced) {
				// Another process presented this agent id. Keep retrying
				// (last connect wins) but make the contention visible.
				m.log.Warn("another session claimed this agent id")
				sess.teardown(faults.New(faults.ReplacedByNewerSession, "replaced by newer session"))
			} else {
				sess.teardown(faults.Wrap(err, faults.TransportClosed, "session read"))
			}
			return sess.err()
		}

		if msgType == websocket.BinaryMessage {
			// The server never streams binary frames to agents.
			m.log.Debug("dropping unexpected binary frame", zap.Int("size", len(data)))
			continue
		}

		env, err := wire.Decode(data)
		if err != nil {
			m.log.Debug("malformed frame", zap.Error(err))
			continue
		}
		m.dispatch(sess, env)
	}
}

// dispatch routes one decoded inbound frame.
func (m *Manager) dispatch(sess *session, env wire.Envelope) {
	switch env.Type {
	case wire.TypePing:
		pong := wire.Envelope{Type: wire.TypePong, ID: wire.NewID(), CorrelationID: env.ID}
		_ = sess.send(pong, nil)

	case wire.TypePong:
		// Liveness already refreshed by the read itself.

	case wire.TypeRequest:
		m.handleRequest(env)

	case wire.TypeCancel:
		m.exec.Cancel(env.CorrelationID)

	case wire.TypeConfig:
		var cfg wire.Config
		if err := env.DecodePayload(&cfg); err != nil {
			m.log.Warn("bad config payload", zap.Error(err))
			return
		}
		m.applyConfig(cfg)

	case wire.TypeEvent:
		// Server events carry nothing an agent acts on today.
		m.log.Debug("ignoring event frame", zap.String("id", env.ID))

	case wire.TypeClose:
		var body wire.Close
		_ = env.DecodePayload(&body)
		m.log.Info("server closed session", zap.String("reason", body.Reason))
		sess.teardown(faults.Newf(faults.TransportClosed, "server closed session: %s", body.Reason))

	default:
		// Forward compatibility: unknown types are logged and ignored.
		m.log.Debug("ignoring unknown frame type", zap.String("type", string(env.Type)))
	}
}

// handleRequest queues an rpc.request with the executor; the request id
// doubles as the correlation id for everything it sends back.
func (m *Manager) handleRequest(env wire.Envelope) {
	var req wire.Request
	if err := env.DecodePayload(&req); err != nil {
		m.SendFault(env.ID, faults.Wrap(err, faults.Validation, "malformed request"))
		return
	}
	task := executor.Task{RequestID: env.ID, Method: req.Method, Params: req.Params}
	if err := m.exec.Enqueue(task); err != nil {
		m.SendFault(env.ID, err)
	}
}

// applyConfig folds a config push into the persisted state and hands the
// network list to the executor. Token rotations swap the session token for
// the next handshake; the value itself never reaches the log.
func (m *Manager) applyConfig(cfg wire.Config) {
	m.stateMu.Lock()
	if cfg.CustomerCode != "" {
		m.state.CustomerCode = cfg.CustomerCode
	}
	if cfg.Networks != nil {
		m.state.Networks = cfg.Networks
	}
	rotated := cfg.TokenRotation != ""
	if rotated {
		m.state.Token = cfg.TokenRotation
	}
	state := m.state
	m.stateMu.Unlock()

	m.exec.SetNetworks(state.Networks)

	if err := saveState(m.cfg.StateDir, state); err != nil {
		// A lost rotation means the next handshake presents the old token;
		// the server's rotation grace window is the only safety net.
		m.log.Error("persisting pushed config failed", zap.Error(err))
	}

	m.log.Info("config applied",
		zap.String("customer_code", state.CustomerCode),
		zap.Int("networks", len(state.Networks)),
		zap.Bool("token_rotated", rotated),
	)
}

// heartbeatLoop reports liveness and host stats until the session ends.
func (m *Manager) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(sess.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sess.heartbeat/2)
			stats := sysinfo.Collect(ctx)
			cancel()

			env, err := wire.NewEnvelope(wire.TypeHeartbeat, "", wire.Heartbeat{Stats: stats})
			if err != nil {
				continue
			}
			if sess.send(env, nil) != nil {
				return
			}
			m.log.Debug("heartbeat sent")
		}
	}
}

// session returns the live session, or nil while disconnected.
func (m *Manager) session() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

// SendProgress implements executor.ResultSink.
func (m *Manager) SendProgress(requestID string, p wire.Progress) {
	env, err := wire.NewEnvelope(wire.TypeProgress, requestID, p)
	if err != nil {
		return
	}
	m.sendFrame(env, nil, "progress")
}

// SendResponse implements executor.ResultSink.
func (m *Manager) SendResponse(requestID string, result any) {
	env, err := wire.NewEnvelope(wire.TypeResponse, requestID, result)
	if err != nil {
		m.log.Error("unencodable response", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	m.sendFrame(env, nil, "response")
}

// SendFault implements executor.ResultSink.
func (m *Manager) SendFault(requestID string, cause error) {
	env, err := wire.NewEnvelope(wire.TypeError, requestID, wire.ErrorBody{
		Kind:    string(faults.KindOf(cause)),
		Message: faults.Message(cause),
	})
	if err != nil {
		return
	}
	m.sendFrame(env, nil, "error")
}

// SendChunk implements executor.ResultSink. Unlike the fire-and-forget
// methods it reports failure, so the executor can abort a backup instead of
// streaming into the void.
func (m *Manager) SendChunk(streamID string, meta wire.ChunkMeta, data []byte) error {
	env, err := wire.NewEnvelope(wire.TypeChunk, streamID, meta)
	if err != nil {
		return faults.Wrap(err, faults.Internal, "encode chunk")
	}
	sess := m.session()
	if sess == nil {
		return faults.New(faults.TransportClosed, "not connected")
	}
	var binary []byte
	if len(data) > 0 {
		binary = data
	}
	return sess.send(env, binary)
}

// sendFrame queues a frame on the live session. Drops with a warning while
// disconnected: the server fails in-flight requests as transport_closed on
// its own, so there is nothing useful to buffer.
func (m *Manager) sendFrame(env wire.Envelope, binary []byte, what string) {
	sess := m.session()
	if sess == nil {
		m.log.Warn("dropping frame, not connected",
			zap.String("frame", what),
			zap.String("correlation_id", env.CorrelationID),
		)
		return
	}
	if err := sess.send(env, binary); err != nil {
		m.log.Warn("frame send failed", zap.String("frame", what), zap.Error(err))
	}
}

// authErrFault converts an auth_err frame into a typed error.
func authErrFault(env wire.Envelope) error {
	var body wire.ErrorBody
	if err := env.DecodePayload(&body); err != nil {
		return faults.New(faults.Internal, "authentication refused")
	}
	return faults.New(faults.Kind(body.Kind), "authentication refused: "+body.Message)
}

// agentKind normalizes the configured deployment kind.
func agentKind(kind string) wire.AgentKind {
	switch wire.AgentKind(kind) {
	case wire.AgentKindDocker, wire.AgentKindMikroTikContainer:
		return wire.AgentKind(kind)
	default:
		return wire.AgentKindDocker
	}
}

// nextBackoff returns the next backoff duration, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > max {
		return max
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
