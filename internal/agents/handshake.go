package agents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/crypto"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// maxAgentIDLen bounds the agent-claimed identifier; ids are opaque strings
// picked at install time.
const maxAgentIDLen = 128

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are headless processes, not browsers; auth happens in-protocol.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWS upgrades an agent connection and runs it to completion. The path
// id must match the hello claim; the handshake is hello → challenge → auth →
// auth_ok, with each inbound step bounded by the handshake timeout.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request, pathAgentID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(wire.MaxMessageSize)

	hello, ok := s.readHello(conn, pathAgentID)
	if !ok {
		return
	}

	agent, ok := s.resolveAgent(r, conn, hello)
	if !ok {
		return
	}

	if !s.challenge(conn, agent) {
		return
	}

	s.runSession(r.Context(), conn, agent, hello)
}

// readHello consumes the first frame. Anything but a well-formed hello whose
// agent id matches the path within the timeout closes the socket with 4001.
func (s *Service) readHello(conn *websocket.Conn, pathAgentID string) (wire.Hello, bool) {
	env, err := s.readFrame(conn)
	if err != nil || env.Type != wire.TypeHello {
		s.closeWith(conn, wire.CloseHandshakeTimeout, "expected hello")
		return wire.Hello{}, false
	}
	var hello wire.Hello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		s.closeWith(conn, wire.CloseHandshakeTimeout, "malformed hello")
		return wire.Hello{}, false
	}
	if hello.AgentID == "" || len(hello.AgentID) > maxAgentIDLen ||
		strings.ContainsFunc(hello.AgentID, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		s.closeWith(conn, wire.CloseHandshakeTimeout, "invalid agent id")
		return wire.Hello{}, false
	}
	if hello.AgentID != pathAgentID {
		s.log.Warn("hello agent id does not match path",
			zap.String("path_id", pathAgentID),
			zap.String("hello_id", hello.AgentID),
		)
		s.closeWith(conn, wire.CloseHandshakeTimeout, "agent id mismatch")
		return wire.Hello{}, false
	}
	switch hello.Kind {
	case wire.AgentKindDocker, wire.AgentKindMikroTikContainer:
	default:
		hello.Kind = wire.AgentKindDocker
	}
	return hello, true
}

// resolveAgent loads the claimed row or enrolls a new pending one. Unknown
// ids without an enrollment token are refused; the token itself never
// appears in logs.
func (s *Service) resolveAgent(r *http.Request, conn *websocket.Conn, hello wire.Hello) (*db.Agent, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	agent, err := s.agents.GetByID(ctx, hello.AgentID)
	if err == nil {
		return agent, true
	}
	if !isNotFound(err) {
		s.log.Error("agent lookup failed", zap.String("agent_id", hello.AgentID), zap.Error(err))
		s.authErr(conn, faults.Internal, "agent lookup failed")
		return nil, false
	}

	if hello.EnrollToken == "" {
		s.authErr(conn, faults.Validation, "unknown agent requires enrollment token")
		return nil, false
	}

	agent, err = s.enroll(ctx, r, hello)
	if err != nil {
		s.log.Error("enrollment failed", zap.String("agent_id", hello.AgentID), zap.Error(err))
		s.authErr(conn, faults.Internal, "enrollment failed")
		return nil, false
	}
	s.log.Info("agent enrolled",
		zap.String("agent_id", agent.ID),
		zap.String("kind", agent.Kind),
		zap.String("address", agent.Address),
	)
	s.publishStatus(agent.ID, db.AgentStatusPending, "")
	return agent, true
}

// enroll creates the pending row for a first-contact agent. Only the
// scrypt-derived key of the enrollment token is stored.
func (s *Service) enroll(ctx context.Context, r *http.Request, hello wire.Hello) (*db.Agent, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(hello.EnrollToken, salt)
	if err != nil {
		return nil, err
	}

	address := hello.Address
	if address == "" {
		if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
			address = host
		} else {
			address = r.RemoteAddr
		}
	}
	caps, err := json.Marshal(hello.Capabilities)
	if err != nil || hello.Capabilities == nil {
		caps = []byte("[]")
	}

	agent := &db.Agent{
		ID:           hello.AgentID,
		DisplayName:  hello.AgentID,
		Kind:         string(hello.Kind),
		Address:      address,
		Port:         hello.Port,
		Version:      hello.Version,
		Status:       db.AgentStatusPending,
		TokenHash:    base64.StdEncoding.EncodeToString(key),
		TokenSalt:    base64.StdEncoding.EncodeToString(salt),
		Capabilities: string(caps),
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		// A concurrent handshake for the same id may have won the insert.
		if isConflict(err) {
			return s.agents.GetByID(ctx, hello.AgentID)
		}
		return nil, err
	}
	return agent, nil
}

// challenge runs the nonce exchange and verifies the agent's proof against
// the stored derived key. Verification failures close with 4002 after an
// auth_err frame; messages never include token material.
func (s *Service) challenge(conn *websocket.Conn, agent *db.Agent) bool {
	nonce, err := crypto.NewNonce()
	if err != nil {
		s.authErr(conn, faults.Internal, "challenge generation failed")
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(agent.TokenSalt)
	if err != nil {
		s.log.Error("stored salt is corrupt", zap.String("agent_id", agent.ID))
		s.authErr(conn, faults.Internal, "challenge generation failed")
		return false
	}

	if !s.writeFrame(conn, wire.TypeAuth, wire.AuthChallenge{
		Nonce: nonce,
		Salt:  salt,
		KDF:   crypto.KDFName,
	}) {
		return false
	}

	env, err := s.readFrame(conn)
	if err != nil || env.Type != wire.TypeAuth {
		s.closeWith(conn, wire.CloseHandshakeTimeout, "expected auth")
		return false
	}
	var auth wire.Auth
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		s.authErr(conn, faults.Validation, "malformed auth frame")
		return false
	}

	key, err := base64.StdEncoding.DecodeString(agent.TokenHash)
	if err != nil {
		s.log.Error("stored token hash is corrupt", zap.String("agent_id", agent.ID))
		s.authErr(conn, faults.Internal, "verification failed")
		return false
	}
	if !crypto.VerifyMAC(key, nonce, auth.MAC) {
		s.log.Warn("agent authentication failed", zap.String("agent_id", agent.ID))
		s.authErr(conn, faults.Validation, "authentication failed")
		return false
	}
	return true
}

// runSession finishes the handshake, registers the session, and blocks until
// it ends. Liveness bookkeeping happens on both edges.
func (s *Service) runSession(ctx context.Context, conn *websocket.Conn, agent *db.Agent, hello wire.Hello) {
	now := s.clock.Now().UTC()

	// A successful auth with the rotated token closes the rotation window.
	if agent.TokenRotatedAt != nil {
		agent.TokenRotatedAt = nil
		agent.Version = hello.Version
		agent.Kind = string(hello.Kind)
		agent.LastSeenAt = &now
		if err := s.agents.Update(context.Background(), agent); err != nil {
			s.log.Warn("clearing rotation marker failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}

	approved := agent.Status != db.AgentStatusPending
	if !s.writeFrame(conn, wire.TypeAuthOK, wire.AuthOK{
		AgentStatus:       agent.Status,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		ServerVersion:     s.cfg.ServerVersion,
	}) {
		return
	}

	session := hub.NewSession(conn, agent.ID, hello.Kind, hello.Version, s.cfg.HeartbeatInterval, approved, s, s.log)
	s.hub.Register(session)

	if approved {
		if err := s.agents.UpdateStatus(context.Background(), agent.ID, db.AgentStatusOnline, now); err != nil {
			s.log.Warn("marking agent online failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
		s.publishStatus(agent.ID, db.AgentStatusOnline, "")
		s.pushConfigOnConnect(agent, session)
	}

	s.log.Info("agent session established",
		zap.String("agent_id", agent.ID),
		zap.String("kind", string(hello.Kind)),
		zap.String("version", hello.Version),
		zap.Bool("approved", approved),
	)

	session.Run(ctx)

	// Only the still-registered session flips the row offline; a replaced
	// session must not clobber its successor's state.
	if s.hub.Unregister(agent.ID, session) {
		last := s.clock.Now().UTC()
		if approved {
			if err := s.agents.UpdateStatus(context.Background(), agent.ID, db.AgentStatusOffline, last); err != nil && !isNotFound(err) {
				s.log.Warn("marking agent offline failed", zap.String("agent_id", agent.ID), zap.Error(err))
			}
			s.publishStatus(agent.ID, db.AgentStatusOffline, "")
		}
	}
	s.log.Info("agent session closed",
		zap.String("agent_id", agent.ID),
		zap.Error(session.Err()),
	)
}

// pushConfigOnConnect sends the current customer config to a freshly
// connected approved agent, without token rotation.
func (s *Service) pushConfigOnConnect(agent *db.Agent, session *hub.Session) {
	if agent.CustomerID == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	customer, err := s.customers.GetByID(ctx, *agent.CustomerID)
	if err != nil {
		s.log.Warn("config push skipped, customer lookup failed",
			zap.String("agent_id", agent.ID), zap.Error(err))
		return
	}
	cfg, err := s.buildConfig(ctx, customer)
	if err != nil {
		s.log.Warn("config push skipped", zap.String("agent_id", agent.ID), zap.Error(err))
		return
	}
	if err := session.SendConfig(cfg); err != nil {
		s.log.Warn("config push failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}
}

// readFrame reads one handshake frame under the handshake deadline. The
// session's own read loop takes over afterwards.
func (s *Service) readFrame(conn *websocket.Conn) (wire.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return wire.Envelope{}, err
	}
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, err
	}
	if kind != websocket.TextMessage {
		return wire.Envelope{}, faults.New(faults.Validation, "handshake frames must be text")
	}
	return wire.Decode(data)
}

// writeFrame sends one handshake frame. Returns false (and closes) on error.
func (s *Service) writeFrame(conn *websocket.Conn, t wire.Type, payload any) bool {
	env, err := wire.NewEnvelope(t, "", payload)
	if err != nil {
		conn.Close()
		return false
	}
	data, err := wire.Encode(env)
	if err != nil {
		conn.Close()
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return false
	}
	return true
}

// authErr sends an auth_err frame and closes with 4002.
func (s *Service) authErr(conn *websocket.Conn, kind faults.Kind, message string) {
	s.writeFrame(conn, wire.TypeAuthErr, wire.ErrorBody{Kind: string(kind), Message: message})
	s.closeWith(conn, wire.CloseAuthFailed, message)
}

// closeWith sends a close control frame and tears the socket down.
func (s *Service) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func isNotFound(err error) bool {
	return errors.Is(err, repositories.ErrNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, repositories.ErrConflict)
}
