// Package agents implements the agent registry and lifecycle: enrollment on
// first contact, operator approval with token rotation, heartbeat
// bookkeeping, and the WebSocket handshake that turns an HTTP upgrade into a
// hub session.
//
// Lifecycle: an unknown agent enrolls itself on first hello (status
// pending). Only an explicit operator approval binds it to a customer,
// rotates its token, and opens it up for RPCs. While a session is live the
// row reads online; on session close it reads offline. Pending agents keep
// their sessions (so approval can reach them) but the hub refuses operator
// RPCs with agent_not_approved.
package agents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/crypto"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// Config collects the tunables the service needs.
type Config struct {
	// HeartbeatInterval is pushed to agents in auth_ok and drives session
	// liveness (read deadline is twice this).
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds each handshake step (hello, auth).
	HandshakeTimeout time.Duration

	// RotationGrace is how long a freshly approved agent has to reconnect
	// with its rotated token before its session is forced offline.
	RotationGrace time.Duration

	// ServerVersion is reported to agents in auth_ok.
	ServerVersion string
}

// Service owns agent rows and their sessions.
type Service struct {
	agents    repositories.AgentRepository
	customers repositories.CustomerRepository
	networks  repositories.NetworkRepository
	hub       *hub.Hub
	events    *events.Hub
	clock     clockwork.Clock
	cfg       Config
	log       *zap.Logger
}

// NewService wires the agent lifecycle service.
func NewService(
	agents repositories.AgentRepository,
	customers repositories.CustomerRepository,
	networks repositories.NetworkRepository,
	h *hub.Hub,
	ev *events.Hub,
	clock clockwork.Clock,
	cfg Config,
	log *zap.Logger,
) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RotationGrace <= 0 {
		cfg.RotationGrace = 60 * time.Second
	}
	return &Service{
		agents:    agents,
		customers: customers,
		networks:  networks,
		hub:       h,
		events:    ev,
		clock:     clock,
		cfg:       cfg,
		log:       log.Named("agents"),
	}
}

// Get returns one agent row.
func (s *Service) Get(ctx context.Context, id string) (*db.Agent, error) {
	agent, err := s.agents.GetByID(ctx, id)
	if err != nil {
		return nil, translateRepo(err, "agent")
	}
	return agent, nil
}

// List returns all agent rows with a total count.
func (s *Service) List(ctx context.Context, opts repositories.ListOptions) ([]db.Agent, int64, error) {
	return s.agents.List(ctx, opts)
}

// ListPending returns agents awaiting approval.
func (s *Service) ListPending(ctx context.Context) ([]db.Agent, error) {
	return s.agents.ListByStatus(ctx, db.AgentStatusPending)
}

// Approve binds a pending agent to a customer, rotates its token, and
// pushes the new token over the live session. The agent must reconnect with
// the rotated token within the grace window or its session is forced
// offline. Approval requires a live session: without one the rotated token
// could never reach the agent.
func (s *Service) Approve(ctx context.Context, agentID string, customerID uuid.UUID) (*db.Agent, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, translateRepo(err, "agent")
	}
	if agent.Status != db.AgentStatusPending {
		return nil, faults.Newf(faults.Conflict, "agent %s is %s, not pending", agentID, agent.Status)
	}

	customer, err := s.customers.GetByID(ctx, customerID)
	if err != nil {
		return nil, translateRepo(err, "customer")
	}
	if !customer.Active {
		return nil, faults.Newf(faults.Validation, "customer %s is deactivated", customer.Code)
	}

	session, online := s.hub.Get(agentID)
	if !online {
		return nil, faults.Newf(faults.AgentOffline, "agent %s must be connected for approval", agentID)
	}

	token, err := crypto.NewToken()
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "generate token")
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "generate salt")
	}
	hash, err := crypto.DeriveKey(token, salt)
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "derive token hash")
	}

	now := s.clock.Now().UTC()
	agent.Status = db.AgentStatusApproved
	agent.CustomerID = &customerID
	agent.TokenHash = base64.StdEncoding.EncodeToString(hash)
	agent.TokenSalt = base64.StdEncoding.EncodeToString(salt)
	agent.TokenRotatedAt = &now
	if err := s.agents.Update(ctx, agent); err != nil {
		return nil, translateRepo(err, "agent")
	}

	session.SetApproved(true)

	cfg, err := s.buildConfig(ctx, customer)
	if err != nil {
		s.log.Warn("building config push failed", zap.String("agent_id", agentID), zap.Error(err))
		cfg = wire.Config{CustomerCode: customer.Code, HeartbeatInterval: s.cfg.HeartbeatInterval}
	}
	cfg.TokenRotation = token
	if err := session.SendConfig(cfg); err != nil {
		return nil, faults.Wrap(err, faults.TransportClosed, "push rotated token")
	}

	s.publishStatus(agent.ID, db.AgentStatusApproved, customer.Code)
	s.log.Info("agent approved",
		zap.String("agent_id", agentID),
		zap.String("customer", customer.Code),
	)

	s.watchRotation(agentID, now)
	return agent, nil
}

// watchRotation forces the session offline if the agent keeps running on
// its pre-rotation token past the grace window. A successful re-auth with
// the rotated token clears token_rotated_at, which is the all-clear signal.
func (s *Service) watchRotation(agentID string, rotatedAt time.Time) {
	go func() {
		<-s.clock.After(s.cfg.RotationGrace)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		agent, err := s.agents.GetByID(ctx, agentID)
		if err != nil {
			return
		}
		if agent.TokenRotatedAt == nil || !agent.TokenRotatedAt.Equal(rotatedAt) {
			// Reconnected in time, or a newer rotation took over.
			return
		}

		if session, ok := s.hub.Get(agentID); ok {
			s.log.Warn("rotation grace expired, forcing session offline",
				zap.String("agent_id", agentID),
			)
			session.Close(wire.CloseAuthFailed, "token rotation grace expired")
		}
	}()
}

// Delete removes an agent row. A pending agent's deletion is a rejection;
// either way any live session is closed with code 4003.
func (s *Service) Delete(ctx context.Context, agentID string) error {
	if err := s.agents.Delete(ctx, agentID); err != nil {
		return translateRepo(err, "agent")
	}
	if session, ok := s.hub.Get(agentID); ok {
		session.Close(wire.CloseRejected, "rejected")
	}
	s.publishStatus(agentID, "deleted", "")
	s.log.Info("agent deleted", zap.String("agent_id", agentID))
	return nil
}

// Test round-trips an agent.test RPC and reports the measured latency.
func (s *Service) Test(ctx context.Context, agentID string) (wire.TestResult, time.Duration, error) {
	started := time.Now()
	payload, err := s.hub.Call(ctx, agentID, wire.MethodTest, nil, 15*time.Second)
	if err != nil {
		return wire.TestResult{}, 0, err
	}
	var result wire.TestResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return wire.TestResult{}, 0, faults.Wrap(err, faults.Internal, "decode test result")
	}
	return result, time.Since(started), nil
}

// PushConfig rebuilds and sends the current config to a connected agent,
// without token rotation. Used after network changes.
func (s *Service) PushConfig(ctx context.Context, agentID string) error {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return translateRepo(err, "agent")
	}
	if agent.CustomerID == nil {
		return faults.Newf(faults.AgentNotApproved, "agent %s has no customer", agentID)
	}
	session, ok := s.hub.Get(agentID)
	if !ok {
		return faults.Newf(faults.AgentOffline, "agent %s has no live session", agentID)
	}
	customer, err := s.customers.GetByID(ctx, *agent.CustomerID)
	if err != nil {
		return translateRepo(err, "customer")
	}
	cfg, err := s.buildConfig(ctx, customer)
	if err != nil {
		return err
	}
	return session.SendConfig(cfg)
}

// buildConfig assembles the config frame for an approved agent: customer
// code, its networks, and the heartbeat cadence.
func (s *Service) buildConfig(ctx context.Context, customer *db.Customer) (wire.Config, error) {
	networks, err := s.networks.ListByCustomer(ctx, customer.ID)
	if err != nil {
		return wire.Config{}, faults.Wrap(err, faults.Internal, "list customer networks")
	}
	cfg := wire.Config{
		CustomerCode:      customer.Code,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		Networks:          make([]wire.ConfigNetwork, 0, len(networks)),
	}
	for _, n := range networks {
		cfg.Networks = append(cfg.Networks, wire.ConfigNetwork{
			Name:    n.Name,
			Type:    n.Type,
			CIDR:    n.CIDR,
			Gateway: n.Gateway,
			VLANID:  n.VLANID,
		})
	}
	return cfg, nil
}

// HandleHeartbeat implements hub.FrameHandler: stamp liveness, store the
// latest host sample, republish it for operator dashboards.
func (s *Service) HandleHeartbeat(agentID string, hb wire.Heartbeat) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	statsJSON, err := json.Marshal(hb.Stats)
	if err != nil {
		statsJSON = []byte("{}")
	}
	if err := s.agents.UpdateHostStats(ctx, agentID, string(statsJSON), s.clock.Now().UTC()); err != nil {
		s.log.Debug("heartbeat bookkeeping failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	s.events.Publish("agent:"+agentID, events.MsgAgentMetrics, hb.Stats)
}

// HandleEvent implements hub.FrameHandler. Agent-initiated events are
// republished on the agent topic; nothing subscribes server-side today.
func (s *Service) HandleEvent(agentID string, ev wire.Event) {
	s.events.Publish("agent:"+agentID, events.MessageType("agent.event."+ev.Name), json.RawMessage(ev.Data))
}

// publishStatus pushes an agent lifecycle transition to operator clients.
func (s *Service) publishStatus(agentID, status, customerCode string) {
	payload := map[string]string{"agent_id": agentID, "status": status}
	if customerCode != "" {
		payload["customer_code"] = customerCode
	}
	s.events.Publish("agent:"+agentID, events.MsgAgentStatus, payload)
}

// translateRepo maps repository sentinels onto categorical faults.
func translateRepo(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrNotFound):
		return faults.Newf(faults.NotFound, "%s not found", entity)
	case errors.Is(err, repositories.ErrConflict):
		return faults.Newf(faults.Conflict, "%s already exists", entity)
	default:
		return faults.Wrap(err, faults.Internal, entity+" storage failure")
	}
}
