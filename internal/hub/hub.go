// Package hub maintains the process-wide registry of live agent sessions and
// routes operator RPCs onto them.
//
// Each authenticated WebSocket connection becomes one Session. The Hub maps
// agent ids to their current Session with last-connect-wins semantics: a
// restarted agent replaces its stale half-open predecessor instead of being
// locked out by it. Calls multiplex freely — many RPCs may be in flight per
// agent, bounded by a per-agent semaphore so an operator storm cannot starve
// heartbeats.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/metrics"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

const (
	// DefaultCallTimeout applies when the caller passes no explicit
	// timeout. Long operations (scans, backups) override it.
	DefaultCallTimeout = 60 * time.Second

	// MaxCallTimeout is the hard ceiling any override is clamped to;
	// sized for the slowest legitimate operation (binary backups).
	MaxCallTimeout = 30 * time.Minute

	// DefaultMaxInflight bounds concurrent RPCs per agent.
	DefaultMaxInflight = 8
)

// Hub is the registry. Safe for any number of concurrent callers.
type Hub struct {
	log *zap.Logger

	maxInflight int64

	mu       sync.RWMutex
	sessions map[string]*Session
	sems     map[string]*semaphore.Weighted
}

// New creates an empty Hub. maxInflight <= 0 selects the default.
func New(maxInflight int64, log *zap.Logger) *Hub {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	return &Hub{
		log:         log.Named("hub"),
		maxInflight: maxInflight,
		sessions:    make(map[string]*Session),
		sems:        make(map[string]*semaphore.Weighted),
	}
}

// Register installs a session, replacing (and closing) any previous session
// for the same agent. The replaced session's pending RPCs resolve with
// transport_closed and its peer sees close code 4004.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	old := h.sessions[s.agentID]
	h.sessions[s.agentID] = s
	h.mu.Unlock()

	if old != nil {
		h.log.Warn("replacing existing agent session", zap.String("agent_id", s.agentID))
		old.CloseReplaced()
	} else {
		metrics.AgentsConnected.Inc()
	}

	h.log.Info("agent session registered",
		zap.String("agent_id", s.agentID),
		zap.String("kind", string(s.kind)),
		zap.String("version", s.version),
		zap.Bool("approved", s.Approved()),
		zap.Int("total_connected", h.Len()),
	)
}

// Unregister removes the session only when it is still the registered one,
// so a dying session cannot evict its replacement. Reports whether the
// registry changed.
func (h *Hub) Unregister(agentID string, s *Session) bool {
	h.mu.Lock()
	current, ok := h.sessions[agentID]
	if !ok || current != s {
		h.mu.Unlock()
		return false
	}
	delete(h.sessions, agentID)
	h.mu.Unlock()

	metrics.AgentsConnected.Dec()
	h.log.Info("agent session unregistered",
		zap.String("agent_id", agentID),
		zap.Duration("session_duration", time.Since(s.startedAt)),
		zap.Int("total_connected", h.Len()),
	)
	return true
}

// Get returns the live session for an agent, if any.
func (h *Hub) Get(agentID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[agentID]
	return s, ok
}

// IsOnline reports whether the agent has a registered session.
func (h *Hub) IsOnline(agentID string) bool {
	_, ok := h.Get(agentID)
	return ok
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Call issues a synchronous RPC to one agent. Offline agents fail with
// agent_offline, unapproved ones with agent_not_approved. The per-agent
// inflight semaphore is held for the whole round trip; callers whose ctx is
// already expired fail fast instead of queueing.
func (h *Hub) Call(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s, release, err := h.acquire(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.Call(ctx, method, params, clampTimeout(timeout))
}

// Stream is Call with progress frames forwarded to the given channel until
// the terminal result returns.
func (h *Hub) Stream(ctx context.Context, agentID, method string, params any, timeout time.Duration, progress chan<- wire.Progress) (json.RawMessage, error) {
	s, release, err := h.acquire(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.Stream(ctx, method, params, clampTimeout(timeout), progress)
}

// StreamWithSink is Stream with a chunk sink registered on the same session
// for the duration of the RPC, keyed by streamID. Binding both to one
// acquire means a replacement session cannot receive the RPC while the sink
// sits on its predecessor.
func (h *Hub) StreamWithSink(ctx context.Context, agentID, method string, params any, timeout time.Duration, progress chan<- wire.Progress, streamID string, sink ChunkSink) (json.RawMessage, error) {
	s, release, err := h.acquire(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.OpenChunkStream(streamID, sink); err != nil {
		return nil, err
	}
	defer s.CloseChunkStream(streamID)

	return s.Stream(ctx, method, params, clampTimeout(timeout), progress)
}

// acquire resolves the session and takes an inflight slot.
func (h *Hub) acquire(ctx context.Context, agentID string) (*Session, func(), error) {
	h.mu.RLock()
	s := h.sessions[agentID]
	sem := h.sems[agentID]
	h.mu.RUnlock()

	if s == nil {
		return nil, nil, faults.Newf(faults.AgentOffline, "agent %s has no live session", agentID)
	}
	if !s.Approved() {
		return nil, nil, faults.Newf(faults.AgentNotApproved, "agent %s is pending approval", agentID)
	}

	if sem == nil {
		h.mu.Lock()
		sem = h.sems[agentID]
		if sem == nil {
			sem = semaphore.NewWeighted(h.maxInflight)
			h.sems[agentID] = sem
		}
		h.mu.Unlock()
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, nil, faults.Wrap(err, faults.Cancelled, "waiting for inflight slot")
	}

	// The slot belongs to this session generation; if it died while we
	// waited, release and report offline rather than calling into a corpse.
	if cur, ok := h.Get(agentID); !ok || cur != s {
		sem.Release(1)
		return nil, nil, faults.Newf(faults.AgentOffline, "agent %s session closed", agentID)
	}

	return s, func() { sem.Release(1) }, nil
}

// Broadcast sends a fire-and-forget event to every session matching pred
// (nil matches all). Best-effort: write failures only log.
func (h *Hub) Broadcast(pred func(*Session) bool, ev wire.Event) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if pred == nil || pred(s) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.SendEvent(ev); err != nil {
			h.log.Debug("broadcast send failed",
				zap.String("agent_id", s.agentID),
				zap.String("event", ev.Name),
			)
		}
	}
}

// CloseAll shuts every session down, used on server shutdown (code 4005).
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(code, reason)
		metrics.AgentsConnected.Dec()
	}
}

// clampTimeout applies the default and the hard ceiling.
func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultCallTimeout
	}
	if d > MaxCallTimeout {
		return MaxCallTimeout
	}
	return d
}
