package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/metrics"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// writeWait bounds a single wire write; a peer that cannot accept a frame
// within this window is treated as dead.
const writeWait = 10 * time.Second

// outboundBuffer is the per-session send queue. Senders block when it fills,
// which is the backpressure the inflight semaphore relies on.
const outboundBuffer = 64

// FrameHandler receives the uncorrelated frames a session cannot resolve on
// its own: heartbeats and fire-and-forget events. Implementations must not
// block; the session's read loop delivers them inline.
type FrameHandler interface {
	HandleHeartbeat(agentID string, hb wire.Heartbeat)
	HandleEvent(agentID string, ev wire.Event)
}

// ChunkSink consumes one inbound chunk stream (a backup artifact transfer).
// Chunk is called once per accepted segment in seq order, including the
// terminal EOF segment. CloseWithError is called instead when the stream
// breaks: ordering violation, oversized segment, or session teardown.
type ChunkSink interface {
	Chunk(meta wire.ChunkMeta, data []byte) error
	CloseWithError(err error)
}

// outFrame is one queued write: a text envelope, optionally followed by the
// raw binary frame of a chunk segment. The pair is written back-to-back so a
// chunk's bytes always directly follow its announcement.
type outFrame struct {
	env    wire.Envelope
	binary []byte
}

// callResult resolves one pending RPC.
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is the one-shot waiter installed for each outstanding request.
type pendingCall struct {
	method   string
	done     chan callResult
	progress chan<- wire.Progress
}

// chunkStream pairs an open sink with its ordering validator.
type chunkStream struct {
	assembler wire.ChunkAssembler
	sink      ChunkSink
}

// Session is one authenticated agent connection. It owns the socket after
// the handshake: a read loop dispatches inbound frames, a single write pump
// drains the outbound queue, and an application-level ping every heartbeat
// interval keeps liveness honest (the read deadline is twice the interval,
// so any frame from the agent counts as proof of life).
//
// Sessions are never reused: a new connection is a new Session, and the Hub
// replaces the old one (last-connect-wins).
type Session struct {
	agentID string
	kind    wire.AgentKind
	version string

	conn      *websocket.Conn
	heartbeat time.Duration
	handler   FrameHandler
	log       *zap.Logger

	// approved gates operator RPCs: pending agents keep their session (so
	// config pushes and approval can reach them) but Call/Stream refuse.
	approved atomic.Bool

	outbound chan outFrame

	mu       sync.Mutex
	calls    map[string]*pendingCall
	sinks    map[string]*chunkStream
	closed   bool
	closeErr error

	// done is closed once teardown ran; senders select on it so nothing
	// blocks on a dead session's queue.
	done chan struct{}

	startedAt time.Time
}

// NewSession wraps an already-authenticated connection. approved reflects
// the agent row's state at handshake time; the agents service flips it when
// the operator approves a pending agent mid-session.
func NewSession(conn *websocket.Conn, agentID string, kind wire.AgentKind, version string, heartbeat time.Duration, approved bool, handler FrameHandler, log *zap.Logger) *Session {
	s := &Session{
		agentID:   agentID,
		kind:      kind,
		version:   version,
		conn:      conn,
		heartbeat: heartbeat,
		handler:   handler,
		log:       log.With(zap.String("agent_id", agentID)),
		outbound:  make(chan outFrame, outboundBuffer),
		calls:     make(map[string]*pendingCall),
		sinks:     make(map[string]*chunkStream),
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
	s.approved.Store(approved)
	return s
}

// AgentID returns the authenticated agent identity.
func (s *Session) AgentID() string { return s.agentID }

// Kind returns the agent deployment kind claimed in hello.
func (s *Session) Kind() wire.AgentKind { return s.kind }

// Version returns the agent version claimed in hello.
func (s *Session) Version() string { return s.version }

// StartedAt returns when the session entered the running state.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Approved reports whether operator RPCs may be routed to this session.
func (s *Session) Approved() bool { return s.approved.Load() }

// SetApproved flips the RPC gate, typically after an operator approval
// while the pending session is still connected.
func (s *Session) SetApproved(v bool) { s.approved.Store(v) }

// Err returns the teardown cause once the session has closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until the connection dies, the peer closes, or ctx
// is cancelled. It blocks; the caller owns the surrounding lifecycle (DB
// status flips, hub registration).
func (s *Session) Run(ctx context.Context) {
	go s.writePump()

	// Local shutdown (server stop) must also end the read loop; the read
	// deadline alone would take up to 2×heartbeat to notice.
	stop := context.AfterFunc(ctx, func() {
		s.Close(wire.CloseServerShutdown, "server shutting down")
	})
	defer stop()

	s.readLoop()
}

// readLoop is the sole reader on the connection. Every received frame
// refreshes the liveness deadline.
func (s *Session) readLoop() {
	defer s.teardown(websocket.CloseAbnormalClosure, "", nil)

	s.conn.SetReadLimit(wire.MaxMessageSize)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat)); err != nil {
			s.teardown(websocket.CloseAbnormalClosure, "", faults.Wrap(err, faults.TransportClosed, "session read deadline"))
			return
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.teardown(websocket.CloseAbnormalClosure, "", faults.Wrap(err, faults.TransportClosed, "session read"))
			return
		}

		if msgType == websocket.BinaryMessage {
			// Binary frames are only valid directly after a chunk
			// announcement, where readChunkData consumes them.
			s.log.Debug("dropping unexpected binary frame", zap.Int("size", len(data)))
			continue
		}

		env, err := wire.Decode(data)
		if err != nil {
			if env.ID != "" {
				s.replyError(env.ID, faults.New(faults.Validation, "malformed frame"))
			}
			s.log.Debug("malformed frame", zap.Error(err))
			continue
		}

		s.dispatch(env)
	}
}

// dispatch routes one decoded inbound frame.
func (s *Session) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypePing:
		// Application-level ping from the agent; answer in kind.
		pong := wire.Envelope{Type: wire.TypePong, ID: wire.NewID(), CorrelationID: env.ID}
		_ = s.send(pong, nil)

	case wire.TypePong:
		// Liveness already refreshed by the read itself.

	case wire.TypeHeartbeat:
		var hb wire.Heartbeat
		if err := env.DecodePayload(&hb); err != nil {
			s.log.Debug("bad heartbeat payload", zap.Error(err))
			return
		}
		if s.handler != nil {
			s.handler.HandleHeartbeat(s.agentID, hb)
		}

	case wire.TypeProgress:
		s.deliverProgress(env)

	case wire.TypeResponse:
		s.resolve(env.CorrelationID, callResult{payload: env.Payload})

	case wire.TypeError:
		var body wire.ErrorBody
		if err := env.DecodePayload(&body); err != nil {
			body = wire.ErrorBody{Kind: string(faults.Internal), Message: "unparseable agent error"}
		}
		s.resolve(env.CorrelationID, callResult{err: faults.New(faults.Kind(body.Kind), body.Message)})

	case wire.TypeChunk:
		s.handleChunk(env)

	case wire.TypeEvent:
		var ev wire.Event
		if err := env.DecodePayload(&ev); err != nil {
			s.log.Debug("bad event payload", zap.Error(err))
			return
		}
		if s.handler != nil {
			s.handler.HandleEvent(s.agentID, ev)
		}

	case wire.TypeClose:
		var body wire.Close
		_ = env.DecodePayload(&body)
		s.teardown(websocket.CloseNormalClosure, "", faults.Newf(faults.TransportClosed, "agent closed session: %s", body.Reason))

	default:
		// Forward compatibility: unknown types are logged and ignored.
		s.log.Debug("ignoring unknown frame type", zap.String("type", string(env.Type)))
	}
}

// deliverProgress forwards an rpc.progress frame to the waiter's progress
// channel. Frames for unknown or progress-less requests are dropped; a full
// channel also drops (progress is advisory, the terminal frame is not).
func (s *Session) deliverProgress(env wire.Envelope) {
	s.mu.Lock()
	pc := s.calls[env.CorrelationID]
	s.mu.Unlock()

	if pc == nil || pc.progress == nil {
		return
	}

	var p wire.Progress
	if err := env.DecodePayload(&p); err != nil {
		s.log.Debug("bad progress payload", zap.Error(err))
		return
	}

	select {
	case pc.progress <- p:
	default:
		s.log.Debug("progress dropped, consumer slow", zap.String("request_id", env.CorrelationID))
	}
}

// handleChunk validates one chunk announcement, reads its binary frame when
// present, and hands the segment to the registered sink.
func (s *Session) handleChunk(env wire.Envelope) {
	var meta wire.ChunkMeta
	if err := env.DecodePayload(&meta); err != nil {
		s.log.Debug("bad chunk meta", zap.Error(err))
		return
	}

	var data []byte
	if meta.Size > 0 {
		var err error
		data, err = s.readChunkData(meta.Size)
		if err != nil {
			s.teardown(websocket.CloseAbnormalClosure, "", faults.Wrap(err, faults.TransportClosed, "chunk stream read"))
			return
		}
		if data == nil {
			// Announced bytes never arrived as a binary frame; the
			// stream is unrecoverable but the session may live on.
			s.failChunkStream(env.CorrelationID, faults.New(faults.Validation, "chunk binary frame missing"))
			return
		}
	}

	s.mu.Lock()
	stream := s.sinks[env.CorrelationID]
	s.mu.Unlock()

	if stream == nil {
		s.log.Debug("chunk for unknown stream", zap.String("stream_id", env.CorrelationID), zap.Int("seq", meta.Seq))
		return
	}

	if err := stream.assembler.Accept(meta); err != nil {
		s.failChunkStream(env.CorrelationID, err)
		return
	}

	if err := stream.sink.Chunk(meta, data); err != nil {
		s.failChunkStream(env.CorrelationID, err)
		return
	}

	if meta.EOF {
		s.mu.Lock()
		delete(s.sinks, env.CorrelationID)
		s.mu.Unlock()
	}
}

// readChunkData consumes the binary frame that must directly follow a chunk
// announcement. Returns (nil, nil) when the peer sent something else, which
// fails the stream but not the session.
func (s *Session) readChunkData(size int) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat)); err != nil {
		return nil, err
	}
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage || len(data) != size {
		s.log.Warn("chunk binary frame mismatch",
			zap.Int("want_size", size),
			zap.Int("got_size", len(data)),
			zap.Int("message_type", msgType),
		)
		return nil, nil
	}
	return data, nil
}

// failChunkStream tears down one stream, leaving the session intact.
func (s *Session) failChunkStream(id string, cause error) {
	s.mu.Lock()
	stream := s.sinks[id]
	delete(s.sinks, id)
	s.mu.Unlock()

	if stream != nil {
		stream.sink.CloseWithError(cause)
	}
}

// OpenChunkStream registers sink to receive the inbound chunk stream named
// by id (the backup run id). Must be called before the RPC that triggers the
// transfer is issued.
func (s *Session) OpenChunkStream(id string, sink ChunkSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return faults.New(faults.TransportClosed, "session closed")
	}
	if _, exists := s.sinks[id]; exists {
		return faults.Newf(faults.Conflict, "chunk stream %s already open", id)
	}
	s.sinks[id] = &chunkStream{sink: sink}
	return nil
}

// CloseChunkStream abandons a stream the caller no longer wants (the owning
// RPC failed). Pending segments for it are dropped silently.
func (s *Session) CloseChunkStream(id string) {
	s.mu.Lock()
	delete(s.sinks, id)
	s.mu.Unlock()
}

// Call issues one RPC and blocks until the terminal response, an error, the
// timeout, or ctx cancellation. Cancellation and timeout send a best-effort
// rpc.cancel so the agent can stop working; the caller is released
// immediately either way.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.roundTrip(ctx, method, params, timeout, nil)
}

// Stream is Call with rpc.progress frames forwarded to progress until the
// terminal frame resolves the RPC. The channel is never closed by the
// session; the returned terminal result tells the caller to stop reading.
func (s *Session) Stream(ctx context.Context, method string, params any, timeout time.Duration, progress chan<- wire.Progress) (json.RawMessage, error) {
	return s.roundTrip(ctx, method, params, timeout, progress)
}

func (s *Session) roundTrip(ctx context.Context, method string, params any, timeout time.Duration, progress chan<- wire.Progress) (json.RawMessage, error) {
	env, err := wire.NewEnvelope(wire.TypeRequest, "", wire.Request{Method: method, Params: mustMarshal(params)})
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "encode request")
	}

	pc := &pendingCall{
		method:   method,
		done:     make(chan callResult, 1),
		progress: progress,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, faults.New(faults.TransportClosed, "session closed")
	}
	s.calls[env.ID] = pc
	s.mu.Unlock()

	metrics.RPCInflight.Inc()
	started := time.Now()
	defer func() {
		metrics.RPCInflight.Dec()
		metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	}()

	if err := s.send(env, nil); err != nil {
		s.dropCall(env.ID)
		metrics.RPCTotal.WithLabelValues(method, "transport_closed").Inc()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		outcome := "ok"
		if res.err != nil {
			outcome = string(faults.KindOf(res.err))
		}
		metrics.RPCTotal.WithLabelValues(method, outcome).Inc()
		return res.payload, res.err

	case <-ctx.Done():
		s.dropCall(env.ID)
		s.sendCancel(env.ID)
		metrics.RPCTotal.WithLabelValues(method, "cancelled").Inc()
		return nil, faults.Wrap(ctx.Err(), faults.Cancelled, method+" cancelled")

	case <-timer.C:
		s.dropCall(env.ID)
		s.sendCancel(env.ID)
		metrics.RPCTotal.WithLabelValues(method, "timeout").Inc()
		return nil, faults.Newf(faults.Timeout, "%s timed out after %s", method, timeout)
	}
}

// resolve completes the waiter for a terminal frame. Late frames (the waiter
// already timed out) are logged at debug and discarded.
func (s *Session) resolve(requestID string, res callResult) {
	s.mu.Lock()
	pc := s.calls[requestID]
	delete(s.calls, requestID)
	s.mu.Unlock()

	if pc == nil {
		s.log.Debug("late response discarded", zap.String("request_id", requestID))
		return
	}
	pc.done <- res
}

func (s *Session) dropCall(requestID string) {
	s.mu.Lock()
	delete(s.calls, requestID)
	s.mu.Unlock()
}

// sendCancel tells the agent to stop work on a request. Best-effort: the
// server does not block on acknowledgement.
func (s *Session) sendCancel(requestID string) {
	env := wire.Envelope{Type: wire.TypeCancel, ID: wire.NewID(), CorrelationID: requestID}
	_ = s.send(env, nil)
}

// replyError answers a malformed inbound frame.
func (s *Session) replyError(correlationID string, fault *faults.Fault) {
	env, err := wire.NewEnvelope(wire.TypeError, correlationID, wire.ErrorBody{
		Kind:    string(fault.Kind),
		Message: fault.Message,
	})
	if err != nil {
		return
	}
	_ = s.send(env, nil)
}

// SendConfig pushes a config frame (approval, token rotation, reconnect).
func (s *Session) SendConfig(cfg wire.Config) error {
	env, err := wire.NewEnvelope(wire.TypeConfig, "", cfg)
	if err != nil {
		return faults.Wrap(err, faults.Internal, "encode config")
	}
	return s.send(env, nil)
}

// SendEvent pushes a fire-and-forget event frame.
func (s *Session) SendEvent(ev wire.Event) error {
	env, err := wire.NewEnvelope(wire.TypeEvent, "", ev)
	if err != nil {
		return faults.Wrap(err, faults.Internal, "encode event")
	}
	return s.send(env, nil)
}

// send queues one frame for the write pump. Blocks when the queue is full;
// returns transport_closed once the session is dead so no sender hangs.
func (s *Session) send(env wire.Envelope, binary []byte) error {
	select {
	case s.outbound <- outFrame{env: env, binary: binary}:
		return nil
	case <-s.done:
		return faults.New(faults.TransportClosed, "session closed")
	}
}

// writePump is the sole writer on the connection. It also emits the
// application-level ping every heartbeat interval.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.outbound:
			if err := s.writeFrame(f); err != nil {
				s.teardown(websocket.CloseAbnormalClosure, "", faults.Wrap(err, faults.TransportClosed, "session write"))
				return
			}

		case <-ticker.C:
			ping := wire.Envelope{Type: wire.TypePing, ID: wire.NewID()}
			if err := s.writeFrame(outFrame{env: ping}); err != nil {
				s.teardown(websocket.CloseAbnormalClosure, "", faults.Wrap(err, faults.TransportClosed, "session ping"))
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *Session) writeFrame(f outFrame) error {
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

// Close shuts the session down with the given WebSocket close code. Safe to
// call from any goroutine, any number of times.
func (s *Session) Close(code int, reason string) {
	s.teardown(code, reason, faults.Newf(faults.TransportClosed, "session closed: %s", reason))
}

// CloseReplaced is the last-connect-wins shutdown used by the Hub: waiters
// of the dying session resolve with transport_closed, the peer sees 4004.
func (s *Session) CloseReplaced() {
	s.teardown(wire.CloseReplaced, "replaced by newer session",
		faults.New(faults.ReplacedByNewerSession, "replaced by newer session"))
}

// teardown runs exactly once: it marks the session closed, notifies the
// peer, drains every pending call with transport_closed (or the specific
// cause), fails open chunk streams, and closes the socket.
func (s *Session) teardown(code int, reason string, cause error) {
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

	calls := s.calls
	s.calls = make(map[string]*pendingCall)
	sinks := s.sinks
	s.sinks = make(map[string]*chunkStream)
	s.mu.Unlock()

	// WriteControl is safe concurrently with the write pump.
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.conn.Close()

	close(s.done)

	// In-flight RPCs always resolve with transport_closed, replacement
	// included; the replacement kind is only the session's own cause.
	waiterErr := faults.Wrap(cause, faults.TransportClosed, "session closed with request in flight")
	for id, pc := range calls {
		s.log.Debug("failing pending call on teardown",
			zap.String("request_id", id),
			zap.String("method", pc.method),
		)
		pc.done <- callResult{err: waiterErr}
	}
	for _, stream := range sinks {
		stream.sink.CloseWithError(waiterErr)
	}
}

// mustMarshal encodes RPC params. Params are plain structs defined in the
// wire package; a failure here is a programming error and encodes to null.
func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
