// Package wire defines the control-plane message envelope exchanged between
// the server and its agents over WebSocket text frames, plus the chunked
// binary stream used for artifacts too large for a single frame.
//
// Every message is a JSON object with a mandatory type and per-direction
// unique id. Responses and progress frames reference the originating request
// through correlation_id. The server assigns ids for server→agent messages,
// the agent for agent→server. Unknown types are ignored by both sides so new
// message kinds can be introduced without breaking older peers.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type identifies the kind of frame carried by an Envelope.
type Type string

const (
	// Handshake sequence: agent sends Hello, server answers with an
	// AuthChallenge, agent proves token possession with Auth, server closes
	// the exchange with AuthOK or AuthErr.
	TypeHello   Type = "hello"
	TypeAuth    Type = "auth"
	TypeAuthOK  Type = "auth_ok"
	TypeAuthErr Type = "auth_err"

	// Liveness. Heartbeat is agent→server and carries host stats; Ping/Pong
	// are symmetric application-level probes on top of the WebSocket
	// control frames.
	TypeHeartbeat Type = "heartbeat"
	TypePing      Type = "ping"
	TypePong      Type = "pong"

	// Registration and configuration pushes.
	TypeRegister Type = "register"
	TypeConfig   Type = "config"

	// Correlated RPC exchange. Progress frames may precede the terminal
	// Response or Error; Cancel references an outstanding request id.
	TypeRequest  Type = "rpc.request"
	TypeProgress Type = "rpc.progress"
	TypeResponse Type = "rpc.response"
	TypeError    Type = "rpc.error"
	TypeCancel   Type = "rpc.cancel"

	// Event is a fire-and-forget notification in either direction.
	TypeEvent Type = "event"

	// Chunk announces one segment of a binary artifact stream; the raw
	// bytes follow in the next WebSocket binary frame (see chunk.go).
	TypeChunk Type = "chunk"

	// Close announces a graceful shutdown of the session.
	TypeClose Type = "close"
)

// MaxMessageSize bounds a single text frame. Larger payloads (backup
// artifacts) must go through the chunk stream.
const MaxMessageSize = 4 << 20 // 4 MiB

// WebSocket close codes used by the server on the agent endpoint.
const (
	CloseHandshakeTimeout = 4001
	CloseAuthFailed       = 4002
	CloseRejected         = 4003
	CloseReplaced         = 4004
	CloseServerShutdown   = 4005
)

// Envelope is the frame shared by every control-plane message.
type Envelope struct {
	Type Type `json:"type"`

	// ID is unique per direction for the lifetime of a session.
	ID string `json:"id"`

	// CorrelationID is set on responses, progress frames, chunk frames and
	// cancels; it equals the ID of the originating request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload carries the type-specific body. Kept raw so the dispatcher
	// can route on Type without decoding bodies it does not handle.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewID returns a fresh frame id. UUIDv7 keeps ids time-ordered, which makes
// interleaved session logs readable.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than propagating an error through every send path.
		return uuid.NewString()
	}
	return id.String()
}

// Encode serializes an envelope to a single text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", env.Type, err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("wire: %s frame exceeds %d bytes", env.Type, MaxMessageSize)
	}
	return data, nil
}

// Decode parses a text frame and validates the mandatory fields. On a
// validation error the partially decoded envelope is returned alongside the
// error so the receiver can still answer with an rpc.error when the frame
// carried an id.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("wire: frame missing type")
	}
	if env.ID == "" {
		return env, fmt.Errorf("wire: %s frame missing id", env.Type)
	}
	return env, nil
}

// NewEnvelope builds an envelope with a fresh id and the payload marshalled
// in place. Payloads are small structs; a marshal failure is a programming
// error surfaced to the caller.
func NewEnvelope(t Type, correlationID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: NewID(), CorrelationID: correlationID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("wire: marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodePayload unmarshals the payload into dst with a typed error message.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("wire: %s frame has empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("wire: %s payload: %w", e.Type, err)
	}
	return nil
}
