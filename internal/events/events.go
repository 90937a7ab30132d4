// Package events implements the operator-facing pub/sub hub that pushes
// server events to connected WebSocket clients. The REST layer upgrades
// ticket-authenticated connections and hands them here; the job engine,
// discovery ingest, backup engine, and agent service publish.
//
// Topic naming convention:
//
//	job:<uuid>       — progress and status updates for one job
//	agent:<id>       — online/offline transitions and heartbeat samples
//	customer:<uuid>  — device upserts and backup outcomes for one customer
package events

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (pending → running → completed | partial | failed | cancelled).
	MsgJobStatus MessageType = "job.status"

	// MsgJobProgress mirrors one rpc.progress frame from an agent.
	MsgJobProgress MessageType = "job.progress"

	// MsgAgentStatus is sent on agent connect, approve, disconnect.
	MsgAgentStatus MessageType = "agent.status"

	// MsgAgentMetrics carries the host resource sample from a heartbeat,
	// published on "agent:<id>" so detail views update without polling.
	MsgAgentMetrics MessageType = "agent.metrics"

	// MsgDeviceUpserted is sent for every device created or changed by
	// discovery ingest, on the owning customer's topic.
	MsgDeviceUpserted MessageType = "device.upserted"

	// MsgBackupStatus is sent when a backup run starts and when it reaches
	// a terminal state.
	MsgBackupStatus MessageType = "backup.status"
)

// Message is the envelope for every frame pushed to operator clients.
//
//	{"type":"job.status","topic":"job:018f...","payload":{"status":"running"}}
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}
