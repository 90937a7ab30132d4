package wire

import (
	"encoding/json"
	"time"
)

// AgentKind tells the server how the agent is deployed. MikroTik container
// agents run with reduced capabilities (no nmap binary, no raw sockets).
type AgentKind string

const (
	AgentKindDocker            AgentKind = "docker"
	AgentKindMikroTikContainer AgentKind = "mikrotik-container"
)

// Hello is the first frame on every session. EnrollToken is only honoured
// when the claimed agent id is unknown to the server; it is the token the
// installer provisioned and is never sent again after enrollment.
type Hello struct {
	AgentID      string    `json:"agent_id"`
	Kind         AgentKind `json:"kind"`
	Version      string    `json:"version"`
	Address      string    `json:"address,omitempty"`
	Port         int       `json:"port,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	EnrollToken  string    `json:"enroll_token,omitempty"`
}

// AuthChallenge is the server's reply to Hello. The agent derives the
// challenge key with the named KDF over its token and the given salt, then
// answers with Auth. Nonce and Salt are raw bytes, base64 on the wire.
type AuthChallenge struct {
	Nonce []byte `json:"nonce"`
	Salt  []byte `json:"salt"`
	KDF   string `json:"kdf"`
}

// Auth carries the agent's proof: HMAC-SHA256 over the challenge nonce,
// keyed with the KDF-derived token hash.
type Auth struct {
	MAC []byte `json:"mac"`
}

// AuthOK completes the handshake and carries the session parameters the
// agent must honour.
type AuthOK struct {
	AgentStatus       string        `json:"agent_status"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ServerVersion     string        `json:"server_version"`
}

// ErrorBody is the payload of auth_err and rpc.error frames. Kind matches
// the server's categorical error kinds.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HostStats is the resource snapshot included in each heartbeat.
type HostStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	Uptime      uint64  `json:"uptime_seconds,omitempty"`
}

// Heartbeat is the periodic liveness frame.
type Heartbeat struct {
	Stats HostStats `json:"stats"`
}

// ConfigNetwork is one network definition pushed to an approved agent.
type ConfigNetwork struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	CIDR    string `json:"cidr"`
	Gateway string `json:"gateway,omitempty"`
	VLANID  int    `json:"vlan_id,omitempty"`
}

// Config is pushed by the server after approval, on token rotation, and
// whenever an approved agent reconnects. TokenRotation, when set, is the new
// token the agent must persist and present on its next connection.
type Config struct {
	CustomerCode      string          `json:"customer_code,omitempty"`
	Networks          []ConfigNetwork `json:"networks,omitempty"`
	HeartbeatInterval time.Duration   `json:"heartbeat_interval,omitempty"`
	TokenRotation     string          `json:"token_rotation,omitempty"`
}

// Request is the payload of an rpc.request frame.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPC methods the server may invoke on an agent.
const (
	MethodScan    = "agent.scan"
	MethodBackup  = "agent.backup"
	MethodCommand = "agent.command"
	MethodTest    = "agent.test"
)

// Progress is the payload of an rpc.progress frame. Fields are sparsely
// populated depending on the method: scans report per-device counters,
// backups report stages, commands report per-line echoes.
type Progress struct {
	Stage        string `json:"stage,omitempty"`
	Device       string `json:"device,omitempty"`
	OK           *bool  `json:"ok,omitempty"`
	Message      string `json:"message,omitempty"`
	DevicesFound int    `json:"devices_found,omitempty"`
}

// ScanType selects the probe technique. TypeAll runs every technique the
// agent's capabilities allow and merges the results.
type ScanType string

const (
	ScanARP  ScanType = "arp"
	ScanPing ScanType = "ping"
	ScanNmap ScanType = "nmap"
	ScanSNMP ScanType = "snmp"
	ScanAll  ScanType = "all"
)

// ScanParams is the body of an agent.scan request. When NetworkCIDR is empty
// the agent scans every network from its pushed Config.
type ScanParams struct {
	NetworkCIDR string   `json:"network_cidr,omitempty"`
	ScanType    ScanType `json:"scan_type"`
	ScanPorts   []int    `json:"scan_ports,omitempty"`
}

// DeviceRecord is a single discovered host as reported by the agent.
type DeviceRecord struct {
	Address   string `json:"address"`
	MAC       string `json:"mac,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Vendor    string `json:"vendor,omitempty"`
	Platform  string `json:"platform,omitempty"`
	OpenPorts []int  `json:"open_ports,omitempty"`
	Source    string `json:"source"`
}

// ScanResult is the terminal payload of a completed agent.scan.
type ScanResult struct {
	Devices []DeviceRecord `json:"devices"`
}

// DeviceKind selects the vendor adapter used for backups and commands.
type DeviceKind string

const (
	DeviceHPAruba  DeviceKind = "hp-aruba"
	DeviceMikroTik DeviceKind = "mikrotik"
)

// BackupKind selects which artifacts a backup produces.
type BackupKind string

const (
	BackupConfig BackupKind = "config"
	BackupBinary BackupKind = "binary"
	BackupBoth   BackupKind = "both"
)

// Credential is decrypted device credential material resolved by the server
// and embedded in the RPC payload. It must never be logged on either side.
type Credential struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Port     int    `json:"port,omitempty"`
}

// BackupParams is the body of an agent.backup request. RunID names the
// chunk stream the artifacts arrive on.
type BackupParams struct {
	RunID      string     `json:"run_id"`
	DeviceIP   string     `json:"device_ip"`
	DeviceKind DeviceKind `json:"device_kind"`
	BackupKind BackupKind `json:"backup_kind"`
	Credential Credential `json:"credential"`
}

// ArtifactInfo describes one artifact streamed back during a backup.
type ArtifactInfo struct {
	Kind   BackupKind `json:"kind"`
	Name   string     `json:"name"`
	Size   int64      `json:"size"`
	SHA256 string     `json:"sha256"`
}

// DeviceFacts is vendor metadata parsed from the device during a backup.
type DeviceFacts struct {
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// BackupResult is the terminal payload of a completed agent.backup.
type BackupResult struct {
	Artifacts []ArtifactInfo `json:"artifacts"`
	Facts     DeviceFacts    `json:"facts"`
}

// CommandParams is the body of an agent.command request. Commands run in
// order over a single device session; execution stops on the first failure.
//
// BackupBefore is never set by the server: pre-change snapshots happen
// server-side and the flag is stripped before dispatch. Agents refuse any
// request that still carries it.
type CommandParams struct {
	DeviceIP     string     `json:"device_ip"`
	DeviceKind   DeviceKind `json:"device_kind"`
	Commands     []string   `json:"commands"`
	Credential   Credential `json:"credential"`
	BackupBefore bool       `json:"backup_before,omitempty"`
}

// CommandResult is the terminal payload of a completed agent.command.
type CommandResult struct {
	Output string `json:"output"`
}

// TestResult answers agent.test; latency is measured by the caller.
type TestResult struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

// Event is the payload of fire-and-forget event frames.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Close is the payload of a graceful close frame.
type Close struct {
	Reason string `json:"reason,omitempty"`
}
