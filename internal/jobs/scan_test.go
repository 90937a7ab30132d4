package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// readScanRequest consumes the rpc.request frame and returns its envelope and
// decoded params.
func readScanRequest(t *testing.T, p *agentPeer) (wire.Envelope, wire.ScanParams) {
	t.Helper()
	env := p.read(t)
	require.Equal(t, wire.TypeRequest, env.Type)
	var req wire.Request
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	require.Equal(t, wire.MethodScan, req.Method)
	var params wire.ScanParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	return env, params
}

func (f *jobsFixture) awaitJob(t *testing.T, id uuid.UUID, status string) *db.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.jobs.GetByID(context.Background(), id)
		return err == nil && job.Status == status
	}, 10*time.Second, 10*time.Millisecond)
	job, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *jobsFixture) sessionsFor(t *testing.T, customerID uuid.UUID) []db.DiscoverySession {
	t.Helper()
	sessions, _, err := f.sessions.ListByCustomer(context.Background(), customerID, repositories.ListOptions{})
	require.NoError(t, err)
	return sessions
}

func TestScanJobEndToEnd(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "probe-a", f.customer.ID)
	peer := f.connectAgent(t, "probe-a")

	job, err := f.engine.StartScan(ctx, ScanRequest{
		CustomerID:  f.customer.ID,
		NetworkCIDR: "10.0.0.0/24",
		ScanType:    wire.ScanARP,
		ScanPorts:   []int{22, 443},
	})
	require.NoError(t, err)
	assert.Equal(t, db.JobScan, job.Kind)
	assert.Equal(t, db.JobStatusPending, job.Status)

	env, params := readScanRequest(t, peer)
	assert.Equal(t, "10.0.0.0/24", params.NetworkCIDR)
	assert.Equal(t, wire.ScanARP, params.ScanType)
	assert.Equal(t, []int{22, 443}, params.ScanPorts)

	peer.send(t, wire.TypeProgress, env.ID, wire.Progress{Stage: "arp", DevicesFound: 1})
	peer.send(t, wire.TypeResponse, env.ID, wire.ScanResult{Devices: []wire.DeviceRecord{
		{Address: "10.0.0.1", MAC: "aa:bb:cc:00:00:01", Hostname: "gw", Source: db.SourceARP},
		{Address: "10.0.0.9", Source: db.SourceARP},
	}})

	done := f.awaitJob(t, job.ID, db.JobStatusCompleted)
	assert.Equal(t, 2, done.DevicesSuccess)
	assert.Empty(t, done.Error)
	require.Len(t, done.Targets, 1)
	assert.Equal(t, "probe-a", done.Targets[0].AgentID)
	assert.Equal(t, db.JobStatusCompleted, done.Targets[0].Status)

	sessions := f.sessionsFor(t, f.customer.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, db.SessionCompleted, sessions[0].Status)
	assert.Equal(t, 2, sessions[0].FoundCount)
	require.NotNil(t, sessions[0].FinishedAt)

	devices, _, err := f.devices.ListByCustomer(ctx, f.customer.ID, repositories.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestScanJobAgentFailure(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "probe-a", f.customer.ID)
	peer := f.connectAgent(t, "probe-a")

	job, err := f.engine.StartScan(ctx, ScanRequest{CustomerID: f.customer.ID, ScanType: wire.ScanNmap})
	require.NoError(t, err)

	env, _ := readScanRequest(t, peer)
	peer.send(t, wire.TypeError, env.ID, wire.ErrorBody{
		Kind:    string(faults.VendorProtocol),
		Message: "nmap binary not present",
	})

	done := f.awaitJob(t, job.ID, db.JobStatusFailed)
	assert.Contains(t, done.Error, "probe-a")
	assert.Contains(t, done.Error, "nmap binary not present")
	require.Len(t, done.Targets, 1)
	assert.Equal(t, db.JobStatusFailed, done.Targets[0].Status)
	assert.Contains(t, done.Targets[0].Detail, "nmap binary not present")

	sessions := f.sessionsFor(t, f.customer.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, db.SessionFailed, sessions[0].Status)
	assert.Contains(t, sessions[0].Error, "nmap binary not present")
}

func TestScanJobAggregatesPartialOutcome(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "probe-a", f.customer.ID)
	f.seedAgent(t, "probe-b", f.customer.ID)
	peerA := f.connectAgent(t, "probe-a")
	peerB := f.connectAgent(t, "probe-b")

	job, err := f.engine.StartScan(ctx, ScanRequest{CustomerID: f.customer.ID, ScanType: wire.ScanPing})
	require.NoError(t, err)

	envA, _ := readScanRequest(t, peerA)
	peerA.send(t, wire.TypeResponse, envA.ID, wire.ScanResult{Devices: []wire.DeviceRecord{
		{Address: "10.0.0.4", Source: db.SourcePing},
	}})

	envB, _ := readScanRequest(t, peerB)
	peerB.send(t, wire.TypeError, envB.ID, wire.ErrorBody{
		Kind:    string(faults.VendorProtocol),
		Message: "interface down",
	})

	done := f.awaitJob(t, job.ID, db.JobStatusPartial)
	assert.Equal(t, 1, done.DevicesSuccess)
	assert.Contains(t, done.Error, "probe-b")
	require.Len(t, done.Targets, 2)

	byAgent := map[string]db.JobTarget{}
	for _, target := range done.Targets {
		byAgent[target.AgentID] = target
	}
	assert.Equal(t, db.JobStatusCompleted, byAgent["probe-a"].Status)
	assert.Equal(t, db.JobStatusFailed, byAgent["probe-b"].Status)
}

func TestScanJobCancel(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "probe-a", f.customer.ID)
	peer := f.connectAgent(t, "probe-a")

	job, err := f.engine.StartScan(ctx, ScanRequest{CustomerID: f.customer.ID, ScanType: wire.ScanAll})
	require.NoError(t, err)

	// The agent has the request but never answers.
	env, _ := readScanRequest(t, peer)

	cancelled, err := f.engine.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, cancelled.Status)

	// The in-flight RPC was told to stop.
	frame := peer.read(t)
	assert.Equal(t, wire.TypeCancel, frame.Type)
	assert.Equal(t, env.ID, frame.CorrelationID)

	sessions := f.sessionsFor(t, f.customer.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, db.SessionCancelled, sessions[0].Status)

	_, err = f.engine.Cancel(ctx, job.ID)
	require.Error(t, err)
}
