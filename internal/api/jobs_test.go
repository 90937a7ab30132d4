package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// seedJob inserts a job row, optionally with per-agent targets.
func (f *apiFixture) seedJob(t *testing.T, customer *db.Customer, status string, agents ...string) *db.Job {
	t.Helper()
	ctx := context.Background()
	job := &db.Job{
		Kind:       db.JobScan,
		CustomerID: &customer.ID,
		Status:     status,
	}
	if status != db.JobStatusPending {
		started := time.Now().UTC().Add(-time.Minute)
		job.StartedAt = &started
	}
	require.NoError(t, f.jobs.Create(ctx, job))
	for _, agentID := range agents {
		require.NoError(t, f.jobs.CreateTarget(ctx, &db.JobTarget{
			JobID:   job.ID,
			AgentID: agentID,
			Status:  db.JobStatusPending,
		}))
	}
	return job
}

func TestJobListAndGet(t *testing.T) {
	f := newAPIFixture(t)
	customer := f.seedCustomer(t, "acme")
	job := f.seedJob(t, customer, db.JobStatusRunning, "edge-01", "edge-02")
	f.seedJob(t, customer, db.JobStatusCompleted)

	t.Run("list", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/jobs", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var items []jobResponse
		total := decodeList(t, resp, &items)
		assert.Equal(t, int64(2), total)
		assert.Len(t, items, 2)
	})

	t.Run("get with targets", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got jobResponse
		decodeData(t, resp, &got)
		assert.Equal(t, job.ID.String(), got.ID)
		assert.Equal(t, db.JobScan, got.Kind)
		assert.Equal(t, db.JobStatusRunning, got.Status)
		require.NotNil(t, got.CustomerID)
		assert.Equal(t, customer.ID.String(), *got.CustomerID)
		assert.NotNil(t, got.StartedAt)
		require.Len(t, got.Targets, 2)
		assert.Equal(t, "edge-01", got.Targets[0].AgentID)
		assert.Equal(t, "edge-02", got.Targets[1].AgentID)
	})

	t.Run("malformed id", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/jobs/nope", nil)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "id must be a valid UUID", decodeError(t, resp).Message)
	})

	t.Run("unknown id", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "job not found", decodeError(t, resp).Message)
	})
}

func TestJobCancel(t *testing.T) {
	f := newAPIFixture(t)
	customer := f.seedCustomer(t, "acme")

	t.Run("pending job is cancelled", func(t *testing.T) {
		job := f.seedJob(t, customer, db.JobStatusPending)
		resp := f.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID.String(), nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		got, err := f.jobs.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, db.JobStatusCancelled, got.Status)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("terminal job conflicts", func(t *testing.T) {
		job := f.seedJob(t, customer, db.JobStatusCompleted)
		resp := f.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID.String(), nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		body := decodeError(t, resp)
		assert.Equal(t, "conflict", body.Kind)
		assert.Equal(t, "job is already completed", body.Message)
	})

	t.Run("unknown job", func(t *testing.T) {
		resp := f.do(t, http.MethodDelete, "/api/v1/jobs/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
