package api

import (
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialCreate(t *testing.T) {
	f := newAPIFixture(t)
	customer := f.seedCustomer(t, "acme")

	t.Run("global scope", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/v1/credentials", map[string]any{
			"scope":    "global",
			"name":     "fallback-ssh",
			"kind":     "ssh",
			"username": "netops",
			"secret":   "hunter2",
			"port":     22,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var got credentialResponse
		decodeData(t, resp, &got)
		assert.Equal(t, "global", got.Scope)
		assert.Nil(t, got.CustomerID)
		assert.Equal(t, "REDACTED", got.Secret)
		assert.True(t, got.Active)
	})

	t.Run("scope defaults to customer", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/v1/credentials", map[string]any{
			"customer_id":   customer.ID.String(),
			"name":          "core-switches",
			"kind":          "ssh",
			"secret":        "s3cr3t",
			"device_filter": "10.0.0.*",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var got credentialResponse
		decodeData(t, resp, &got)
		assert.Equal(t, "customer", got.Scope)
		require.NotNil(t, got.CustomerID)
		assert.Equal(t, customer.ID.String(), *got.CustomerID)
		assert.Equal(t, "10.0.0.*", got.DeviceFilter)
	})

	t.Run("secret never echoes back", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/v1/credentials", map[string]any{
			"scope": "global", "name": "snmp-ro", "kind": "snmp", "secret": "c0mmun1ty-str1ng",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "c0mmun1ty-str1ng")
	})

	invalid := []struct {
		name    string
		body    map[string]any
		status  int
		message string
	}{
		{
			name:    "unknown kind",
			body:    map[string]any{"scope": "global", "name": "x", "kind": "telnet", "secret": "s"},
			status:  http.StatusUnprocessableEntity,
			message: "kind must be one of ssh, snmp, mikrotik, wmi, api, device",
		},
		{
			name:    "missing secret",
			body:    map[string]any{"scope": "global", "name": "x", "kind": "ssh"},
			status:  http.StatusUnprocessableEntity,
			message: "secret is required",
		},
		{
			name:    "missing name",
			body:    map[string]any{"scope": "global", "kind": "ssh", "secret": "s"},
			status:  http.StatusUnprocessableEntity,
			message: "name is required",
		},
		{
			name:    "port out of range",
			body:    map[string]any{"scope": "global", "name": "x", "kind": "ssh", "secret": "s", "port": 70000},
			status:  http.StatusUnprocessableEntity,
			message: "port must be between 0 and 65535",
		},
		{
			name:    "broken device filter",
			body:    map[string]any{"scope": "global", "name": "x", "kind": "ssh", "secret": "s", "device_filter": "["},
			status:  http.StatusUnprocessableEntity,
			message: "device_filter is not a valid glob pattern",
		},
		{
			name:    "customer scope without customer_id",
			body:    map[string]any{"name": "x", "kind": "ssh", "secret": "s"},
			status:  http.StatusUnprocessableEntity,
			message: "customer scope requires a valid customer_id",
		},
		{
			name:    "unknown scope",
			body:    map[string]any{"scope": "planetary", "name": "x", "kind": "ssh", "secret": "s"},
			status:  http.StatusUnprocessableEntity,
			message: "scope must be global or customer",
		},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/credentials", tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, decodeError(t, resp).Message)
		})
	}

	t.Run("unknown customer", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/v1/credentials", map[string]any{
			"customer_id": uuid.NewString(), "name": "x", "kind": "ssh", "secret": "s",
		})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "customer not found", decodeError(t, resp).Message)
	})
}

func TestCredentialListAndDelete(t *testing.T) {
	f := newAPIFixture(t)
	customer := f.seedCustomer(t, "acme")
	other := f.seedCustomer(t, "globex")

	create := func(body map[string]any) credentialResponse {
		t.Helper()
		resp := f.do(t, http.MethodPost, "/api/v1/credentials", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var got credentialResponse
		decodeData(t, resp, &got)
		return got
	}

	scoped := create(map[string]any{"customer_id": customer.ID.String(), "name": "acme-ssh", "kind": "ssh", "secret": "a"})
	create(map[string]any{"customer_id": other.ID.String(), "name": "globex-ssh", "kind": "ssh", "secret": "b"})
	create(map[string]any{"scope": "global", "name": "fallback", "kind": "ssh", "secret": "c"})

	t.Run("list all redacts every secret", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/credentials", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var items []credentialResponse
		total := decodeList(t, resp, &items)
		assert.Equal(t, int64(3), total)
		for _, c := range items {
			assert.Equal(t, "REDACTED", c.Secret, c.Name)
		}
	})

	t.Run("list filtered by customer", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/credentials?customer="+customer.ID.String(), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var items []credentialResponse
		decodeList(t, resp, &items)
		require.Len(t, items, 1)
		assert.Equal(t, "acme-ssh", items[0].Name)
	})

	t.Run("malformed customer filter", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/credentials?customer=garbage", nil)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "customer must be a valid UUID", decodeError(t, resp).Message)
	})

	t.Run("delete", func(t *testing.T) {
		resp := f.do(t, http.MethodDelete, "/api/v1/credentials/"+scoped.ID, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = f.do(t, http.MethodDelete, "/api/v1/credentials/"+scoped.ID, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
