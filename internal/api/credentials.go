package api

import (
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
)

// credentialKinds is the closed set accepted on create.
var credentialKinds = map[string]bool{
	db.CredentialSSH:      true,
	db.CredentialSNMP:     true,
	db.CredentialMikroTik: true,
	db.CredentialWMI:      true,
	db.CredentialAPI:      true,
	db.CredentialDevice:   true,
}

// CredentialHandler groups credential HTTP handlers. Responses never include
// secret material: the secret is write-only through this surface.
type CredentialHandler struct {
	credentials repositories.CredentialRepository
	customers   repositories.CustomerRepository
	logger      *zap.Logger
}

// NewCredentialHandler creates a new CredentialHandler.
func NewCredentialHandler(credentials repositories.CredentialRepository, customers repositories.CustomerRepository, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{
		credentials: credentials,
		customers:   customers,
		logger:      logger.Named("credential_handler"),
	}
}

// credentialResponse is the redacted JSON view of a credential.
type credentialResponse struct {
	ID           string  `json:"id"`
	Scope        string  `json:"scope"`
	CustomerID   *string `json:"customer_id,omitempty"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Username     string  `json:"username"`
	Secret       string  `json:"secret"` // always "REDACTED"
	Port         int     `json:"port"`
	DeviceFilter string  `json:"device_filter,omitempty"`
	IsDefault    bool    `json:"is_default"`
	Active       bool    `json:"active"`
	CreatedAt    string  `json:"created_at"`
}

func credentialToResponse(c *db.Credential) credentialResponse {
	resp := credentialResponse{
		ID:           c.ID.String(),
		Scope:        c.Scope,
		Name:         c.Name,
		Kind:         c.Kind,
		Username:     c.Username,
		Secret:       "REDACTED",
		Port:         c.Port,
		DeviceFilter: c.DeviceFilter,
		IsDefault:    c.IsDefault,
		Active:       c.Active,
		CreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.CustomerID != nil {
		s := c.CustomerID.String()
		resp.CustomerID = &s
	}
	return resp
}

// createCredentialRequest is the body of POST /api/v1/credentials.
type createCredentialRequest struct {
	Scope        string `json:"scope"`
	CustomerID   string `json:"customer_id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Username     string `json:"username"`
	Secret       string `json:"secret"`
	Port         int    `json:"port"`
	DeviceFilter string `json:"device_filter"`
	IsDefault    bool   `json:"is_default"`
}

// Create handles POST /api/v1/credentials.
func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		FailKind(w, faults.Validation, "name is required")
		return
	}
	if !credentialKinds[req.Kind] {
		FailKind(w, faults.Validation, "kind must be one of ssh, snmp, mikrotik, wmi, api, device")
		return
	}
	if req.Secret == "" {
		FailKind(w, faults.Validation, "secret is required")
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		FailKind(w, faults.Validation, "port must be between 0 and 65535")
		return
	}
	if req.DeviceFilter != "" {
		if _, err := path.Match(req.DeviceFilter, "probe"); err != nil {
			FailKind(w, faults.Validation, "device_filter is not a valid glob pattern")
			return
		}
	}

	credential := &db.Credential{
		Name:         req.Name,
		Kind:         req.Kind,
		Username:     req.Username,
		Secret:       db.EncryptedString(req.Secret),
		Port:         req.Port,
		DeviceFilter: req.DeviceFilter,
		IsDefault:    req.IsDefault,
		Active:       true,
	}

	switch req.Scope {
	case db.CredentialScopeGlobal:
		credential.Scope = db.CredentialScopeGlobal
	case db.CredentialScopeCustomer, "":
		credential.Scope = db.CredentialScopeCustomer
		customerID, err := uuid.Parse(req.CustomerID)
		if err != nil {
			FailKind(w, faults.Validation, "customer scope requires a valid customer_id")
			return
		}
		if _, err := h.customers.GetByID(r.Context(), customerID); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				FailKind(w, faults.NotFound, "customer not found")
				return
			}
			h.logger.Error("failed to get customer", zap.Error(err))
			Fail(w, err)
			return
		}
		credential.CustomerID = &customerID
	default:
		FailKind(w, faults.Validation, "scope must be global or customer")
		return
	}

	if err := h.credentials.Create(r.Context(), credential); err != nil {
		h.logger.Error("failed to create credential", zap.Error(err))
		Fail(w, err)
		return
	}

	Created(w, credentialToResponse(credential))
}

// List handles GET /api/v1/credentials?customer=. Without the customer
// filter every credential is returned (redacted); with it, only that
// customer's scoped credentials.
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	customerID, present, ok := queryUUID(w, r, "customer")
	if !ok {
		return
	}

	var (
		credentials []db.Credential
		total       int64
		err         error
	)
	if present {
		credentials, err = h.credentials.ListByCustomer(r.Context(), customerID)
		total = int64(len(credentials))
	} else {
		credentials, total, err = h.credentials.List(r.Context(), paginationOpts(r))
	}
	if err != nil {
		h.logger.Error("failed to list credentials", zap.Error(err))
		Fail(w, err)
		return
	}

	items := make([]credentialResponse, len(credentials))
	for i := range credentials {
		items[i] = credentialToResponse(&credentials[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// Delete handles DELETE /api/v1/credentials/{id}.
func (h *CredentialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.credentials.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "credential not found")
			return
		}
		h.logger.Error("failed to delete credential", zap.Error(err))
		Fail(w, err)
		return
	}
	NoContent(w)
}
