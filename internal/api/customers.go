package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
)

// CustomerHandler groups customer and network HTTP handlers.
type CustomerHandler struct {
	customers repositories.CustomerRepository
	networks  repositories.NetworkRepository
	logger    *zap.Logger
}

// NewCustomerHandler creates a new CustomerHandler.
func NewCustomerHandler(customers repositories.CustomerRepository, networks repositories.NetworkRepository, logger *zap.Logger) *CustomerHandler {
	return &CustomerHandler{
		customers: customers,
		networks:  networks,
		logger:    logger.Named("customer_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type customerResponse struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func customerToResponse(c *db.Customer) customerResponse {
	return customerResponse{
		ID:        c.ID.String(),
		Code:      c.Code,
		Name:      c.Name,
		Active:    c.Active,
		Notes:     c.Notes,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type listCustomersResponse struct {
	Items []customerResponse `json:"items"`
	Total int64              `json:"total"`
}

type networkResponse struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	CIDR       string `json:"cidr"`
	Gateway    string `json:"gateway,omitempty"`
	VLANID     int    `json:"vlan_id"`
	CreatedAt  string `json:"created_at"`
}

func networkToResponse(n *db.Network) networkResponse {
	return networkResponse{
		ID:         n.ID.String(),
		CustomerID: n.CustomerID.String(),
		Name:       n.Name,
		Type:       n.Type,
		CIDR:       n.CIDR,
		Gateway:    n.Gateway,
		VLANID:     n.VLANID,
		CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// -----------------------------------------------------------------------------
// Customer handlers
// -----------------------------------------------------------------------------

// createCustomerRequest is the body of POST /api/v1/customers.
type createCustomerRequest struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

// Create handles POST /api/v1/customers.
func (h *CustomerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Code = strings.ToLower(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		FailKind(w, faults.Validation, "code and name are required")
		return
	}
	if !validCustomerCode(req.Code) {
		FailKind(w, faults.Validation, "code may only contain lowercase letters, digits and hyphens")
		return
	}

	customer := &db.Customer{Code: req.Code, Name: req.Name, Notes: req.Notes, Active: true}
	if err := h.customers.Create(r.Context(), customer); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			FailKind(w, faults.Conflict, "a customer with this code already exists")
			return
		}
		h.logger.Error("failed to create customer", zap.Error(err))
		Fail(w, err)
		return
	}

	Created(w, customerToResponse(customer))
}

// List handles GET /api/v1/customers.
func (h *CustomerHandler) List(w http.ResponseWriter, r *http.Request) {
	customers, total, err := h.customers.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list customers", zap.Error(err))
		Fail(w, err)
		return
	}

	items := make([]customerResponse, len(customers))
	for i := range customers {
		items[i] = customerToResponse(&customers[i])
	}
	Ok(w, listCustomersResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/customers/{id}.
func (h *CustomerHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	customer, err := h.customers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "customer not found")
			return
		}
		h.logger.Error("failed to get customer", zap.Error(err))
		Fail(w, err)
		return
	}
	Ok(w, customerToResponse(customer))
}

// updateCustomerRequest is the body of PATCH /api/v1/customers/{id}.
// Pointer fields distinguish "absent" from "zero value".
type updateCustomerRequest struct {
	Name   *string `json:"name"`
	Notes  *string `json:"notes"`
	Active *bool   `json:"active"`
}

// Update handles PATCH /api/v1/customers/{id}.
func (h *CustomerHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateCustomerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	customer, err := h.customers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "customer not found")
			return
		}
		h.logger.Error("failed to get customer", zap.Error(err))
		Fail(w, err)
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			FailKind(w, faults.Validation, "name must not be empty")
			return
		}
		customer.Name = name
	}
	if req.Notes != nil {
		customer.Notes = *req.Notes
	}
	if req.Active != nil {
		customer.Active = *req.Active
	}

	if err := h.customers.Update(r.Context(), customer); err != nil {
		h.logger.Error("failed to update customer", zap.Error(err))
		Fail(w, err)
		return
	}
	Ok(w, customerToResponse(customer))
}

// Delete handles DELETE /api/v1/customers/{id}. Customers are soft-deleted:
// the row stays, Active flips to false.
func (h *CustomerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.customers.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "customer not found")
			return
		}
		h.logger.Error("failed to deactivate customer", zap.Error(err))
		Fail(w, err)
		return
	}
	NoContent(w)
}

// -----------------------------------------------------------------------------
// Network handlers
// -----------------------------------------------------------------------------

// createNetworkRequest is the body of POST /api/v1/customers/{id}/networks.
type createNetworkRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	CIDR    string `json:"cidr"`
	Gateway string `json:"gateway"`
	VLANID  int    `json:"vlan_id"`
}

// CreateNetwork handles POST /api/v1/customers/{id}/networks.
func (h *CustomerHandler) CreateNetwork(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req createNetworkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.CIDR = strings.TrimSpace(req.CIDR)
	if req.Name == "" || req.CIDR == "" {
		FailKind(w, faults.Validation, "name and cidr are required")
		return
	}
	if _, _, err := net.ParseCIDR(req.CIDR); err != nil {
		FailKind(w, faults.Validation, "cidr is not a valid network in CIDR notation")
		return
	}
	if req.Gateway != "" && net.ParseIP(req.Gateway) == nil {
		FailKind(w, faults.Validation, "gateway is not a valid IP address")
		return
	}
	if req.VLANID < 0 || req.VLANID > 4094 {
		FailKind(w, faults.Validation, "vlan_id must be between 0 and 4094")
		return
	}
	if req.Type == "" {
		req.Type = db.NetworkLAN
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

	network := &db.Network{
		CustomerID: customerID,
		Name:       req.Name,
		Type:       req.Type,
		CIDR:       req.CIDR,
		Gateway:    req.Gateway,
		VLANID:     req.VLANID,
	}
	if err := h.networks.Create(r.Context(), network); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			FailKind(w, faults.Conflict, "this customer already has a network with the same cidr and vlan")
			return
		}
		h.logger.Error("failed to create network", zap.Error(err))
		Fail(w, err)
		return
	}

	Created(w, networkToResponse(network))
}

// ListNetworks handles GET /api/v1/customers/{id}/networks.
func (h *CustomerHandler) ListNetworks(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	networks, err := h.networks.ListByCustomer(r.Context(), customerID)
	if err != nil {
		h.logger.Error("failed to list networks", zap.Error(err))
		Fail(w, err)
		return
	}

	items := make([]networkResponse, len(networks))
	for i := range networks {
		items[i] = networkToResponse(&networks[i])
	}
	Ok(w, items)
}

// DeleteNetwork handles DELETE /api/v1/customers/{id}/networks/{network_id}.
func (h *CustomerHandler) DeleteNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "network_id")
	if !ok {
		return
	}

	if err := h.networks.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "network not found")
			return
		}
		h.logger.Error("failed to delete network", zap.Error(err))
		Fail(w, err)
		return
	}
	NoContent(w)
}

// validCustomerCode enforces the slug shape backup paths and config pushes
// rely on.
func validCustomerCode(code string) bool {
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return len(code) <= 64
}
