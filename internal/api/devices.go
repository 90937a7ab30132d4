package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// DeviceHandler groups device inventory HTTP handlers.
type DeviceHandler struct {
	devices     repositories.DeviceRepository
	credentials repositories.CredentialRepository
	backups     *backup.Engine
	logger      *zap.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(devices repositories.DeviceRepository, credentials repositories.CredentialRepository, backups *backup.Engine, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices:     devices,
		credentials: credentials,
		backups:     backups,
		logger:      logger.Named("device_handler"),
	}
}

// deviceResponse is the JSON view of one inventoried device.
type deviceResponse struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id"`
	Address      string          `json:"address"`
	MAC          string          `json:"mac,omitempty"`
	Hostname     string          `json:"hostname,omitempty"`
	Vendor       string          `json:"vendor,omitempty"`
	Platform     string          `json:"platform,omitempty"`
	Role         string          `json:"role,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	CredentialID *string         `json:"credential_id,omitempty"`
	Monitored    bool            `json:"monitored"`
	Source       string          `json:"source"`
	OpenPorts    json.RawMessage `json:"open_ports"`
	LastSeenAt   string          `json:"last_seen_at"`
	CreatedAt    string          `json:"created_at"`
}

func deviceToResponse(d *db.Device) deviceResponse {
	resp := deviceResponse{
		ID:         d.ID.String(),
		CustomerID: d.CustomerID.String(),
		Address:    d.Address,
		MAC:        d.MAC,
		Hostname:   d.Hostname,
		Vendor:     d.Vendor,
		Platform:   d.Platform,
		Role:       d.Role,
		Kind:       d.Kind,
		Monitored:  d.Monitored,
		Source:     d.Source,
		OpenPorts:  json.RawMessage(d.OpenPorts),
		LastSeenAt: d.LastSeenAt.UTC().Format(time.RFC3339),
		CreatedAt:  d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.CredentialID != nil {
		s := d.CredentialID.String()
		resp.CredentialID = &s
	}
	return resp
}

// List handles GET /api/v1/devices?customer=.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	customerID, present, ok := queryUUID(w, r, "customer")
	if !ok {
		return
	}
	if !present {
		FailKind(w, faults.Validation, "customer query parameter is required")
		return
	}

	devices, total, err := h.devices.ListByCustomer(r.Context(), customerID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		Fail(w, err)
		return
	}

	items := make([]deviceResponse, len(devices))
	for i := range devices {
		items[i] = deviceToResponse(&devices[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// GetByID handles GET /api/v1/devices/{id}.
func (h *DeviceHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	device, err := h.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "device not found")
			return
		}
		h.logger.Error("failed to get device", zap.Error(err))
		Fail(w, err)
		return
	}
	Ok(w, deviceToResponse(device))
}

// updateDeviceRequest is the body of PATCH /api/v1/devices/{id}. Pointer
// fields distinguish "absent" from "zero value"; CredentialID accepts an
// empty string to clear the explicit override.
type updateDeviceRequest struct {
	Monitored    *bool   `json:"monitored"`
	Role         *string `json:"role"`
	Kind         *string `json:"kind"`
	Hostname     *string `json:"hostname"`
	CredentialID *string `json:"credential_id"`
}

// Update handles PATCH /api/v1/devices/{id}. Setting kind marks the device
// managed, which is what makes it eligible for backups and commands.
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	device, err := h.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "device not found")
			return
		}
		h.logger.Error("failed to get device", zap.Error(err))
		Fail(w, err)
		return
	}

	if req.Monitored != nil {
		device.Monitored = *req.Monitored
	}
	if req.Role != nil {
		device.Role = *req.Role
	}
	if req.Hostname != nil {
		device.Hostname = *req.Hostname
	}
	if req.Kind != nil {
		switch *req.Kind {
		case "", string(wire.DeviceHPAruba), string(wire.DeviceMikroTik):
			device.Kind = *req.Kind
		default:
			FailKind(w, faults.Validation, "kind must be hp-aruba, mikrotik, or empty")
			return
		}
	}
	if req.CredentialID != nil {
		if *req.CredentialID == "" {
			device.CredentialID = nil
		} else {
			credentialID, err := uuid.Parse(*req.CredentialID)
			if err != nil {
				FailKind(w, faults.Validation, "credential_id must be a valid UUID or empty")
				return
			}
			if _, err := h.credentials.GetByID(r.Context(), credentialID); err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					FailKind(w, faults.NotFound, "credential not found")
					return
				}
				h.logger.Error("failed to get credential", zap.Error(err))
				Fail(w, err)
				return
			}
			device.CredentialID = &credentialID
		}
	}

	if err := h.devices.Update(r.Context(), device); err != nil {
		h.logger.Error("failed to update device", zap.Error(err))
		Fail(w, err)
		return
	}
	Ok(w, deviceToResponse(device))
}

// Delete handles DELETE /api/v1/devices/{id}.
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.devices.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "device not found")
			return
		}
		h.logger.Error("failed to delete device", zap.Error(err))
		Fail(w, err)
		return
	}
	NoContent(w)
}

// backupDeviceRequest is the body of POST /api/v1/devices/{id}/backup.
type backupDeviceRequest struct {
	Kind string `json:"kind"`
}

// Backup handles POST /api/v1/devices/{id}/backup: starts one asynchronous
// backup run and answers 202 with its id. 409 when a run for this device is
// already in flight.
func (h *DeviceHandler) Backup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	req := backupDeviceRequest{Kind: string(wire.BackupConfig)}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = string(wire.BackupConfig)
	}

	run, err := h.backups.Start(r.Context(), backup.RunRequest{
		DeviceID: id,
		Kind:     req.Kind,
		Trigger:  db.TriggerManual,
	})
	if err != nil {
		if faults.KindOf(err) == faults.Internal {
			h.logger.Error("failed to start backup", zap.Error(err))
		}
		Fail(w, err)
		return
	}

	Accepted(w, "/api/v1/backups/"+run.ID.String(), envelope{"backup_id": run.ID.String()})
}
