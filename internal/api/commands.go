package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/commands"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
)

// CommandHandler runs ad-hoc CLI commands on managed devices.
type CommandHandler struct {
	svc    *commands.Service
	logger *zap.Logger
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(svc *commands.Service, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		svc:    svc,
		logger: logger.Named("command_handler"),
	}
}

type executeCommandsRequest struct {
	DeviceID     string   `json:"device_id"`
	Commands     []string `json:"commands"`
	BackupBefore bool     `json:"backup_before"`
}

type executeCommandsResponse struct {
	Output   string  `json:"output"`
	BackupID *string `json:"backup_id,omitempty"`
}

// Execute handles POST /api/v1/commands. The call is synchronous: it blocks
// until the device answered or the command timeout elapsed.
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeCommandsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		FailKind(w, faults.Validation, "device_id must be a valid UUID")
		return
	}

	result, err := h.svc.Execute(r.Context(), commands.Request{
		DeviceID:     deviceID,
		Commands:     req.Commands,
		BackupBefore: req.BackupBefore,
	})
	if err != nil {
		if faults.KindOf(err) == faults.Internal {
			h.logger.Error("command execution failed", zap.Error(err))
		}
		Fail(w, err)
		return
	}

	resp := executeCommandsResponse{Output: result.Output}
	if result.BackupID != nil {
		s := result.BackupID.String()
		resp.BackupID = &s
	}
	Ok(w, resp)
}
