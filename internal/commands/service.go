// Package commands dispatches operator-issued CLI command batches to managed
// devices through their customer's agent. Requests with backup_before take a
// synchronous pre-change snapshot first; if that snapshot fails the commands
// are never sent.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// defaultTimeout bounds one command batch round-trip.
const defaultTimeout = 2 * time.Minute

// Service executes command batches on devices.
type Service struct {
	devices  repositories.DeviceRepository
	agents   repositories.AgentRepository
	resolver *backup.CredentialResolver
	backups  *backup.Engine
	hub      *hub.Hub
	timeout  time.Duration
	log      *zap.Logger
}

// NewService wires a command service. timeout 0 selects the default.
func NewService(
	devices repositories.DeviceRepository,
	agents repositories.AgentRepository,
	resolver *backup.CredentialResolver,
	backups *backup.Engine,
	h *hub.Hub,
	timeout time.Duration,
	logger *zap.Logger,
) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		devices:  devices,
		agents:   agents,
		resolver: resolver,
		backups:  backups,
		hub:      h,
		timeout:  timeout,
		log:      logger.Named("commands"),
	}
}

// Request is one operator command batch.
type Request struct {
	DeviceID     uuid.UUID
	Commands     []string
	BackupBefore bool
}

// Result carries the device output and, when a pre-change snapshot ran, the
// id of its BackupRun.
type Result struct {
	Output   string
	BackupID *uuid.UUID
}

// Execute runs the batch on the device's vendor CLI. Commands run in order
// and execution stops at the first failing line.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	if len(req.Commands) == 0 {
		return nil, faults.New(faults.Validation, "commands must not be empty")
	}
	for _, c := range req.Commands {
		if strings.TrimSpace(c) == "" {
			return nil, faults.New(faults.Validation, "commands must not contain blank lines")
		}
	}

	device, err := s.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, faults.Newf(faults.NotFound, "device %s not found", req.DeviceID)
		}
		return nil, faults.Wrap(err, faults.Internal, "load device")
	}
	if device.Kind == "" {
		return nil, faults.Newf(faults.PreconditionFailed, "device %s has no vendor kind; commands need a managed device", req.DeviceID)
	}

	agentID, err := s.pickAgent(ctx, device.CustomerID)
	if err != nil {
		return nil, err
	}

	cred, _, err := s.resolver.Resolve(ctx, device)
	if err != nil {
		return nil, err
	}

	var backupID *uuid.UUID
	if req.BackupBefore {
		run, err := s.backups.PreChange(ctx, device.ID)
		if err != nil {
			return nil, err
		}
		backupID = &run.ID
	}

	params := wire.CommandParams{
		DeviceIP:   device.Address,
		DeviceKind: wire.DeviceKind(device.Kind),
		Commands:   req.Commands,
		Credential: cred,
	}
	raw, err := s.hub.Call(ctx, agentID, wire.MethodCommand, params, s.timeout)
	if err != nil {
		return nil, err
	}

	var res wire.CommandResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, faults.Wrap(err, faults.VendorProtocol, "decode command result")
	}

	s.log.Info("commands executed",
		zap.String("device_id", device.ID.String()),
		zap.String("agent_id", agentID),
		zap.Int("commands", len(req.Commands)),
		zap.Bool("pre_change", req.BackupBefore),
	)
	return &Result{Output: res.Output, BackupID: backupID}, nil
}

// pickAgent returns the first online agent of the device's customer.
func (s *Service) pickAgent(ctx context.Context, customerID uuid.UUID) (string, error) {
	agents, err := s.agents.ListByCustomer(ctx, customerID)
	if err != nil {
		return "", faults.Wrap(err, faults.Internal, "list customer agents")
	}
	for i := range agents {
		if s.hub.IsOnline(agents[i].ID) {
			return agents[i].ID, nil
		}
	}
	return "", faults.New(faults.AgentOffline, "no online agent for customer")
}
