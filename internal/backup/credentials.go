package backup

import (
	"context"
	"errors"
	"path"

	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// CredentialResolver picks the credential an agent should use against a
// device: the device's explicit override when set, otherwise the best
// candidate by scope (customer before global), default flag, and device
// filter. Secrets decrypt transparently on read; the resolved material goes
// straight into the RPC payload and is never logged.
type CredentialResolver struct {
	credentials repositories.CredentialRepository
	log         *zap.Logger
}

// NewCredentialResolver wires a resolver.
func NewCredentialResolver(credentials repositories.CredentialRepository, log *zap.Logger) *CredentialResolver {
	return &CredentialResolver{credentials: credentials, log: log.Named("credentials")}
}

// credentialKinds maps a device kind to the credential kinds usable with
// it, in preference order.
func credentialKinds(deviceKind string) []string {
	switch deviceKind {
	case string(wire.DeviceMikroTik):
		return []string{db.CredentialMikroTik, db.CredentialSSH}
	case string(wire.DeviceHPAruba):
		return []string{db.CredentialSSH}
	default:
		return []string{db.CredentialSSH, db.CredentialDevice}
	}
}

// Resolve returns the wire credential for a device together with the row it
// came from.
func (r *CredentialResolver) Resolve(ctx context.Context, device *db.Device) (wire.Credential, *db.Credential, error) {
	if device.CredentialID != nil {
		cred, err := r.credentials.GetByID(ctx, *device.CredentialID)
		if err != nil {
			if errors.Is(err, db.ErrDecrypt) {
				return wire.Credential{}, nil, faults.Wrap(err, faults.CredentialDecrypt, "credential cannot be decrypted")
			}
			if errors.Is(err, repositories.ErrNotFound) {
				return wire.Credential{}, nil, faults.Newf(faults.PreconditionFailed, "device credential no longer exists")
			}
			return wire.Credential{}, nil, faults.Wrap(err, faults.Internal, "load device credential")
		}
		if !cred.Active {
			return wire.Credential{}, nil, faults.Newf(faults.PreconditionFailed, "device credential %s is inactive", cred.Name)
		}
		return toWire(cred), cred, nil
	}

	for _, kind := range credentialKinds(device.Kind) {
		candidates, err := r.credentials.ListCandidates(ctx, device.CustomerID, kind)
		if err != nil {
			if errors.Is(err, db.ErrDecrypt) {
				return wire.Credential{}, nil, faults.Wrap(err, faults.CredentialDecrypt, "credential cannot be decrypted")
			}
			return wire.Credential{}, nil, faults.Wrap(err, faults.Internal, "list credential candidates")
		}
		for i := range candidates {
			cred := &candidates[i]
			if matchesDevice(cred.DeviceFilter, device) {
				return toWire(cred), cred, nil
			}
		}
	}
	return wire.Credential{}, nil, faults.Newf(faults.PreconditionFailed,
		"no usable credential for device %s", device.Address)
}

// matchesDevice applies the credential's device filter glob against the
// device address and hostname. An empty filter matches everything.
func matchesDevice(filter string, device *db.Device) bool {
	if filter == "" {
		return true
	}
	if ok, err := path.Match(filter, device.Address); err == nil && ok {
		return true
	}
	if device.Hostname != "" {
		if ok, err := path.Match(filter, device.Hostname); err == nil && ok {
			return true
		}
	}
	return false
}

// toWire converts a row into RPC credential material, applying the SSH
// default port.
func toWire(cred *db.Credential) wire.Credential {
	port := cred.Port
	if port == 0 {
		port = 22
	}
	return wire.Credential{
		Username: cred.Username,
		Secret:   string(cred.Secret),
		Port:     port,
	}
}
