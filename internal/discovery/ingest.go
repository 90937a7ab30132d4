// Package discovery normalizes scan results and merges them into the
// per-customer device inventory. One scan is one ingest transaction: either
// every upsert becomes visible or none does, and concurrent scans of the
// same customer serialize on the ingest lock.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/metrics"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// sourceRank orders discovery sources by trust. A stored source is only
// replaced by one of strictly higher rank; unknown sources never win.
var sourceRank = map[string]int{
	db.SourceARP:      0,
	db.SourcePing:     1,
	db.SourceNeighbor: 2,
	db.SourceNmap:     3,
	db.SourceSNMP:     4,
	db.SourceManual:   5,
}

// SourceRank returns the trust rank of a discovery source, -1 for unknown.
func SourceRank(source string) int {
	if r, ok := sourceRank[source]; ok {
		return r
	}
	return -1
}

// Result summarizes one ingest pass.
type Result struct {
	// Found is the number of distinct devices in the scan after in-scan
	// duplicates are collapsed by identity.
	Found int
	// Created and Updated count rows inserted or materially changed. A
	// re-scan that only refreshes last_seen_at counts in neither.
	Created int
	Updated int
}

// Ingestor merges normalized scan output into the inventory.
type Ingestor struct {
	devices repositories.DeviceRepository
	events  *events.Hub
	log     *zap.Logger
}

// NewIngestor wires an Ingestor.
func NewIngestor(devices repositories.DeviceRepository, ev *events.Hub, log *zap.Logger) *Ingestor {
	return &Ingestor{devices: devices, events: ev, log: log.Named("ingest")}
}

// upsertNote is collected during the transaction and published after commit
// so subscribers never observe rows that were rolled back.
type upsertNote struct {
	device  db.Device
	created bool
}

// Ingest runs one scan's records through normalize, collapse, and
// find-or-insert, all inside the customer's ingest transaction.
// device.upserted events fire only after the transaction commits, and only
// for rows that actually changed.
func (i *Ingestor) Ingest(ctx context.Context, customerID uuid.UUID, records []wire.DeviceRecord) (Result, error) {
	collapsed := collapse(records)
	res := Result{Found: len(collapsed)}
	if len(collapsed) == 0 {
		return res, nil
	}

	now := time.Now().UTC()
	notes := make([]upsertNote, 0, len(collapsed))

	err := i.devices.WithinIngest(ctx, customerID, func(repo repositories.DeviceRepository) error {
		for _, rec := range collapsed {
			device, created, changed, err := i.upsertOne(ctx, repo, customerID, rec, now)
			if err != nil {
				return err
			}
			switch {
			case created:
				res.Created++
			case changed:
				res.Updated++
			}
			if created || changed {
				notes = append(notes, upsertNote{device: *device, created: created})
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("discovery: ingest for customer %s: %w", customerID, err)
	}

	for _, n := range notes {
		metrics.DevicesUpserted.Inc()
		i.events.Publish("customer:"+customerID.String(), events.MsgDeviceUpserted, map[string]any{
			"device_id": n.device.ID,
			"address":   n.device.Address,
			"mac":       n.device.MAC,
			"hostname":  n.device.Hostname,
			"source":    n.device.Source,
			"created":   n.created,
		})
	}

	i.log.Info("scan ingested",
		zap.String("customer_id", customerID.String()),
		zap.Int("found", res.Found),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
	)
	return res, nil
}

// upsertOne resolves one record against the inventory. Identity is the MAC
// when present, the address otherwise. A MAC record whose MAC is unknown may
// adopt an existing MAC-less row at the same address; if that row already
// carries a different MAC the record becomes a new device (one row per MAC).
func (i *Ingestor) upsertOne(ctx context.Context, repo repositories.DeviceRepository, customerID uuid.UUID, rec wire.DeviceRecord, now time.Time) (*db.Device, bool, bool, error) {
	var existing *db.Device
	var err error

	if rec.MAC != "" {
		existing, err = repo.GetByMAC(ctx, customerID, rec.MAC)
		if errors.Is(err, repositories.ErrNotFound) {
			byAddr, addrErr := repo.GetByAddress(ctx, customerID, rec.Address)
			switch {
			case addrErr == nil && byAddr.MAC == "":
				existing, err = byAddr, nil
			case addrErr == nil:
				// Address row belongs to another MAC; the record is a
				// distinct device behind the same address (NAT, VRRP).
				existing, err = nil, repositories.ErrNotFound
			case errors.Is(addrErr, repositories.ErrNotFound):
				existing, err = nil, repositories.ErrNotFound
			default:
				return nil, false, false, addrErr
			}
		} else if err != nil {
			return nil, false, false, err
		}
	} else {
		existing, err = repo.GetByAddress(ctx, customerID, rec.Address)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, false, false, err
		}
	}

	if existing == nil || errors.Is(err, repositories.ErrNotFound) {
		device := &db.Device{
			CustomerID: customerID,
			Address:    rec.Address,
			MAC:        rec.MAC,
			Hostname:   rec.Hostname,
			Vendor:     rec.Vendor,
			Platform:   rec.Platform,
			Source:     createSource(rec.Source),
			OpenPorts:  portsJSON(rec.OpenPorts),
			LastSeenAt: now,
		}
		if err := repo.Create(ctx, device); err != nil {
			return nil, false, false, err
		}
		return device, true, false, nil
	}

	changed := merge(existing, rec)
	existing.LastSeenAt = now
	if err := repo.Update(ctx, existing); err != nil {
		return nil, false, false, err
	}
	return existing, false, changed, nil
}

// merge folds a record into an existing row: non-empty new values win,
// the MAC is only ever adopted onto a MAC-less row, and the source moves up
// the trust lattice but never down. Reports whether anything beyond
// last_seen_at changed.
func merge(device *db.Device, rec wire.DeviceRecord) bool {
	changed := false
	if rec.Address != "" && rec.Address != device.Address {
		device.Address = rec.Address
		changed = true
	}
	if rec.MAC != "" && device.MAC == "" {
		device.MAC = rec.MAC
		changed = true
	}
	if rec.Hostname != "" && rec.Hostname != device.Hostname {
		device.Hostname = rec.Hostname
		changed = true
	}
	if rec.Vendor != "" && rec.Vendor != device.Vendor {
		device.Vendor = rec.Vendor
		changed = true
	}
	if rec.Platform != "" && rec.Platform != device.Platform {
		device.Platform = rec.Platform
		changed = true
	}
	if len(rec.OpenPorts) > 0 {
		if ports := portsJSON(rec.OpenPorts); ports != device.OpenPorts {
			device.OpenPorts = ports
			changed = true
		}
	}
	if SourceRank(rec.Source) > SourceRank(device.Source) {
		device.Source = rec.Source
		changed = true
	}
	return changed
}

// collapse normalizes records and folds in-scan duplicates by identity,
// preserving first-seen order. Within one identity, later non-empty fields
// win and the source keeps the highest rank seen; a MAC observed at two
// addresses in the same scan keeps only the latest address.
func collapse(records []wire.DeviceRecord) []wire.DeviceRecord {
	byID := make(map[string]int, len(records))
	out := make([]wire.DeviceRecord, 0, len(records))

	for _, rec := range records {
		rec.Address = strings.TrimSpace(rec.Address)
		rec.MAC = NormalizeMAC(rec.MAC)
		rec.Hostname = strings.TrimSpace(rec.Hostname)
		if rec.Address == "" && rec.MAC == "" {
			continue
		}

		id := "addr|" + rec.Address
		if rec.MAC != "" {
			id = "mac|" + rec.MAC
		}
		at, seen := byID[id]
		if !seen {
			byID[id] = len(out)
			out = append(out, rec)
			continue
		}
		fold(&out[at], rec)
	}
	return out
}

// fold merges a later duplicate into the first record of the same identity.
func fold(dst *wire.DeviceRecord, src wire.DeviceRecord) {
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.Vendor != "" {
		dst.Vendor = src.Vendor
	}
	if src.Platform != "" {
		dst.Platform = src.Platform
	}
	if len(src.OpenPorts) > 0 {
		dst.OpenPorts = src.OpenPorts
	}
	if SourceRank(src.Source) > SourceRank(dst.Source) {
		dst.Source = src.Source
	}
}

// NormalizeMAC canonicalizes a hardware address to lower-case
// colon-separated form. Accepts colon, dash, dot and bare notations;
// anything that is not 12 hex digits comes back empty and the record falls
// back to address identity.
func NormalizeMAC(mac string) string {
	hex := make([]byte, 0, 12)
	for _, r := range strings.TrimSpace(mac) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			hex = append(hex, byte(r))
		case r >= 'A' && r <= 'F':
			hex = append(hex, byte(r)+('a'-'A'))
		case r == ':' || r == '-' || r == '.':
			// separator, skip
		default:
			return ""
		}
	}
	if len(hex) != 12 {
		return ""
	}
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.Write(hex[i : i+2])
	}
	return b.String()
}

// createSource picks the stored source for a new row; unknown or empty
// sources record as arp, the lowest trust.
func createSource(source string) string {
	if SourceRank(source) >= 0 {
		return source
	}
	return db.SourceARP
}

// portsJSON renders an open-port list as the sorted JSON array stored on
// the row, so comparisons are order-insensitive.
func portsJSON(ports []int) string {
	if len(ports) == 0 {
		return "[]"
	}
	sorted := make([]int, len(ports))
	copy(sorted, ports)
	sort.Ints(sorted)
	// Drop duplicates in place.
	n := 0
	for i, p := range sorted {
		if i == 0 || p != sorted[n-1] {
			sorted[n] = p
			n++
		}
	}
	data, err := json.Marshal(sorted[:n])
	if err != nil {
		return "[]"
	}
	return string(data)
}
