// Package executor runs the RPCs the server dispatches over the control
// plane. It sits between the connection manager (which owns the WebSocket and
// hands over rpc.request frames) and the scan and netdev packages (which do
// the actual work).
//
// Requests run on a small worker pool: scans and backups are I/O bound and
// the server caps in-flight RPCs per agent anyway, so a handful of workers
// keeps a long sweep from starving an agent.test probe. The server's
// rpc.cancel reaches in through per-request contexts.
//
// ResultSink is implemented by the connection manager, so the executor can
// report progress, results, and artifact chunks without knowing about
// WebSockets.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/agent/netdev"
	"github.com/grandir66/dadude2.0-sub000/internal/agent/scan"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

const (
	// queueSize bounds tasks buffered while every worker is busy. Beyond it
	// Enqueue rejects, which surfaces to the server as an immediate rpc.error
	// instead of an eventual timeout.
	queueSize = 16

	// maxConcurrent is the worker pool size.
	maxConcurrent = 4

	// chunkSize is the segment size for artifact streams. Well under the
	// wire frame limit so chunk announcements never push a frame over it.
	chunkSize = 256 << 10
)

// ResultSink delivers RPC outcomes back over the control-plane session.
// Implemented by the connection manager. Methods are safe for concurrent use
// and drop silently when no session is up — the server has already failed
// those requests as transport_closed.
type ResultSink interface {
	SendProgress(requestID string, p wire.Progress)
	SendResponse(requestID string, result any)
	SendFault(requestID string, err error)

	// SendChunk announces one artifact segment on the stream named by
	// streamID and sends its bytes as the paired binary frame.
	SendChunk(streamID string, meta wire.ChunkMeta, data []byte) error
}

// Task is one rpc.request as handed over by the connection manager.
type Task struct {
	RequestID string
	Method    string
	Params    json.RawMessage
}

// Executor queues inbound requests and executes them on the worker pool.
type Executor struct {
	scanner *scan.Scanner
	dial    netdev.Dialer
	version string
	log     *zap.Logger

	queue chan Task

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]struct{}

	netMu    sync.RWMutex
	networks []wire.ConfigNetwork
}

// New creates an Executor. dial is netdev.Dial in production; tests pass a
// fake to avoid live SSH.
func New(scanner *scan.Scanner, dial netdev.Dialer, version string, log *zap.Logger) *Executor {
	return &Executor{
		scanner:   scanner,
		dial:      dial,
		version:   version,
		log:       log.Named("executor"),
		queue:     make(chan Task, queueSize),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]struct{}),
	}
}

// SetNetworks replaces the scan target list from a config push.
func (e *Executor) SetNetworks(networks []wire.ConfigNetwork) {
	e.netMu.Lock()
	e.networks = networks
	e.netMu.Unlock()
}

// Networks returns the currently pushed scan targets.
func (e *Executor) Networks() []wire.ConfigNetwork {
	e.netMu.RLock()
	defer e.netMu.RUnlock()
	return e.networks
}

// Run starts the worker pool and blocks until ctx is cancelled. sink is
// provided here (not at construction) so it can be the connection manager
// itself, which is created after the executor.
func (e *Executor) Run(ctx context.Context, sink ResultSink) {
	e.log.Info("executor started", zap.Int("workers", maxConcurrent))

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-e.queue:
					e.execute(ctx, sink, task)
				}
			}
		}()
	}
	wg.Wait()
	e.log.Info("executor stopped")
}

// Enqueue accepts a task for execution. Non-blocking; a full queue rejects.
func (e *Executor) Enqueue(task Task) error {
	select {
	case e.queue <- task:
		return nil
	default:
		return faults.New(faults.Internal, "agent request queue full")
	}
}

// Cancel stops a request: a running one gets its context cancelled, a queued
// one is marked and dropped when a worker picks it up.
func (e *Executor) Cancel(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.running[requestID]; ok {
		cancel()
		return
	}
	e.cancelled[requestID] = struct{}{}
}

// execute runs a single task to its terminal frame.
func (e *Executor) execute(ctx context.Context, sink ResultSink, task Task) {
	e.mu.Lock()
	if _, dropped := e.cancelled[task.RequestID]; dropped {
		delete(e.cancelled, task.RequestID)
		e.mu.Unlock()
		e.log.Debug("dropping cancelled request", zap.String("request_id", task.RequestID))
		return
	}
	reqCtx, cancel := context.WithCancel(ctx)
	e.running[task.RequestID] = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, task.RequestID)
		delete(e.cancelled, task.RequestID)
		e.mu.Unlock()
	}()

	e.log.Info("request started",
		zap.String("request_id", task.RequestID),
		zap.String("method", task.Method),
	)

	var (
		result any
		err    error
	)
	switch task.Method {
	case wire.MethodTest:
		result = wire.TestResult{OK: true, Version: e.version}
	case wire.MethodScan:
		result, err = e.runScan(reqCtx, sink, task)
	case wire.MethodBackup:
		result, err = e.runBackup(reqCtx, sink, task)
	case wire.MethodCommand:
		result, err = e.runCommand(reqCtx, task)
	default:
		err = faults.Newf(faults.Validation, "unknown method %q", task.Method)
	}

	if err != nil {
		e.log.Warn("request failed",
			zap.String("request_id", task.RequestID),
			zap.String("method", task.Method),
			zap.Error(err),
		)
		sink.SendFault(task.RequestID, err)
		return
	}

	sink.SendResponse(task.RequestID, result)
	e.log.Info("request completed",
		zap.String("request_id", task.RequestID),
		zap.String("method", task.Method),
	)
}

func (e *Executor) runScan(ctx context.Context, sink ResultSink, task Task) (any, error) {
	var params wire.ScanParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return nil, faults.Wrap(err, faults.Validation, "malformed scan params")
	}
	return e.scanner.Run(ctx, params, e.Networks(), func(p wire.Progress) {
		sink.SendProgress(task.RequestID, p)
	})
}

func (e *Executor) runBackup(ctx context.Context, sink ResultSink, task Task) (any, error) {
	var params wire.BackupParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return nil, faults.Wrap(err, faults.Validation, "malformed backup params")
	}
	if params.RunID == "" {
		return nil, faults.New(faults.Validation, "backup params missing run_id")
	}

	sink.SendProgress(task.RequestID, wire.Progress{Stage: "connect", Device: params.DeviceIP})
	adapter, err := e.dial(ctx, params.DeviceKind, params.DeviceIP, params.Credential)
	if err != nil {
		return nil, err
	}
	defer adapter.Close()

	stream := &chunkStream{sink: sink, id: params.RunID}
	var result wire.BackupResult

	wantConfig := params.BackupKind == wire.BackupConfig || params.BackupKind == wire.BackupBoth
	wantBinary := params.BackupKind == wire.BackupBinary || params.BackupKind == wire.BackupBoth

	if wantConfig {
		sink.SendProgress(task.RequestID, wire.Progress{Stage: "export", Device: params.DeviceIP})
		data, facts, err := adapter.ExportConfig(ctx)
		if err != nil {
			return nil, err
		}
		info, err := stream.sendArtifact(configArtifactName(params.DeviceKind), wire.BackupConfig, data)
		if err != nil {
			return nil, err
		}
		result.Artifacts = append(result.Artifacts, info)
		result.Facts = facts
	}

	if wantBinary {
		sink.SendProgress(task.RequestID, wire.Progress{Stage: "binary", Device: params.DeviceIP})
		filename, data, err := adapter.BinaryBackup(ctx, "dadude-"+shortID(params.RunID))
		if err != nil {
			return nil, err
		}
		info, err := stream.sendArtifact(filename, wire.BackupBinary, data)
		if err != nil {
			return nil, err
		}
		result.Artifacts = append(result.Artifacts, info)
	}

	// EOF must land before the response so the server holds every byte when
	// it verifies the manifest.
	if err := stream.finish(); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) runCommand(ctx context.Context, task Task) (any, error) {
	var params wire.CommandParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return nil, faults.Wrap(err, faults.Validation, "malformed command params")
	}
	if params.BackupBefore {
		// The server takes the pre-change snapshot and strips this flag
		// before dispatch; seeing it set means that did not happen.
		return nil, faults.New(faults.Validation, "backup_before must be handled by the server")
	}
	if len(params.Commands) == 0 {
		return nil, faults.New(faults.Validation, "no commands given")
	}

	adapter, err := e.dial(ctx, params.DeviceKind, params.DeviceIP, params.Credential)
	if err != nil {
		return nil, err
	}
	defer adapter.Close()

	output, err := adapter.RunCommands(ctx, params.Commands)
	if err != nil {
		return nil, err
	}
	return wire.CommandResult{Output: output}, nil
}

// chunkStream numbers one run's artifact segments. Seq increments across the
// whole stream; the first chunk of each artifact carries its name and
// declared checksum.
type chunkStream struct {
	sink ResultSink
	id   string
	seq  int
}

// sendArtifact streams one artifact and returns its manifest entry.
func (cs *chunkStream) sendArtifact(name string, kind wire.BackupKind, data []byte) (wire.ArtifactInfo, error) {
	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])

	off := 0
	for {
		end := min(off+chunkSize, len(data))
		meta := wire.ChunkMeta{Seq: cs.seq, Size: end - off}
		if off == 0 {
			meta.Name = name
			meta.SHA256 = shaHex
		}
		if err := cs.sink.SendChunk(cs.id, meta, data[off:end]); err != nil {
			return wire.ArtifactInfo{}, err
		}
		cs.seq++
		off = end
		if off >= len(data) {
			break
		}
	}

	return wire.ArtifactInfo{
		Kind:   kind,
		Name:   name,
		Size:   int64(len(data)),
		SHA256: shaHex,
	}, nil
}

// finish sends the terminal EOF chunk.
func (cs *chunkStream) finish() error {
	return cs.sink.SendChunk(cs.id, wire.ChunkMeta{Seq: cs.seq, EOF: true}, nil)
}

// configArtifactName picks the artifact file name for a vendor's textual
// export. Extensions matter: the server keys artifact kind off them when the
// manifest is silent.
func configArtifactName(kind wire.DeviceKind) string {
	switch kind {
	case wire.DeviceMikroTik:
		return "export.rsc"
	default:
		return "running-config.cfg"
	}
}

// shortID trims a run id for use in device-side file names.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
