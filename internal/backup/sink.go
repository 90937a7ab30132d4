package backup

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// committedArtifact is one artifact landed by a run.
type committedArtifact struct {
	name   string
	kind   wire.BackupKind
	path   string
	size   int64
	sha256 string
}

// artifactSink receives one run's chunk stream and spools each named
// artifact into the store. The first chunk of an artifact carries its name
// (and declared checksum); unnamed chunks continue the current artifact.
// Nothing reaches a final path until finalize, after the RPC succeeded.
type artifactSink struct {
	store        *Store
	customerCode string
	deviceName   string
	startedAt    time.Time

	mu      sync.Mutex
	writers []*namedWriter
	failed  error
	done    bool
}

type namedWriter struct {
	name     string
	declared string // checksum announced in the first chunk, may be empty
	w        *ArtifactWriter
}

func newArtifactSink(store *Store, customerCode, deviceName string, startedAt time.Time) *artifactSink {
	return &artifactSink{
		store:        store,
		customerCode: customerCode,
		deviceName:   deviceName,
		startedAt:    startedAt,
	}
}

// Chunk implements hub.ChunkSink.
func (s *artifactSink) Chunk(meta wire.ChunkMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return s.failed
	}
	if s.done {
		return faults.New(faults.Validation, "chunk after stream finalized")
	}

	current := s.current()
	if meta.Name != "" && (current == nil || current.name != meta.Name) {
		w, err := s.store.Create(s.customerCode, s.deviceName, extFromName(meta.Name), s.startedAt)
		if err != nil {
			s.failed = err
			return err
		}
		current = &namedWriter{name: meta.Name, declared: meta.SHA256, w: w}
		s.writers = append(s.writers, current)
	}
	if current == nil {
		err := faults.New(faults.Validation, "chunk stream opened without artifact name")
		s.failed = err
		return err
	}

	if len(data) > 0 {
		if _, err := current.w.Write(data); err != nil {
			s.failed = err
			return err
		}
	}
	return nil
}

// CloseWithError implements hub.ChunkSink: the session reports a broken
// stream. Spooled partials are discarded; finalize will surface the cause.
func (s *artifactSink) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if s.failed == nil {
		s.failed = err
	}
	for _, nw := range s.writers {
		nw.w.Abort()
	}
}

// finalize verifies checksums and commits every artifact. Called once after
// the RPC returned success; infos is the agent's artifact manifest from the
// response. A broken stream or checksum mismatch surfaces as
// transport_closed so the engine's retry policy applies.
func (s *artifactSink) finalize(infos []wire.ArtifactInfo) ([]committedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return nil, faults.Wrap(s.failed, faults.TransportClosed, "artifact stream failed")
	}
	s.done = true

	byName := make(map[string]wire.ArtifactInfo, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}

	arts := make([]committedArtifact, 0, len(s.writers))
	for i, nw := range s.writers {
		sum := nw.w.Sum()
		info, known := byName[nw.name]
		if nw.declared != "" && nw.declared != sum {
			s.abortFrom(i)
			return nil, faults.Newf(faults.TransportClosed, "artifact %s checksum mismatch", nw.name)
		}
		if known && info.SHA256 != "" && info.SHA256 != sum {
			s.abortFrom(i)
			return nil, faults.Newf(faults.TransportClosed, "artifact %s checksum mismatch", nw.name)
		}

		p, size, sha, err := nw.w.Commit()
		if err != nil {
			s.abortFrom(i + 1)
			return nil, err
		}
		kind := info.Kind
		if !known {
			kind = kindFromName(nw.name)
		}
		arts = append(arts, committedArtifact{
			name:   nw.name,
			kind:   kind,
			path:   p,
			size:   size,
			sha256: sha,
		})
	}
	return arts, nil
}

// discard aborts everything still spooled. No-op after finalize.
func (s *artifactSink) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for _, nw := range s.writers {
		nw.w.Abort()
	}
}

func (s *artifactSink) current() *namedWriter {
	if len(s.writers) == 0 {
		return nil
	}
	return s.writers[len(s.writers)-1]
}

func (s *artifactSink) abortFrom(i int) {
	for ; i < len(s.writers); i++ {
		s.writers[i].w.Abort()
	}
}

// extFromName keeps the agent-chosen extension, defaulting to cfg for
// extension-less names.
func extFromName(name string) string {
	if ext := path.Ext(name); ext != "" {
		return strings.TrimPrefix(ext, ".")
	}
	return "cfg"
}

// kindFromName infers the artifact kind when the agent's manifest did not
// mention the name.
func kindFromName(name string) wire.BackupKind {
	if strings.HasSuffix(name, ".backup") {
		return wire.BackupBinary
	}
	return wire.BackupConfig
}
