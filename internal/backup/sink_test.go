package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

func sum256(data []byte) string {
	s := sha256.Sum256(data)
	return hex.EncodeToString(s[:])
}

func TestSinkAssemblesNamedArtifacts(t *testing.T) {
	store := newTestStore(t)
	sink := newArtifactSink(store, "acme", "gw-01", testStart)

	config := []byte("/export\n/system identity\nset name=gw-01\n")
	binary := []byte{0x88, 0xAC, 0x01, 0x02, 0x03}

	// First artifact arrives split across a named head chunk and an
	// unnamed continuation.
	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 0, Name: "gw-01.rsc", SHA256: sum256(config)}, config[:10]))
	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 1}, config[10:]))
	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 2, Name: "gw-01.backup"}, binary))

	arts, err := sink.finalize([]wire.ArtifactInfo{
		{Kind: wire.BackupConfig, Name: "gw-01.rsc", Size: int64(len(config)), SHA256: sum256(config)},
	})
	require.NoError(t, err)
	require.Len(t, arts, 2)

	assert.Equal(t, "gw-01.rsc", arts[0].name)
	assert.Equal(t, wire.BackupConfig, arts[0].kind)
	assert.EqualValues(t, len(config), arts[0].size)
	assert.Equal(t, sum256(config), arts[0].sha256)

	// The manifest never mentioned the binary; its kind is inferred from
	// the extension.
	assert.Equal(t, "gw-01.backup", arts[1].name)
	assert.Equal(t, wire.BackupBinary, arts[1].kind)

	for _, a := range arts {
		got, err := os.ReadFile(a.path)
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	}
}

func TestSinkRejectsUnnamedOpening(t *testing.T) {
	store := newTestStore(t)
	sink := newArtifactSink(store, "acme", "gw-01", testStart)

	err := sink.Chunk(wire.ChunkMeta{Seq: 0}, []byte("data with no artifact"))
	require.Error(t, err)
	assert.Equal(t, faults.Validation, faults.KindOf(err))

	// The sink stays poisoned.
	err = sink.Chunk(wire.ChunkMeta{Seq: 1, Name: "late.cfg"}, []byte("too late"))
	require.Error(t, err)

	_, err = sink.finalize(nil)
	require.Error(t, err)
}

func TestSinkDetectsDeclaredChecksumMismatch(t *testing.T) {
	store := newTestStore(t)
	sink := newArtifactSink(store, "acme", "sw-01", testStart)

	content := []byte("show running-config output")
	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 0, Name: "sw-01.cfg", SHA256: sum256([]byte("different bytes"))}, content))

	_, err := sink.finalize(nil)
	require.ErrorContains(t, err, "checksum mismatch")
	assert.Equal(t, faults.TransportClosed, faults.KindOf(err), "mismatch must look transient so the engine retries")

	// Nothing may land under a final name.
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assertNoArtifacts(t, store, entries)
}

func TestSinkDetectsManifestChecksumMismatch(t *testing.T) {
	store := newTestStore(t)
	sink := newArtifactSink(store, "acme", "sw-01", testStart)

	content := []byte("startup-config")
	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 0, Name: "sw-01.cfg"}, content))

	_, err := sink.finalize([]wire.ArtifactInfo{
		{Kind: wire.BackupConfig, Name: "sw-01.cfg", SHA256: sum256([]byte("tampered"))},
	})
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestSinkBrokenStreamDiscardsSpool(t *testing.T) {
	store := newTestStore(t)
	sink := newArtifactSink(store, "acme", "sw-01", testStart)

	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 0, Name: "sw-01.cfg"}, []byte("partial conf")))
	sink.CloseWithError(errors.New("websocket: close 1006 (abnormal closure)"))

	_, err := sink.finalize(nil)
	require.Error(t, err)
	assert.Equal(t, faults.TransportClosed, faults.KindOf(err))

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assertNoArtifacts(t, store, entries)
}

func TestSinkRefusesChunksAfterFinalize(t *testing.T) {
	store := newTestStore(t)
	sink := newArtifactSink(store, "acme", "sw-01", testStart)

	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 0, Name: "sw-01.cfg"}, []byte("conf")))
	_, err := sink.finalize(nil)
	require.NoError(t, err)

	err = sink.Chunk(wire.ChunkMeta{Seq: 1}, []byte("straggler"))
	require.ErrorContains(t, err, "finalized")
}

func TestSinkDiscardLeavesNoFiles(t *testing.T) {
	store := newTestStore(t)
	sink := newArtifactSink(store, "acme", "sw-01", testStart)

	require.NoError(t, sink.Chunk(wire.ChunkMeta{Seq: 0, Name: "sw-01.cfg"}, []byte("conf")))
	sink.discard()

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assertNoArtifacts(t, store, entries)
}

// assertNoArtifacts walks the remaining tree and fails on any regular file:
// aborted spools must leave directories at most.
func assertNoArtifacts(t *testing.T, store *Store, entries []os.DirEntry) {
	t.Helper()
	var walk func(dir string, entries []os.DirEntry)
	walk = func(dir string, entries []os.DirEntry) {
		for _, e := range entries {
			full := dir + string(os.PathSeparator) + e.Name()
			if !e.IsDir() {
				t.Fatalf("unexpected file %s", full)
			}
			sub, err := os.ReadDir(full)
			require.NoError(t, err)
			walk(full, sub)
		}
	}
	walk(store.Root(), entries)
}

func TestExtAndKindInference(t *testing.T) {
	assert.Equal(t, "rsc", extFromName("gw-01.rsc"))
	assert.Equal(t, "cfg", extFromName("running-config"))
	assert.Equal(t, wire.BackupBinary, kindFromName("gw-01.backup"))
	assert.Equal(t, wire.BackupConfig, kindFromName("gw-01.rsc"))
	assert.Equal(t, wire.BackupConfig, kindFromName("plain"))
}
