package wire

import "github.com/grandir66/dadude2.0-sub000/internal/faults"

// ChunkMeta announces one segment of a binary artifact stream. It travels in
// a chunk text frame whose correlation id names the stream (the backup run
// id); the segment's raw bytes follow in the very next WebSocket binary
// frame. Seq starts at 0 and increments by one; the EOF chunk is terminal
// and carries no binary frame when Size is zero. Name and SHA256 are set on
// the first chunk of each artifact.
type ChunkMeta struct {
	Seq    int    `json:"seq"`
	Size   int    `json:"size"`
	EOF    bool   `json:"eof"`
	Name   string `json:"name,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// ChunkAssembler validates ordering of an incoming chunk stream. It does not
// buffer payload bytes; callers hand segments to their own writer.
type ChunkAssembler struct {
	next int
	done bool
}

// Accept checks meta against the expected sequence position. Out-of-order or
// post-EOF chunks fail the whole stream.
func (a *ChunkAssembler) Accept(meta ChunkMeta) error {
	if a.done {
		return faults.Newf(faults.Validation, "chunk after eof (seq %d)", meta.Seq)
	}
	if meta.Seq != a.next {
		return faults.Newf(faults.Validation, "chunk out of order: want seq %d, got %d", a.next, meta.Seq)
	}
	a.next++
	if meta.EOF {
		a.done = true
	}
	return nil
}

// Done reports whether the terminal EOF chunk was accepted.
func (a *ChunkAssembler) Done() bool { return a.done }
