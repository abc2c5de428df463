package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxFrameSize bounds a single length-prefixed frame to guard against a
// misbehaving peer claiming an unbounded length.
const MaxFrameSize = 16 << 20 // 16 MiB

// Substream kind markers. yamux carries no protocol-multiplexing concept of
// its own (see internal/mux), so every substream opener writes one of these
// as its very first raw byte and the accepting side reads it before
// constructing a bufio.Reader over the rest of the substream, letting one
// accept loop demultiplex messaging substreams from RPC substreams.
const (
	SubstreamKindMessage byte = iota
	SubstreamKindRPC
)

// WriteFrame writes a varint length prefix followed by payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var tmp [maxVarintLen]byte
	n := varint.PutUvarint(tmp[:], uint64(len(payload)))
	if _, err := w.Write(tmp[:n]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one varint-length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return buf, nil
}
