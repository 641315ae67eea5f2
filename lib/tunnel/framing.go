// Package tunnel implements the Federation Tunnel: a length-prefixed
// protocol over QUIC-like bidirectional streams that multiplexes many
// remote users through a single peer connection (spec.md §4.5). Grounded
// on original_source/packages/crab_city/src/interconnect/protocol.rs for
// the framing and message shapes, generalized from iroh's endpoint streams
// to any io.Reader/io.Writer so it composes with github.com/quic-go/quic-go
// streams without binding the wire format to one transport.
package tunnel

import (
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
)

// MaxFrameBytes is the largest permitted frame payload (spec.md §4.5); a
// larger declared length is a framing error that closes the tunnel.
const MaxFrameBytes = 1 << 20

// WriteFrame writes payload as u32be length || bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return trace.Wrap(err, "writing frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return trace.Wrap(err, "writing frame payload")
	}
	return nil
}

// ReadFrame reads one u32be-length-prefixed payload. It returns io.EOF when
// the stream ends cleanly before any bytes of a new frame are read, and a
// wrapped trace.BadParameter if the declared length exceeds MaxFrameBytes
// (spec.md §4.5's "larger messages are a protocol error").
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, trace.ConnectionProblem(err, "tunnel stream closed mid-frame")
		}
		return nil, err // io.EOF propagates as clean close
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, trace.BadParameter("tunnel frame too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, trace.ConnectionProblem(err, "tunnel stream closed mid-frame")
	}
	return buf, nil
}
