// Package transport implements the symmetric, length-prefixed framing used
// for every peer-to-peer connection: each frame is a big-endian 16-bit byte
// count followed by that many bytes of JSON-encoded wire.Envelope.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/geoffjay/plantd/fleet/ferrors"
)

// MaxFrameSize is the largest payload a single frame can carry, bounded by
// the 16-bit length prefix.
const MaxFrameSize = 1<<16 - 1

// ReadFrame reads one length-prefixed frame from r and returns its payload
// bytes. A short read, or any I/O error other than io.EOF on the very first
// byte, is returned wrapped as a ferrors.Protocol error: per the frame
// contract this is fatal to the connection.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ferrors.NewProtocol("frame length read failed", err)
	}

	size := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ferrors.NewProtocol("frame payload read failed", err)
		}
	}

	return payload, nil
}

// WriteFrame writes payload as a single length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ferrors.NewProtocol(
			fmt.Sprintf("payload of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize),
			nil,
		)
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return ferrors.NewProtocol("frame length write failed", err)
	}
	if _, err := w.Write(payload); err != nil {
		return ferrors.NewProtocol("frame payload write failed", err)
	}

	return nil
}
