package transport

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/geoffjay/plantd/fleet/wire"
)

// ReadEnvelope reads one frame from r and decodes it as a wire.Envelope.
// A JSON decode failure is a Protocol error: a parse failure at the frame
// level or at the payload decode step is fatal to the connection.
func ReadEnvelope(r *bufio.Reader) (wire.Envelope, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return wire.Envelope{}, err
	}

	var env wire.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return wire.Envelope{}, ferrors.NewProtocol("envelope decode failed", err)
	}

	return env, nil
}

// WriteEnvelope encodes env as JSON and writes it as a single frame to w.
func WriteEnvelope(w io.Writer, env wire.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return ferrors.NewProtocol("envelope encode failed", err)
	}

	return WriteFrame(w, payload)
}
