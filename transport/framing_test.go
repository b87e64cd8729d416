package transport

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/geoffjay/plantd/fleet/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadFrameAcrossMultipleWrites(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	r := bufio.NewReader(&buf)

	first, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first)

	second, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), second)
}

func TestReadFramePartialBytesAssembledAcrossReads(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteFrame(&full, []byte("chunked")))
	data := full.Bytes()

	pr, pw := io.Pipe()
	go func() {
		for _, b := range data {
			_, _ = pw.Write([]byte{b})
		}
		pw.Close()
	}()

	got, err := ReadFrame(bufio.NewReader(pr))
	require.NoError(t, err)
	assert.Equal(t, []byte("chunked"), got)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameEOFOnCleanClose(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(nil)))
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameTruncatedLengthPrefixIsProtocolError(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0x01})))

	var fe *ferrors.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.Protocol, fe.Kind)
}

func TestReadFrameTruncatedPayloadIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("0123456789")))
	truncated := buf.Bytes()[:5]

	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(truncated)))

	var fe *ferrors.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.Protocol, fe.Kind)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))

	var fe *ferrors.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ferrors.Protocol, fe.Kind)
}
