package connect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/remoteblock/protocol"
)

func TestFraming(t *testing.T) {
	buf := &bytes.Buffer{}

	payloads := [][]byte{
		[]byte("a"),
		bytes.Repeat([]byte("b"), 1000),
		[]byte("c"),
	}
	for _, payload := range payloads {
		err := WriteFramed(buf, payload)
		assert.Equal(t, err, nil)
	}

	var offset int64
	for _, payload := range payloads {
		b, err := ReadFramed(buf, kib(4), offset)
		assert.Equal(t, err, nil)
		assert.Equal(t, b, payload)
		offset += int64(FrameHeaderByteCount + len(b))
	}

	_, err := ReadFramed(buf, kib(4), offset)
	assert.Equal(t, err, io.EOF)
}

func TestFramingBadLength(t *testing.T) {
	header := make([]byte, FrameHeaderByteCount)

	// zero
	_, err := ReadFramed(bytes.NewReader(header), kib(4), 0)
	var decodeErr *protocol.DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)

	// above max
	binary.BigEndian.PutUint32(header, uint32(kib(4)+1))
	_, err = ReadFramed(bytes.NewReader(header), kib(4), 0)
	assert.Equal(t, errors.As(err, &decodeErr), true)
}

func TestFramingTruncated(t *testing.T) {
	buf := &bytes.Buffer{}
	WriteFramed(buf, []byte("hello"))
	b := buf.Bytes()

	_, err := ReadFramed(bytes.NewReader(b[:len(b)-1]), kib(4), 0)
	assert.Equal(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFramed(bytes.NewReader(b[:2]), kib(4), 0)
	assert.Equal(t, err, io.ErrUnexpectedEOF)
}
