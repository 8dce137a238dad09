package connect

import (
	"encoding/binary"
	"io"

	"github.com/bringyour/remoteblock/protocol"
)

// each message on the stream is `[uint32 big endian length][payload]`

const FrameHeaderByteCount = 4

func DefaultMaxMessageByteCount() ByteCount {
	return mib(16)
}

// WriteFramed writes the header and payload with a single write.
func WriteFramed(w io.Writer, b []byte) error {
	framed := make([]byte, FrameHeaderByteCount+len(b))
	binary.BigEndian.PutUint32(framed[0:FrameHeaderByteCount], uint32(len(b)))
	copy(framed[FrameHeaderByteCount:], b)
	_, err := w.Write(framed)
	return err
}

// ReadFramed reads one complete payload into a new buffer.
// A length of 0 or above `maxMessageByteCount` returns a `*protocol.DecodeError`;
// the stream cannot be resynchronized after that.
// `offset` is the stream position of the header, used for error reporting.
func ReadFramed(r io.Reader, maxMessageByteCount ByteCount, offset int64) ([]byte, error) {
	var header [FrameHeaderByteCount]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	messageByteCount := ByteCount(binary.BigEndian.Uint32(header[:]))
	if messageByteCount == 0 {
		return nil, protocol.NewDecodeError(int(offset), "zero length message")
	}
	if maxMessageByteCount < messageByteCount {
		return nil, protocol.NewDecodeError(
			int(offset),
			"message length %d exceeds max %d",
			messageByteCount,
			maxMessageByteCount,
		)
	}
	b := make([]byte, messageByteCount)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			// the header promised a payload
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}
