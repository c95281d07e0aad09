package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"fxfeed/pkg/types"
)

// maxFrameBytes bounds how large a single inbound frame may declare itself,
// protecting the reader from a corrupt or hostile length prefix.
const maxFrameBytes = 16 << 20 // 16 MiB

// ReadFrame reads one length-prefixed frame from r: a 4-byte big-endian
// unsigned length followed by exactly that many envelope bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, &types.FrameError{Reason: "zero-length frame"}
	}
	if n > maxFrameBytes {
		return nil, &types.FrameError{Reason: fmt.Sprintf("frame length %d exceeds max %d", n, maxFrameBytes)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, envelope []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(envelope)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(envelope)
	return err
}
