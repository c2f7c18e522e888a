package cloudsync

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge reports a length prefix above the configured cap.
var ErrFrameTooLarge = errors.New("cloudsync: frame exceeds size limit")

// appendFrame writes a 4-byte big-endian length prefix followed by msg.
func appendFrame(buf *bytes.Buffer, msg []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
}

// readFrame reads the next length-prefixed frame from r, skipping zero-length
// frames. A clean end of stream surfaces as io.EOF, a stream truncated inside
// a frame as io.ErrUnexpectedEOF.
func readFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int(n) > maxBytes {
			return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxBytes)
		}
		msg := make([]byte, int(n))
		if _, err := io.ReadFull(r, msg); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return msg, nil
	}
}
