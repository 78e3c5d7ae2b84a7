package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"chiral-network/core/pkg/constants"
)

// frameLengthHeader is the size, in bytes, of the length prefix written
// before every frame on a stream-oriented connection (TCP or a QUIC stream).
const frameLengthHeader = 4

// WriteFrame writes f to w as a length-prefixed canonical-CBOR blob.
func WriteFrame(w io.Writer, f *BaseFrame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > constants.ResponseSizeMaximum {
		return fmt.Errorf("frame of %d bytes exceeds maximum %d", len(data), constants.ResponseSizeMaximum)
	}

	header := make([]byte, frameLengthHeader)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, rejecting any frame
// whose declared length exceeds maxSize (callers pass RequestSizeMaximum or
// ResponseSizeMaximum depending on which side of the exchange they're on).
func ReadFrame(r io.Reader, maxSize uint32) (*BaseFrame, error) {
	header := make([]byte, frameLengthHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header)
	if size == 0 {
		return nil, fmt.Errorf("frame has zero length")
	}
	if size > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum %d", size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	frame := &BaseFrame{}
	if err := frame.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return frame, nil
}
