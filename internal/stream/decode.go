// decode.go implements the Saxo streaming binary frame format.
//
// Each WebSocket message carries one or more tightly-packed frames,
// little-endian:
//
//	offset  size  field
//	0       8     message id (uint64)
//	8       2     reserved
//	10      1     ref-id length L (uint8)
//	11      L     ref-id (ASCII)
//	11+L    1     payload format (0 = JSON UTF-8, other = opaque)
//	12+L    4     payload size S (uint32)
//	16+L    S     payload bytes
//
// The decoder iterates until the buffer is exhausted. A truncated frame
// aborts the remainder of the message; frames decoded before the failure
// are still returned, and the connection is never torn down over it.
package stream

import (
	"encoding/binary"
	"fmt"
)

// PayloadJSON marks a UTF-8 JSON payload. Anything else is opaque.
const PayloadJSON byte = 0

// Frame is one decoded streaming message.
type Frame struct {
	MessageID     uint64
	RefID         string
	PayloadFormat byte
	Payload       []byte
}

// frameHeaderSize is the fixed portion before the ref-id bytes.
const frameHeaderSize = 11

// DecodeFrames splits a WebSocket message into its logical frames.
func DecodeFrames(buf []byte) ([]Frame, error) {
	var frames []Frame
	off := 0

	for off < len(buf) {
		rest := buf[off:]
		if len(rest) < frameHeaderSize {
			return frames, fmt.Errorf("frame at offset %d: short header (%d bytes)", off, len(rest))
		}

		msgID := binary.LittleEndian.Uint64(rest[0:8])
		refLen := int(rest[10])

		need := frameHeaderSize + refLen + 5 // format byte + size word
		if len(rest) < need {
			return frames, fmt.Errorf("frame at offset %d: truncated ref id", off)
		}

		refID := string(rest[frameHeaderSize : frameHeaderSize+refLen])
		format := rest[frameHeaderSize+refLen]
		size := int(binary.LittleEndian.Uint32(rest[frameHeaderSize+refLen+1 : frameHeaderSize+refLen+5]))

		if len(rest) < need+size {
			return frames, fmt.Errorf("frame at offset %d: truncated payload (want %d bytes)", off, size)
		}

		payload := make([]byte, size)
		copy(payload, rest[need:need+size])

		frames = append(frames, Frame{
			MessageID:     msgID,
			RefID:         refID,
			PayloadFormat: format,
			Payload:       payload,
		})
		off += need + size
	}

	return frames, nil
}
