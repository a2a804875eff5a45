package protocol

import (
	"encoding/binary"
	"fmt"

	"astral-proxy/internal/domain"
)

const (
	headerSize     = 3
	maxPayloadSize = 0xFFFF
)

// Frame is the unit of wire transfer: an opcode plus its payload.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// Encode writes opcode, big-endian payload length and payload.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > maxPayloadSize {
		return nil, domain.NewDomainError("protocol.Encode", domain.ErrEncode,
			fmt.Sprintf("%s payload is %d bytes, max %d", f.Opcode, len(f.Payload), maxPayloadSize))
	}
	out := make([]byte, headerSize+len(f.Payload))
	out[0] = byte(f.Opcode)
	binary.BigEndian.PutUint16(out[1:headerSize], uint16(len(f.Payload)))
	copy(out[headerSize:], f.Payload)
	return out, nil
}

// Decode parses one fully buffered frame. Bytes past the declared payload
// length are ignored. The payload references data; do not modify it.
func Decode(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, domain.NewDomainError("protocol.Decode", domain.ErrDecode,
			fmt.Sprintf("frame is %d bytes, header needs %d", len(data), headerSize))
	}
	n := int(binary.BigEndian.Uint16(data[1:headerSize]))
	if len(data)-headerSize < n {
		return Frame{}, domain.NewDomainError("protocol.Decode", domain.ErrDecode,
			fmt.Sprintf("%s declares %d payload bytes, got %d", Opcode(data[0]), n, len(data)-headerSize))
	}
	return Frame{Opcode: Opcode(data[0]), Payload: data[headerSize : headerSize+n]}, nil
}
