package protocol

import (
	"encoding/binary"
	"fmt"

	"astral-proxy/internal/domain"
)

// writer accumulates a payload. The first failure sticks and later writes
// are no-ops, so callers check err once at the end.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v byte) {
	if w.err == nil {
		w.buf = append(w.buf, v)
	}
}

func (w *writer) u16(v uint16) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *writer) u32(v uint32) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *writer) raw(b []byte) {
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

// str8 writes a 1-byte length then the UTF-8 bytes.
func (w *writer) str8(s string) {
	if w.err != nil {
		return
	}
	if len(s) > 0xFF {
		w.err = domain.NewDomainError("protocol.writeString", domain.ErrEncode,
			fmt.Sprintf("string of %d bytes exceeds 255", len(s)))
		return
	}
	w.u8(byte(len(s)))
	w.buf = append(w.buf, s...)
}

// str16 writes a 2-byte length then the UTF-8 bytes.
func (w *writer) str16(s string) {
	if w.err != nil {
		return
	}
	if len(s) > 0xFFFF {
		w.err = domain.NewDomainError("protocol.writeString", domain.ErrEncode,
			fmt.Sprintf("string of %d bytes exceeds 65535", len(s)))
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) frame(op Opcode) (Frame, error) {
	if w.err != nil {
		return Frame{}, w.err
	}
	if len(w.buf) > maxPayloadSize {
		return Frame{}, domain.NewDomainError("protocol.Encode", domain.ErrEncode,
			fmt.Sprintf("%s payload is %d bytes, max %d", op, len(w.buf), maxPayloadSize))
	}
	return Frame{Opcode: op, Payload: w.buf}, nil
}

// reader walks a payload. A short read records ErrDecode and every later
// read returns zero values.
type reader struct {
	buf []byte
	off int
	op  Opcode
	err error
}

func newReader(op Opcode, payload []byte) *reader {
	return &reader{buf: payload, op: op}
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) need(n int, what string) bool {
	if r.err != nil {
		return false
	}
	if r.remaining() < n {
		r.err = domain.NewDomainError("protocol.Decode", domain.ErrDecode,
			fmt.Sprintf("%s: %s needs %d bytes, %d left", r.op, what, n, r.remaining()))
		return false
	}
	return true
}

func (r *reader) u8(what string) byte {
	if !r.need(1, what) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16(what string) uint16 {
	if !r.need(2, what) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32(what string) uint32 {
	if !r.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int, what string) []byte {
	if !r.need(n, what) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) str8(what string) string {
	n := int(r.u8(what + " length"))
	return string(r.bytes(n, what))
}

func (r *reader) str16(what string) string {
	n := int(r.u16(what + " length"))
	return string(r.bytes(n, what))
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	v := r.buf[r.off:]
	r.off = len(r.buf)
	return v
}
