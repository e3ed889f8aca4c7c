package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/casmesh/casmesh/pkg/cas"
)

// Encoder appends little-endian fields to a byte slice.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder appending to buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Buf returns the encoded bytes.
func (e *Encoder) Buf() []byte { return e.buf }

func (e *Encoder) U8(v byte) { e.buf = append(e.buf, v) }

func (e *Encoder) U16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }

func (e *Encoder) U32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *Encoder) U64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

func (e *Encoder) Key(k cas.Key) { e.buf = append(e.buf, k[:]...) }

// String writes a u16 length prefix followed by s. Longer strings are truncated.
func (e *Encoder) String(s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	e.U16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// Raw appends b without a length prefix. Only valid as the last field.
func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

// Decoder reads little-endian fields. The first short read or invalid value
// sticks; every later read returns zero values and Err reports the failure.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, format, args...)
	}
}

func (d *Decoder) take(n int, field string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.fail("%s: need %d bytes at offset %d, have %d", field, n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() byte {
	if b := d.take(1, "u8"); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) U16() uint16 {
	if b := d.take(2, "u16"); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) U32() uint32 {
	if b := d.take(4, "u32"); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) U64() uint64 {
	if b := d.take(8, "u64"); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) Bool() bool {
	switch v := d.U8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail("invalid bool %d", v)
		return false
	}
}

func (d *Decoder) Key() cas.Key {
	var k cas.Key
	if b := d.take(cas.KeySize, "key"); b != nil {
		copy(k[:], b)
	}
	return k
}

// String reads a u16-prefixed string no longer than max.
func (d *Decoder) String(max int) string {
	n := int(d.U16())
	if d.err == nil && n > max {
		d.fail("string of %d bytes exceeds limit %d", n, max)
		return ""
	}
	return string(d.take(n, "string"))
}

// Rest returns the remaining bytes. They alias the decoder's buffer.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[d.off:]
	d.off = len(d.buf)
	return b
}

// Err returns the sticky decode error.
func (d *Decoder) Err() error { return d.err }

// Finish returns the decode error, or a protocol error if bytes remain.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, "%d trailing bytes", len(d.buf)-d.off)
	}
	return nil
}

// Message is implemented by every request and response body.
type Message interface {
	Append(b []byte) []byte
	Decode(b []byte) error
}

// Marshal encodes m into a fresh slice.
func Marshal(m Message) []byte {
	return m.Append(nil)
}

// Unmarshal decodes b into m, naming the message type in errors.
func Unmarshal(t MsgType, b []byte, m Message) error {
	if err := m.Decode(b); err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}
	return nil
}

// Raw is a message body with no structure: FetchSegment chunks and empty
// acknowledgements.
type Raw []byte

func (m Raw) Append(b []byte) []byte { return append(b, m...) }

func (m *Raw) Decode(b []byte) error {
	*m = b
	return nil
}
