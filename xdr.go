package oncrpc

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxOpaqueLength bounds any length-prefixed opaque or string read from the
// wire. It exists to stop a malicious or corrupt peer from forcing a giant
// allocation via a forged length field; it is not part of the XDR standard.
const MaxOpaqueLength = 8 * 1024 * 1024

// Packer is an append-only growable buffer used to assemble an XDR-encoded
// message. All writes are padded to a 4-byte boundary, as required by RFC
// 4506. A Packer is owned by whichever operation is assembling a message and
// is normally discarded after the message is sent.
type Packer struct {
	buf []byte
}

// NewPacker returns an empty Packer ready for use.
func NewPacker() *Packer {
	return &Packer{buf: make([]byte, 0, 256)}
}

// Reset truncates the packer to zero length without releasing its backing
// array, so it can be reused across calls.
func (p *Packer) Reset() {
	p.buf = p.buf[:0]
}

// Len returns the number of bytes written so far.
func (p *Packer) Len() int { return len(p.buf) }

// Bytes returns the accumulated buffer. The returned slice aliases the
// packer's internal storage and must not be retained across a Reset.
func (p *Packer) Bytes() []byte { return p.buf }

func (p *Packer) pad(n int) {
	for i := 0; i < n; i++ {
		p.buf = append(p.buf, 0)
	}
}

func padLen(n int) int {
	return (4 - n%4) % 4
}

// PackRaw appends already-encoded bytes to the packer without any additional
// framing. Used by the proxy to splice an opaque argument tail through
// unexamined.
func (p *Packer) PackRaw(data []byte) {
	p.buf = append(p.buf, data...)
}

// PackUint appends a big-endian uint32.
func (p *Packer) PackUint(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	p.buf = append(p.buf, tmp[:]...)
}

// PackInt appends a big-endian two's-complement int32.
func (p *Packer) PackInt(v int32) {
	p.PackUint(uint32(v))
}

// PackBool appends a boolean as a 0/1 uint32.
func (p *Packer) PackBool(v bool) {
	if v {
		p.PackUint(1)
	} else {
		p.PackUint(0)
	}
}

// PackFloat appends an IEEE-754 single-precision float in network byte order.
func (p *Packer) PackFloat(v float32) {
	p.PackUint(math.Float32bits(v))
}

// PackDouble appends an IEEE-754 double-precision float in network byte order.
func (p *Packer) PackDouble(v float64) {
	bits := math.Float64bits(v)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	p.buf = append(p.buf, tmp[:]...)
}

// PackOpaque appends a length-prefixed, zero-padded opaque byte string.
func (p *Packer) PackOpaque(data []byte) {
	p.PackUint(uint32(len(data)))
	p.buf = append(p.buf, data...)
	p.pad(padLen(len(data)))
}

// PackString appends a length-prefixed, zero-padded UTF-8 string.
func (p *Packer) PackString(s string) {
	p.PackOpaque([]byte(s))
}

// PackFOpaque appends a fixed-length opaque byte string with no length
// prefix, padded to a 4-byte boundary. The caller must pass exactly n bytes.
func (p *Packer) PackFOpaque(n int, data []byte) error {
	if len(data) != n {
		return fmt.Errorf("oncrpc: fixed opaque length mismatch: want %d, got %d", n, len(data))
	}
	p.buf = append(p.buf, data...)
	p.pad(padLen(n))
	return nil
}

// PackFString is PackFOpaque over a string value.
func (p *Packer) PackFString(n int, s string) error {
	return p.PackFOpaque(n, []byte(s))
}

// Cursor is an immutable-slice reader over an XDR-encoded buffer. Reads
// advance an internal position and fail with ErrInsufficientData if they
// would cross the end of the readable window.
type Cursor struct {
	data []byte
	pos  int
	end  int
}

// NewCursor returns a Cursor over the whole of data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data, pos: 0, end: len(data)}
}

// Position returns the current read offset.
func (c *Cursor) Position() int { return c.pos }

// Remaining returns the number of unread bytes in the cursor's window.
func (c *Cursor) Remaining() int { return c.end - c.pos }

// Done reports whether the cursor has been read exactly to its end. The
// server uses this to detect GarbageArgs: a handler that leaves bytes unread
// (or reads past what was sent) has not correctly decoded its arguments.
func (c *Cursor) Done() bool { return c.pos == c.end }

// Bytes returns the unread tail of the cursor's window. Used by the proxy to
// splice an opaque argument tail through without interpreting it.
func (c *Cursor) Bytes() []byte { return c.data[c.pos:c.end] }

// Reset rewinds the cursor to the beginning of an empty window, discarding
// any partially read reply. Used when a reply's XID does not match the
// outstanding call, so the transport can attempt to read another reply.
func (c *Cursor) Reset() {
	c.data = nil
	c.pos = 0
	c.end = 0
}

func (c *Cursor) need(n int) error {
	if c.pos+n > c.end {
		return ErrInsufficientData
	}
	return nil
}

// UnpackUint reads a big-endian uint32.
func (c *Cursor) UnpackUint() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.data[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

// UnpackInt reads a big-endian two's-complement int32.
func (c *Cursor) UnpackInt() (int32, error) {
	v, err := c.UnpackUint()
	return int32(v), err
}

// UnpackBool reads a 0/1 uint32 as a bool. Any non-zero value is true.
func (c *Cursor) UnpackBool() (bool, error) {
	v, err := c.UnpackUint()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// UnpackFloat reads an IEEE-754 single-precision float.
func (c *Cursor) UnpackFloat() (float32, error) {
	v, err := c.UnpackUint()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// UnpackDouble reads an IEEE-754 double-precision float.
func (c *Cursor) UnpackDouble() (float64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	bits := binary.BigEndian.Uint64(c.data[c.pos : c.pos+8])
	c.pos += 8
	return math.Float64frombits(bits), nil
}

// UnpackOpaque reads a length-prefixed opaque byte string, skipping its
// padding. The returned slice aliases the cursor's backing array.
func (c *Cursor) UnpackOpaque() ([]byte, error) {
	length, err := c.UnpackUint()
	if err != nil {
		return nil, err
	}
	if length > MaxOpaqueLength || int(length) > c.Remaining() {
		return nil, fmt.Errorf("%w: length %d", ErrOverlongOpaque, length)
	}
	if err := c.need(int(length)); err != nil {
		return nil, err
	}
	data := c.data[c.pos : c.pos+int(length)]
	c.pos += int(length)
	if err := c.skipPad(padLen(int(length))); err != nil {
		return nil, err
	}
	return data, nil
}

// UnpackString reads a length-prefixed opaque byte string and interprets it
// as UTF-8 text.
func (c *Cursor) UnpackString() (string, error) {
	data, err := c.UnpackOpaque()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnpackFOpaque reads a fixed-length opaque byte string with no length
// prefix, consuming its padding.
func (c *Cursor) UnpackFOpaque(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	data := c.data[c.pos : c.pos+n]
	c.pos += n
	if err := c.skipPad(padLen(n)); err != nil {
		return nil, err
	}
	return data, nil
}

// UnpackFString is UnpackFOpaque interpreted as UTF-8 text.
func (c *Cursor) UnpackFString(n int) (string, error) {
	data, err := c.UnpackFOpaque(n)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// skipPad advances past n padding bytes. Non-zero padding is tolerated on
// read; the Pack* methods only ever emit zero padding.
func (c *Cursor) skipPad(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}
