package coldoc

import (
	"encoding/binary"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	off, buf := grow(buf, 4)
	binary.BigEndian.PutUint32(buf[off:], v)
	return buf
}

// boundedBuf accumulates bytes that must stay strictly below a fixed
// budget. Once an append would reach the budget, the buffer stops growing
// and reports overflow; callers translate that into an error appropriate
// for their encoding.
type boundedBuf struct {
	buf        []byte
	max        int
	overflowed bool
}

func newBoundedBuf(buf []byte, max int) boundedBuf {
	return boundedBuf{buf: buf[:0], max: max}
}

func (b *boundedBuf) Len() int         { return len(b.buf) }
func (b *boundedBuf) Bytes() []byte    { return b.buf }
func (b *boundedBuf) Overflowed() bool { return b.overflowed }

func (b *boundedBuf) Append(chunk []byte) {
	if b.overflowed || len(b.buf)+len(chunk) >= b.max {
		b.overflowed = b.overflowed || len(chunk) > 0
		return
	}
	b.buf = appendRaw(b.buf, chunk)
}

func (b *boundedBuf) AppendUint32(v uint32) {
	if b.overflowed || len(b.buf)+4 >= b.max {
		b.overflowed = true
		return
	}
	b.buf = appendUint32(b.buf, v)
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uint32() (uint32, error) {
	raw, err := d.Raw(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}
