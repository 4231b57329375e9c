// CLAUDE:SUMMARY Packed bit helpers: MSB-first byte layout shared by every bitstore backend and the wire format.
// Package bits manipulates packed bit arrays.
//
// Bit i lives in byte i/8 under mask 0x80>>(i%8). This is the layout Redis
// uses for SETBIT/GETBIT, so an image read from any backend can be written to
// any other one unchanged.
package bits

import "math/bits"

// Bytes returns the number of bytes needed to hold n bits.
func Bytes(n int) int {
	return (n + 7) / 8
}

func mask(i int) byte {
	return 0x80 >> uint(i%8)
}

// Get reports bit i of buf. Bits beyond the end of buf read as false.
func Get(buf []byte, i int) bool {
	b := i / 8
	if b >= len(buf) {
		return false
	}
	return buf[b]&mask(i) != 0
}

// Set writes bit i of buf and reports the previous value.
// buf must be long enough to hold bit i.
func Set(buf []byte, i int, v bool) (old bool) {
	b := i / 8
	m := mask(i)
	old = buf[b]&m != 0
	if v {
		buf[b] |= m
	} else {
		buf[b] &^= m
	}
	return old
}

// Count returns the number of set bits in buf.
func Count(buf []byte) int {
	n := 0
	for _, b := range buf {
		n += bits.OnesCount8(b)
	}
	return n
}

// Unpack expands bits [start, end) of buf into a bool slice.
func Unpack(buf []byte, start, end int) []bool {
	if end <= start {
		return []bool{}
	}
	out := make([]bool, end-start)
	for i := start; i < end; i++ {
		out[i-start] = Get(buf, i)
	}
	return out
}

// Pack is the inverse of Unpack for a slice starting at bit 0.
func Pack(cells []bool) []byte {
	buf := make([]byte, Bytes(len(cells)))
	for i, v := range cells {
		if v {
			buf[i/8] |= mask(i)
		}
	}
	return buf
}
