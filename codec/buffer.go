// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package codec implements the write buffer, varint
// encoding, and typed value encoding shared by every
// on-disk structure: page headers, chunk headers, the
// layout map, and row values.
package codec

import (
	"fmt"
)

// Buffer is a growable byte buffer with positional
// writes, the way ion.Buffer supports building up a
// page or chunk body incrementally without knowing
// the final length in advance.
type Buffer struct {
	buf []byte
}

// Reset empties the buffer while keeping its backing array.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
}

// Set points the buffer at an existing slice and resets
// the write cursor to its end, so callers can resume
// appending to a buffer produced elsewhere (e.g. a chunk
// header that is patched after the body has been written).
func (b *Buffer) Set(p []byte) {
	b.buf = p
}

// Bytes returns the buffer's contents. The slice is only
// valid until the next Put* call.
func (b *Buffer) Bytes() []byte { return b.buf }

// Position returns the current write cursor, i.e. the
// number of bytes written so far.
func (b *Buffer) Position() int { return len(b.buf) }

// Limit returns the capacity of the underlying array;
// writes beyond Limit force a reallocation.
func (b *Buffer) Limit() int { return cap(b.buf) }

func (b *Buffer) grow(n int) []byte {
	off := len(b.buf)
	if cap(b.buf)-off >= n {
		b.buf = b.buf[:off+n]
	} else {
		nb := make([]byte, off+n, n+2*off+64)
		copy(nb, b.buf)
		b.buf = nb
	}
	return b.buf[off : off+n]
}

// Put appends p verbatim.
func (b *Buffer) Put(p []byte) {
	copy(b.grow(len(p)), p)
}

// PutByte appends a single byte.
func (b *Buffer) PutByte(v byte) {
	b.grow(1)[0] = v
}

// PutUint16 appends v in big-endian order.
func (b *Buffer) PutUint16(v uint16) {
	dst := b.grow(2)
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

// PutUint32 appends v in big-endian order.
func (b *Buffer) PutUint32(v uint32) {
	dst := b.grow(4)
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// PutUint64 appends v in big-endian order.
func (b *Buffer) PutUint64(v uint64) {
	dst := b.grow(8)
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (56 - 8*i))
	}
}

// PutVarInt appends v as an unsigned LEB128 varint.
// v must be non-negative; lengths, counts and ordinals
// are the only things PutVarInt is used for.
func (b *Buffer) PutVarInt(v int) {
	b.PutVarLong(int64(v))
}

// PutVarLong appends v as an unsigned LEB128 varint.
func (b *Buffer) PutVarLong(v int64) {
	if v < 0 {
		panic("codec: PutVarLong of negative value")
	}
	u := uint64(v)
	for u >= 0x80 {
		b.PutByte(byte(u) | 0x80)
		u >>= 7
	}
	b.PutByte(byte(u))
}

// PutStringData appends a varint length prefix followed
// by the UTF-8 bytes of s.
func (b *Buffer) PutStringData(s string) {
	b.PutVarInt(len(s))
	b.Put([]byte(s))
}

// VarIntSize returns the encoded size of v as a varint.
func VarIntSize(v int64) int {
	if v < 0 {
		panic("codec: VarIntSize of negative value")
	}
	n := 1
	u := uint64(v)
	for u >= 0x80 {
		n++
		u >>= 7
	}
	return n
}

// Reader decodes values written by Buffer from a fixed slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Position returns the reader's current offset into its buffer.
func (r *Reader) Position() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("codec: short read, need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// Uint16 reads a big-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := uint16(r.buf[r.pos])<<8 | uint16(r.buf[r.pos+1])
	r.pos += 2
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := uint32(r.buf[r.pos])<<24 | uint32(r.buf[r.pos+1])<<16 |
		uint32(r.buf[r.pos+2])<<8 | uint32(r.buf[r.pos+3])
	r.pos += 4
	return v, nil
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(r.buf[r.pos+i])
	}
	r.pos += 8
	return v, nil
}

// VarInt reads an unsigned LEB128 varint as an int.
func (r *Reader) VarInt() (int, error) {
	v, err := r.VarLong()
	return int(v), err
}

// VarLong reads an unsigned LEB128 varint as an int64.
func (r *Reader) VarLong() (int64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.Byte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("codec: varint overflow")
		}
	}
	return int64(result), nil
}

// StringData reads a varint-length-prefixed string.
func (r *Reader) StringData() (string, error) {
	n, err := r.VarInt()
	if err != nil {
		return "", err
	}
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// Skip advances the reader by n bytes without copying.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}
