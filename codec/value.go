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

package codec

import (
	"fmt"
	"math"

	"github.com/kv-storeng/pagestore/errs"
)

// Kind tags the domain value stored in a Value.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindDecimal
	KindDate
	KindTime
	KindTimestamp
	KindUUID
	KindBytes
	KindString
	KindArray
)

// Value is a tagged union over the store's domain value
// kinds. Index-column payloads beyond this opaque encoding
// (geometry, user-defined types) are out of scope; callers
// that need richer types store them as KindBytes and
// interpret the payload themselves.
type Value struct {
	Kind    Kind
	Bool    bool
	Int64   int64   // Int, Long, Date (epoch day), Time (nanos of day)
	Float64 float64 // Float, Double
	Scale   int     // Decimal
	Bytes   []byte  // Bytes, UUID (16 bytes), Decimal unscaled magnitude
	Str     string  // String
	Array   []Value // Array
}

// opcode space, stable across format versions; unknown
// opcodes raise FileCorrupt in the reader. Kept inside
// 0..138 per the on-disk format contract.
const (
	opSmallIntBase  = 0   // 0..15: inline small ints
	opBoolFalse     = 16
	opBoolTrue      = 17
	opFloatZero     = 18
	opFloatOne      = 19
	opDoubleZero    = 20
	opDoubleOne     = 21
	opNull          = 22
	opIntLong       = 23 // raw two's-complement LEB128 varint (putRawVarLong), Int
	opLongLong      = 24 // same, Long
	opFloat         = 25 // 4-byte IEEE-754
	opDouble        = 26 // 8-byte IEEE-754
	opDecimal       = 27
	opTime          = 28
	opDate          = 29
	opTimestamp     = 30
	opUUID          = 31
	opShortStrBase  = 32 // 32..63: inline string, length 0..31
	opLongStr       = 64
	opShortByteBase = 65 // 65..96: inline bytes, length 0..31
	opLongBytes     = 97
	opArray         = 98
)

// Write encodes v onto b using the compact opcode for
// common cases and a length-prefixed form otherwise.
func Write(b *Buffer, v Value) {
	switch v.Kind {
	case KindNull:
		b.PutByte(opNull)
	case KindBool:
		if v.Bool {
			b.PutByte(opBoolTrue)
		} else {
			b.PutByte(opBoolFalse)
		}
	case KindInt:
		if v.Int64 >= 0 && v.Int64 <= 15 {
			b.PutByte(byte(opSmallIntBase + v.Int64))
			return
		}
		b.PutByte(opIntLong)
		putRawVarLong(b, v.Int64)
	case KindLong:
		// always the long-form opcode: the inline small-int
		// opcodes 0..15 decode as Int
		b.PutByte(opLongLong)
		putRawVarLong(b, v.Int64)
	case KindFloat:
		switch {
		case v.Float64 == 0:
			b.PutByte(opFloatZero)
		case v.Float64 == 1:
			b.PutByte(opFloatOne)
		default:
			b.PutByte(opFloat)
			b.PutUint32(math.Float32bits(float32(v.Float64)))
		}
	case KindDouble:
		switch {
		case v.Float64 == 0:
			b.PutByte(opDoubleZero)
		case v.Float64 == 1:
			b.PutByte(opDoubleOne)
		default:
			b.PutByte(opDouble)
			b.PutUint64(math.Float64bits(v.Float64))
		}
	case KindDecimal:
		b.PutByte(opDecimal)
		putRawVarLong(b, int64(v.Scale))
		b.PutVarInt(len(v.Bytes))
		b.Put(v.Bytes)
	case KindTime:
		b.PutByte(opTime)
		b.PutVarLong(v.Int64)
	case KindDate:
		b.PutByte(opDate)
		putRawVarLong(b, v.Int64)
	case KindTimestamp:
		b.PutByte(opTimestamp)
		putRawVarLong(b, v.Int64>>32) // epoch day
		b.PutVarLong(v.Int64 & 0xffffffff)
	case KindUUID:
		b.PutByte(opUUID)
		b.Put(v.Bytes[:16])
	case KindString:
		if len(v.Str) <= 31 {
			b.PutByte(byte(opShortStrBase + len(v.Str)))
			b.Put([]byte(v.Str))
			return
		}
		b.PutByte(opLongStr)
		b.PutStringData(v.Str)
	case KindBytes:
		if len(v.Bytes) <= 31 {
			b.PutByte(byte(opShortByteBase + len(v.Bytes)))
			b.Put(v.Bytes)
			return
		}
		b.PutByte(opLongBytes)
		b.PutVarInt(len(v.Bytes))
		b.Put(v.Bytes)
	case KindArray:
		b.PutByte(opArray)
		b.PutVarInt(len(v.Array))
		for i := range v.Array {
			Write(b, v.Array[i])
		}
	default:
		panic(fmt.Sprintf("codec: unsupported value kind %d", v.Kind))
	}
}

// putRawVarLong appends v's raw two's-complement bit pattern as an
// LEB128 varint, the same algorithm PutVarLong uses but without its
// non-negative guard: spec.md's dedicated int/long/date/timestamp
// opcodes carry the magnitude directly, not a zigzag permutation, so
// a negative value costs up to 10 bytes instead of being folded into
// the low bit the way zigzag would.
func putRawVarLong(b *Buffer, v int64) {
	u := uint64(v)
	for u >= 0x80 {
		b.PutByte(byte(u) | 0x80)
		u >>= 7
	}
	b.PutByte(byte(u))
}

// Read decodes a single Value from r.
func Read(r *Reader) (Value, error) {
	op, err := r.Byte()
	if err != nil {
		return Value{}, err
	}
	return readOp(r, op)
}

func readOp(r *Reader, op byte) (Value, error) {
	switch {
	case op <= 15:
		return Value{Kind: KindInt, Int64: int64(op)}, nil
	case op == opBoolFalse:
		return Value{Kind: KindBool, Bool: false}, nil
	case op == opBoolTrue:
		return Value{Kind: KindBool, Bool: true}, nil
	case op == opFloatZero:
		return Value{Kind: KindFloat, Float64: 0}, nil
	case op == opFloatOne:
		return Value{Kind: KindFloat, Float64: 1}, nil
	case op == opDoubleZero:
		return Value{Kind: KindDouble, Float64: 0}, nil
	case op == opDoubleOne:
		return Value{Kind: KindDouble, Float64: 1}, nil
	case op == opNull:
		return Value{Kind: KindNull}, nil
	case op == opIntLong:
		v, err := r.VarLong()
		return Value{Kind: KindInt, Int64: v}, err
	case op == opLongLong:
		v, err := r.VarLong()
		return Value{Kind: KindLong, Int64: v}, err
	case op == opFloat:
		u, err := r.Uint32()
		return Value{Kind: KindFloat, Float64: float64(math.Float32frombits(u))}, err
	case op == opDouble:
		u, err := r.Uint64()
		return Value{Kind: KindDouble, Float64: math.Float64frombits(u)}, err
	case op == opDecimal:
		scale, err := r.VarLong()
		if err != nil {
			return Value{}, err
		}
		n, err := r.VarInt()
		if err != nil {
			return Value{}, err
		}
		mag, err := r.Bytes(n)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindDecimal, Scale: int(scale), Bytes: append([]byte(nil), mag...)}, nil
	case op == opTime:
		v, err := r.VarLong()
		return Value{Kind: KindTime, Int64: v}, err
	case op == opDate:
		v, err := r.VarLong()
		return Value{Kind: KindDate, Int64: v}, err
	case op == opTimestamp:
		day, err := r.VarLong()
		if err != nil {
			return Value{}, err
		}
		nanos, err := r.VarLong()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindTimestamp, Int64: day<<32 | (nanos & 0xffffffff)}, nil
	case op == opUUID:
		b, err := r.Bytes(16)
		return Value{Kind: KindUUID, Bytes: append([]byte(nil), b...)}, err
	case op >= opShortStrBase && op < opShortStrBase+32:
		n := int(op - opShortStrBase)
		b, err := r.Bytes(n)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: string(b)}, nil
	case op == opLongStr:
		s, err := r.StringData()
		return Value{Kind: KindString, Str: s}, err
	case op >= opShortByteBase && op < opShortByteBase+32:
		n := int(op - opShortByteBase)
		b, err := r.Bytes(n)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: append([]byte{}, b...)}, nil
	case op == opLongBytes:
		n, err := r.VarInt()
		if err != nil {
			return Value{}, err
		}
		b, err := r.Bytes(n)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}, nil
	case op == opArray:
		n, err := r.VarInt()
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, n)
		for i := 0; i < n; i++ {
			arr[i], err = Read(r)
			if err != nil {
				return Value{}, err
			}
		}
		return Value{Kind: KindArray, Array: arr}, nil
	default:
		return Value{}, errs.New(errs.FileCorrupt, fmt.Sprintf("unknown value opcode %d", op))
	}
}
