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
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	var b Buffer
	Write(&b, v)
	got, err := Read(NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return got
}

func TestValueRoundTrip(t *testing.T) {
	cases := []Value{
		{Kind: KindNull},
		{Kind: KindBool, Bool: true},
		{Kind: KindBool, Bool: false},
		{Kind: KindInt, Int64: 0},
		{Kind: KindInt, Int64: 15},
		{Kind: KindInt, Int64: 16},
		{Kind: KindInt, Int64: -42},
		{Kind: KindLong, Int64: 1 << 40},
		{Kind: KindLong, Int64: -(1 << 40)},
		{Kind: KindFloat, Float64: 0},
		{Kind: KindFloat, Float64: 1},
		{Kind: KindFloat, Float64: 3.5},
		{Kind: KindDouble, Float64: 0},
		{Kind: KindDouble, Float64: 1},
		{Kind: KindDouble, Float64: -123.456},
		{Kind: KindDecimal, Scale: 2, Bytes: []byte{0x01, 0x02, 0x03}},
		{Kind: KindTime, Int64: 3600000000000},
		{Kind: KindDate, Int64: -100},
		{Kind: KindTimestamp, Int64: 19000<<32 | 1234},
		{Kind: KindUUID, Bytes: make([]byte, 16)},
		{Kind: KindString, Str: ""},
		{Kind: KindString, Str: "short"},
		{Kind: KindString, Str: "exactly thirty one chars long!!"[:31]},
		{Kind: KindString, Str: "this string is longer than thirty one characters for sure"},
		{Kind: KindBytes, Bytes: []byte{}},
		{Kind: KindBytes, Bytes: []byte{1, 2, 3}},
		{Kind: KindBytes, Bytes: make([]byte, 64)},
		{Kind: KindArray, Array: []Value{
			{Kind: KindInt, Int64: 1},
			{Kind: KindString, Str: "nested"},
		}},
	}
	for i, c := range cases {
		got := roundTrip(t, c)
		if !reflect.DeepEqual(got, c) {
			t.Errorf("case %d: round trip mismatch: got %+v, want %+v", i, got, c)
		}
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, (1 << 62) + 7} {
		var b Buffer
		b.PutVarLong(v)
		r := NewReader(b.Bytes())
		got, err := r.VarLong()
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Errorf("varint %d round tripped to %d", v, got)
		}
		if b.Position() != VarIntSize(v) {
			t.Errorf("VarIntSize(%d) = %d, actual encoded size %d", v, VarIntSize(v), b.Position())
		}
	}
}

func TestFletcher32Known(t *testing.T) {
	// Fletcher-32 of the empty input is 0.
	if got := Fletcher32(nil); got != 0 {
		t.Errorf("Fletcher32(nil) = %d, want 0", got)
	}
	// changing any byte must change the checksum (no claim of
	// minimal Hamming distance, just that it's sensitive)
	a := Fletcher32([]byte("the quick brown fox"))
	b := Fletcher32([]byte("the quick brown fdx"))
	if a == b {
		t.Errorf("Fletcher32 collided on a single-byte change")
	}
}
