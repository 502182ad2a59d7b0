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

package compr

import (
	"bytes"
	"testing"
)

func TestZstdRoundTrip(t *testing.T) {
	comp := New()
	if n := comp.Name(); n != "zstd" {
		t.Fatalf("bad compressor name %q", n)
	}
	dec := Decoder()
	if n := dec.Name(); n != "zstd" {
		t.Fatalf("bad decompressor name %q", n)
	}
	ctl := bytes.Repeat([]byte("foobarbaz"), 1000)
	src := append([]byte(nil), ctl...)
	cmp := comp.Compress(src, nil)
	dst := make([]byte, len(src))
	if err := dec.Decompress(cmp, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ctl, dst) {
		t.Fatal("round-trip mismatch")
	}
}

func TestZstdEmpty(t *testing.T) {
	comp := New()
	dec := Decoder()
	cmp := comp.Compress(nil, nil)
	dst := make([]byte, 0)
	if err := dec.Decompress(cmp, dst); err != nil {
		t.Fatal(err)
	}
}
