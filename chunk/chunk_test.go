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

package chunk

import (
	"testing"
	"time"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		ID:            7,
		LengthBlocks:  40,
		PageCount:     12,
		MaxLen:        16384,
		MaxLenLive:    12000,
		MapID:         1,
		NextBlock:     9000,
		Version:       42,
		Created:       time.Unix(1_700_000_000, 0).UTC(),
		LayoutRootPos: NewPos(7, 128, true, 3),
		TocPos:        NewPos(7, 4000, false, 5),
	}
	got, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if *got != *h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHeaderFillRate(t *testing.T) {
	h := &Header{MaxLen: 1000, MaxLenLive: 250}
	if got := h.FillRate(); got != 25 {
		t.Fatalf("FillRate() = %d, want 25", got)
	}
	if (&Header{}).FillRate() != 0 {
		t.Fatal("FillRate() of empty header should be 0")
	}
}

func TestHeaderCorruptMissingFletcher(t *testing.T) {
	if _, err := DecodeHeader([]byte("chunk:7,len:10\n")); err == nil {
		t.Fatal("expected error decoding header without fletcher trailer")
	}
}
