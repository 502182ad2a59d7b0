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

import "testing"

func TestFreeSpaceAppendOnly(t *testing.T) {
	fs := NewFreeSpace(false)
	a := fs.Allocate(4)
	b := fs.Allocate(2)
	if a != 2 {
		t.Fatalf("first allocation = %d, want 2 (past reserved header blocks)", a)
	}
	if b != 6 {
		t.Fatalf("second allocation = %d, want 6", b)
	}
	fs.Free(a, 4)
	c := fs.Allocate(4)
	if c != 8 {
		t.Fatalf("append-only mode should not reuse holes, got %d", c)
	}
}

func TestFreeSpaceReuse(t *testing.T) {
	fs := NewFreeSpace(true)
	a := fs.Allocate(4)
	b := fs.Allocate(4)
	fs.Free(a, 4)
	c := fs.Allocate(4)
	if c != a {
		t.Fatalf("expected reuse of freed range at %d, got %d", a, c)
	}
	_ = b
}

func TestFreeSpaceHighWaterMark(t *testing.T) {
	fs := NewFreeSpace(true)
	fs.Allocate(10)
	if fs.HighWaterMark() != 12 {
		t.Fatalf("HighWaterMark() = %d, want 12", fs.HighWaterMark())
	}
}
