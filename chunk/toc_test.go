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
	"reflect"
	"testing"
)

func TestTocRoundTrip(t *testing.T) {
	want := &Toc{Entries: []TocEntry{
		{Offset: 4096, Length: 128, IsNode: false, MapID: 1},
		{Offset: 4224, Length: 64, IsNode: true, MapID: 1},
		{Offset: 256, Length: 4096, IsNode: false, MapID: 2}, // offset goes backward
	}}
	got, err := DecodeToc(want.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(want.Entries, got.Entries) {
		t.Fatalf("got %+v, want %+v", got.Entries, want.Entries)
	}
}

func TestTocEmpty(t *testing.T) {
	want := &Toc{}
	got, err := DecodeToc(want.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(got.Entries))
	}
}
