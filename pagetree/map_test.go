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

package pagetree

import (
	"bytes"
	"fmt"
	"testing"
)

func key(i int) []byte { return []byte(fmt.Sprintf("k%05d", i)) }
func val(i int) []byte { return []byte(fmt.Sprintf("v%05d", i)) }

func TestMapPutGet(t *testing.T) {
	m := New(1, nil)
	for i := 0; i < 200; i++ {
		if err := m.Put(key(i), val(i)); err != nil {
			t.Fatal(err)
		}
	}
	if m.Size() != 200 {
		t.Fatalf("Size() = %d, want 200", m.Size())
	}
	for i := 0; i < 200; i++ {
		v, ok, err := m.Get(key(i))
		if err != nil {
			t.Fatal(err)
		}
		if !ok || !bytes.Equal(v, val(i)) {
			t.Fatalf("Get(%d) = %q, %v", i, v, ok)
		}
	}
	if _, ok, _ := m.Get([]byte("missing")); ok {
		t.Fatal("expected miss")
	}
}

func TestMapOverwrite(t *testing.T) {
	m := New(1, nil)
	m.Put(key(1), val(1))
	m.Put(key(1), val(2))
	v, ok, _ := m.Get(key(1))
	if !ok || !bytes.Equal(v, val(2)) {
		t.Fatalf("expected overwritten value, got %q", v)
	}
	if m.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", m.Size())
	}
}

func TestMapRemove(t *testing.T) {
	m := New(1, nil)
	for i := 0; i < 50; i++ {
		m.Put(key(i), val(i))
	}
	removed, err := m.Remove(key(10))
	if err != nil || !removed {
		t.Fatalf("Remove(10) = %v, %v", removed, err)
	}
	if _, ok, _ := m.Get(key(10)); ok {
		t.Fatal("expected key 10 to be gone")
	}
	if m.Size() != 49 {
		t.Fatalf("Size() = %d, want 49", m.Size())
	}
	removed, err = m.Remove(key(10))
	if err != nil || removed {
		t.Fatal("expected second remove to report not-found")
	}
}

func TestMapFirstLastCeilingKey(t *testing.T) {
	m := New(1, nil)
	for _, i := range []int{5, 1, 9, 3, 7} {
		m.Put(key(i), val(i))
	}
	first, _, _ := m.FirstKey()
	last, _, _ := m.LastKey()
	if !bytes.Equal(first, key(1)) {
		t.Fatalf("FirstKey() = %q", first)
	}
	if !bytes.Equal(last, key(9)) {
		t.Fatalf("LastKey() = %q", last)
	}
	ceil, ok, _ := m.CeilingKey(key(4))
	if !ok || !bytes.Equal(ceil, key(5)) {
		t.Fatalf("CeilingKey(4) = %q, %v", ceil, ok)
	}
}

func TestCursorOrder(t *testing.T) {
	m := New(1, nil)
	order := []int{50, 10, 30, 70, 20, 60, 40, 5, 99, 1}
	for _, i := range order {
		m.Put(key(i), val(i))
	}
	c := NewCursor(m, nil)
	var got []string
	for c.Next() {
		got = append(got, string(c.Key()))
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("cursor not ascending at %d: %q >= %q", i, got[i-1], got[i])
		}
	}
	if len(got) != len(order) {
		t.Fatalf("got %d entries, want %d", len(got), len(order))
	}
}

func TestCursorFrom(t *testing.T) {
	m := New(1, nil)
	for i := 0; i < 30; i++ {
		m.Put(key(i), val(i))
	}
	c := NewCursor(m, key(15))
	if !c.Next() || !bytes.Equal(c.Key(), key(15)) {
		t.Fatalf("expected cursor to start at key 15, got %q", c.Key())
	}
}

func TestMapSplitsUnderSmallBudget(t *testing.T) {
	m := New(1, nil)
	m.SplitSize = 64 // force splits almost immediately
	for i := 0; i < 100; i++ {
		if err := m.Put(key(i), val(i)); err != nil {
			t.Fatal(err)
		}
	}
	if m.root.Leaf {
		t.Fatal("expected root to have split into an internal node")
	}
	for i := 0; i < 100; i++ {
		v, ok, err := m.Get(key(i))
		if err != nil || !ok || !bytes.Equal(v, val(i)) {
			t.Fatalf("Get(%d) after splits = %q, %v, %v", i, v, ok, err)
		}
	}
}
