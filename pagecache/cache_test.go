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

package pagecache

import "testing"

func TestCachePutGet(t *testing.T) {
	c := New[string](1<<20, 4, func(s string) int { return len(s) })
	c.Put(1, "hello")
	c.Put(2, "world")
	if v, ok := c.Get(1); !ok || v != "hello" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}
	if _, ok := c.Get(3); ok {
		t.Fatal("expected miss for uncached key")
	}
}

func TestCacheMissIsNotFatal(t *testing.T) {
	c := New[int](1024, 1, func(int) int { return 8 })
	if _, ok := c.Get(42); ok {
		t.Fatal("expected empty cache to miss")
	}
}

func TestCacheClear(t *testing.T) {
	c := New[int](1<<20, 2, func(int) int { return 8 })
	c.Put(1, 100)
	c.Put(2, 200)
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len() after Clear = %d", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss after Clear")
	}
}

func TestCacheEvictsUnderWeightBudget(t *testing.T) {
	// tiny budget: only a couple of 100-byte entries fit per shard
	c := New[int](250, 1, func(int) int { return 100 })
	for i := 0; i < 10; i++ {
		c.Put(uint64(i), i)
	}
	if c.Len() > 3 {
		t.Fatalf("expected eviction to keep cache small, got Len()=%d", c.Len())
	}
}
