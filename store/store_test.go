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

package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	s, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStorePutCommitReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.store")

	s := openTestStore(t, path, Options{})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openTestStore(t, path, Options{})
	defer s2.Close()
	m2, err := s2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err := m2.Get([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
	v, ok, err = m2.Get([]byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "2" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestStoreMultipleCommitsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.store")

	s := openTestStore(t, path, Options{})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		key := []byte{byte('a' + i)}
		if err := m.Put(key, key); err != nil {
			t.Fatal(err)
		}
		if err := s.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openTestStore(t, path, Options{})
	defer s2.Close()
	m2, err := s2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		key := []byte{byte('a' + i)}
		v, ok, err := m2.Get(key)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || string(v) != string(key) {
			t.Fatalf("key %q: got %q, %v", key, v, ok)
		}
	}
	st := s2.Stats()
	if st.Version != 5 {
		t.Fatalf("version = %d, want 5", st.Version)
	}
}

func TestStoreRollbackTo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.store")

	s := openTestStore(t, path, Options{})
	defer s.Close()
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	firstVersion := s.Stats().Version

	if err := m.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := s.RollbackTo(firstVersion); err != nil {
		t.Fatal(err)
	}
	m2, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m2.Get([]byte("b")); ok {
		t.Fatal("rollback should have undone the second commit")
	}
	v, ok, err := m2.Get([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestStoreCompactReclaimsDeadChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.store")

	s := openTestStore(t, path, Options{RetentionTime: time.Nanosecond})
	defer s.Close()
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		key := []byte{byte('a' + i)}
		if err := m.Put(key, key); err != nil {
			t.Fatal(err)
		}
		if err := s.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	before := s.Stats()
	if err := s.CompactFile(1000); err != nil {
		t.Fatal(err)
	}
	after := s.Stats()
	if after.ChunksLive+after.ChunksDead > before.ChunksLive+before.ChunksDead {
		t.Fatalf("compaction should not increase chunk count: before %+v after %+v", before, after)
	}
	v, ok, err := m.Get([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "a" {
		t.Fatalf("compaction must not lose live data: got %q, %v", v, ok)
	}
}

func TestStoreRemoveMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.store")

	s := openTestStore(t, path, Options{})
	defer s.Close()
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveMap("widgets"); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	m2, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if !m2.IsEmpty() {
		t.Fatal("reopening a removed map name should start fresh")
	}
}
