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

package lob

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/kv-storeng/pagestore/mvcc"
	"github.com/kv-storeng/pagestore/store"
)

func openTestLobStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "db.store"), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	ts := mvcc.Open(s)
	lobs := Open(ts)
	t.Cleanup(func() {
		lobs.Close()
		ts.Close()
		s.Close()
	})
	return lobs
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	lobs := openTestLobStore(t)
	ts := lobs.ts

	content := bytes.Repeat([]byte("abcdefgh"), 20000) // spans multiple blocks
	tx := ts.Begin()
	id, err := lobs.Create(tx, 1, content)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2 := ts.Begin()
	got, err := lobs.Get(tx2, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(content))
	}
	tx2.Commit()
}

func TestCopyIsZeroCopyAndIndependent(t *testing.T) {
	lobs := openTestLobStore(t)
	ts := lobs.ts

	tx := ts.Begin()
	id, err := lobs.Create(tx, 1, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	copyID, err := lobs.Copy(tx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2 := ts.Begin()
	if err := lobs.Remove(tx2, id); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	tx3 := ts.Begin()
	got, err := lobs.Get(tx3, copyID)
	if err != nil {
		t.Fatalf("copy should survive removal of the original: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("unexpected content: %q", got)
	}
	tx3.Commit()
}

func TestRemoveQueuesReclaimWhenUnreferenced(t *testing.T) {
	lobs := openTestLobStore(t)
	ts := lobs.ts

	tx := ts.Begin()
	id, err := lobs.Create(tx, 1, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2 := ts.Begin()
	if err := lobs.Remove(tx2, id); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	tx3 := ts.Begin()
	if _, err := lobs.Get(tx3, id); err == nil {
		t.Fatal("expected removed lob to be unreadable")
	}
	tx3.Rollback()

	lobs.gc.mu.Lock()
	n := len(lobs.gc.pending)
	lobs.gc.mu.Unlock()
	if n == 0 {
		t.Fatal("expected a pending reclaim entry after dropping the last reference")
	}

	time.Sleep(2 * DefaultSweepInterval)
}
