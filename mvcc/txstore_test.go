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

package mvcc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/store"
)

func openTestTxStore(t *testing.T) (*store.Store, *TransactionStore) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "db.store"), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	ts := Open(s)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func TestCommitMakesWriteVisible(t *testing.T) {
	_, ts := openTestTxStore(t)

	tx := ts.Begin()
	m, err := tx.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := m.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("read-your-writes failed: %q %v", v, ok)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2 := ts.Begin()
	m2, err := tx2.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err = m2.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("committed write not visible: %q %v", v, ok)
	}
	tx2.Commit()
}

func TestRollbackUndoesWrites(t *testing.T) {
	_, ts := openTestTxStore(t)

	tx := ts.Begin()
	m, err := tx.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	tx2 := ts.Begin()
	m2, err := tx2.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m2.Get([]byte("k")); ok {
		t.Fatal("rolled-back write should not be visible")
	}
	tx2.Commit()
}

func TestRepeatableReadSnapshotIsolation(t *testing.T) {
	_, ts := openTestTxStore(t)

	setup := ts.Begin()
	m, err := setup.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := setup.Commit(); err != nil {
		t.Fatal(err)
	}

	reader := ts.BeginWithOptions(RepeatableRead, DefaultLockTimeoutMillis)
	rm, err := reader.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}

	writer := ts.Begin()
	wm, err := writer.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	if err := wm.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatal(err)
	}

	v, ok, err := rm.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("repeatable read should still see v1, got %q %v", v, ok)
	}
	reader.Commit()

	readCommitted := ts.BeginWithOptions(ReadCommitted, DefaultLockTimeoutMillis)
	rcm, err := readCommitted.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err = rcm.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "v2" {
		t.Fatalf("read committed should see the latest commit, got %q %v", v, ok)
	}
	readCommitted.Commit()
}

func TestWriteContentionTimesOut(t *testing.T) {
	_, ts := openTestTxStore(t)

	txA := ts.Begin()
	mA, err := txA.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	if err := mA.Put([]byte("k"), []byte("a")); err != nil {
		t.Fatal(err)
	}

	txB := ts.BeginWithOptions(RepeatableRead, 50)
	mB, err := txB.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err = mB.Put([]byte("k"), []byte("b"))
	if !errs.Is(err, errs.TxLocked) {
		t.Fatalf("expected TxLocked, got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("should have waited close to the lock timeout")
	}
	txA.Rollback()
	txB.Rollback()
}

func TestLockPrimitiveNoWait(t *testing.T) {
	_, ts := openTestTxStore(t)

	txA := ts.Begin()
	mA, err := txA.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	if err := mA.Put([]byte("k"), []byte("a")); err != nil {
		t.Fatal(err)
	}

	txB := ts.Begin()
	mB, err := txB.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	err = mB.Lock([]byte("k"), -2)
	if !errs.Is(err, errs.TxLocked) {
		t.Fatalf("expected TxLocked, got %v", err)
	}
	txA.Rollback()
	txB.Rollback()
}

func TestDeadlockDetected(t *testing.T) {
	_, ts := openTestTxStore(t)

	txA := ts.Begin()
	mA, err := txA.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}
	txB := ts.Begin()
	mB, err := txB.OpenMap("rows")
	if err != nil {
		t.Fatal(err)
	}

	if err := mA.Lock([]byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	if err := mB.Lock([]byte("2"), 0); err != nil {
		t.Fatal(err)
	}

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- mA.Lock([]byte("2"), 2000) }()
	go func() { errB <- mB.Lock([]byte("1"), 2000) }()

	var gotA, gotB error
	select {
	case gotA = <-errA:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for A")
	}
	select {
	case gotB = <-errB:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for B")
	}

	deadlocks := 0
	for _, e := range []error{gotA, gotB} {
		if errs.Is(e, errs.TxDeadlock) {
			deadlocks++
		} else if !errs.Is(e, errs.TxLocked) {
			t.Fatalf("unexpected error: %v", e)
		}
	}
	if deadlocks != 1 {
		t.Fatalf("expected exactly one TxDeadlock, got %d (gotA=%v gotB=%v)", deadlocks, gotA, gotB)
	}
	txA.Rollback()
	txB.Rollback()
}
