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
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/kv-storeng/pagestore/pagetree"
	"github.com/kv-storeng/pagestore/store"
)

// maxTid bounds transaction ids to 24 bits, per the triple's opID
// packing.
const maxTid = 1 << 24

// DefaultLockTimeoutMillis is used by Begin when the caller doesn't
// specify a per-transaction lock wait budget.
const DefaultLockTimeoutMillis = 5000

// DefaultDeadlockPollInterval is how often the waits-for graph is
// walked for cycles.
const DefaultDeadlockPollInterval = 100 * time.Millisecond

// TransactionStore opens transactional maps backed by a page store
// and issues/tracks transactions against them.
type TransactionStore struct {
	store *store.Store

	mu       sync.Mutex
	openTx   map[uint32]*Transaction
	nextTid  uint32
	freeTids []uint32
	waitsFor map[uint32]uint32

	tableLocks *TableLockManager

	stopDetector  chan struct{}
	closeDetector sync.Once
}

// Open returns a TransactionStore layered over s, starting its
// background deadlock detector.
func Open(s *store.Store) *TransactionStore {
	ts := &TransactionStore{
		store:        s,
		openTx:       make(map[uint32]*Transaction),
		nextTid:      1,
		waitsFor:     make(map[uint32]uint32),
		tableLocks:   newTableLockManager(),
		stopDetector: make(chan struct{}),
	}
	go ts.detectDeadlocks(DefaultDeadlockPollInterval)
	s.SetOldestActiveVersionFunc(ts.OldestBeginVersion)
	return ts
}

// Close stops the deadlock detector. Open transactions are
// unaffected; callers should resolve or roll them back first.
func (ts *TransactionStore) Close() {
	ts.closeDetector.Do(func() { close(ts.stopDetector) })
	ts.store.SetOldestActiveVersionFunc(nil)
}

// Begin starts a repeatable-read transaction with the default lock
// timeout.
func (ts *TransactionStore) Begin() *Transaction {
	return ts.BeginWithOptions(RepeatableRead, DefaultLockTimeoutMillis)
}

// BeginWithOptions starts a transaction with an explicit isolation
// level and row-lock timeout (milliseconds; -2 means don't wait).
func (ts *TransactionStore) BeginWithOptions(isolation Isolation, lockTimeoutMillis int) *Transaction {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var tid uint32
	if n := len(ts.freeTids); n > 0 {
		tid = ts.freeTids[n-1]
		ts.freeTids = ts.freeTids[:n-1]
	} else {
		tid = ts.nextTid
		ts.nextTid++
		if ts.nextTid >= maxTid {
			ts.nextTid = 1
		}
	}

	tx := &Transaction{
		id:                tid,
		uuid:              uuid.New().String(),
		ts:                ts,
		isolation:         isolation,
		beginVersion:      ts.store.Stats().Version,
		lockTimeoutMillis: lockTimeoutMillis,
		status:            StatusOpen,
		maps:              make(map[string]*TransactionMap),
		done:              make(chan struct{}),
		aborted:           make(chan struct{}),
	}
	ts.openTx[tid] = tx
	return tx
}

func (ts *TransactionStore) closeTransaction(tx *Transaction) {
	ts.mu.Lock()
	delete(ts.openTx, tx.id)
	ts.freeTids = append(ts.freeTids, tx.id)
	ts.mu.Unlock()
}

// GetOpenTransactions returns every transaction that has not yet
// committed or rolled back, for crash-recovery coordinators to
// inspect.
func (ts *TransactionStore) GetOpenTransactions() []*Transaction {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return maps.Values(ts.openTx)
}

// OldestBeginVersion returns the smallest begin-version among open
// transactions, or the store's current version if none are open.
// Anything removed at or before this version is invisible to every
// live snapshot and safe to physically reclaim.
func (ts *TransactionStore) OldestBeginVersion() uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	oldest := ts.store.Stats().Version
	for _, tx := range ts.openTx {
		if tx.beginVersion < oldest {
			oldest = tx.beginVersion
		}
	}
	return oldest
}

// InDoubtTransactions returns every open transaction currently in
// the prepared state, wrapped for external resolution.
func (ts *TransactionStore) InDoubtTransactions() []*InDoubtTransaction {
	var out []*InDoubtTransaction
	for _, tx := range ts.GetOpenTransactions() {
		if tx.GetStatus() == StatusPrepared {
			out = append(out, &InDoubtTransaction{tx: tx})
		}
	}
	return out
}

// RowSnapshot describes one key's raw versioned-value triple,
// bypassing isolation-level visibility rules. Index uniqueness
// checks need this: they must see every in-flight uncommitted write
// across all transactions, not just the caller's own view.
type RowSnapshot struct {
	Key                 []byte
	CommittedPresent    bool
	Committed           []byte
	UncommittedPresent  bool
	UncommittedIsDelete bool
	UncommittedOwnerTid uint32
}

// TransactionMap is a transaction's view over one named map: reads
// honor the transaction's isolation level, writes install the
// transaction's uncommitted slot and record an undo entry.
type TransactionMap struct {
	name     string
	live     *pagetree.Map
	snapshot *pagetree.Map // non-nil only for RepeatableRead
	tx       *Transaction
}

func (tm *TransactionMap) readRoot() *pagetree.Map {
	if tm.snapshot != nil {
		return tm.snapshot
	}
	return tm.live
}

// Get returns the value visible to this transaction for key.
func (tm *TransactionMap) Get(key []byte) ([]byte, bool, error) {
	if tm.snapshot != nil {
		// The snapshot predates this transaction's own writes, which
		// are only in the live map.
		raw, ok, err := tm.live.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			vv, err := decodeVersionedValue(raw)
			if err == nil && vv.hasUncommitted && vv.op.tid() == tm.tx.id {
				v, present := vv.visibleTo(tm.tx.id)
				return v, present, nil
			}
		}
	}
	raw, ok, err := tm.readRoot().Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	vv, err := decodeVersionedValue(raw)
	if err != nil {
		return nil, false, err
	}
	v, present := vv.visibleTo(tm.tx.id)
	return v, present, nil
}

// Put inserts or overwrites key's value as this transaction's
// uncommitted write, blocking on any other transaction's pending
// write to the same key up to the transaction's lock timeout.
func (tm *TransactionMap) Put(key, value []byte) error {
	return tm.write(key, value, false)
}

// Remove tentatively deletes key as this transaction's uncommitted
// write.
func (tm *TransactionMap) Remove(key []byte) error {
	return tm.write(key, nil, true)
}

func (tm *TransactionMap) write(key, value []byte, isDelete bool) error {
	tx := tm.tx
	for {
		raw, ok, err := tm.live.Get(key)
		if err != nil {
			return err
		}
		var prior versionedValue
		hadPrior := ok
		if ok {
			prior, err = decodeVersionedValue(raw)
			if err != nil {
				return err
			}
			if prior.hasUncommitted && prior.op.tid() != tx.id {
				if err := tx.ts.waitFor(tx.id, prior.op.tid(), tx.lockTimeoutMillis); err != nil {
					return err
				}
				continue
			}
		}
		next := versionedValue{
			op:                  packOpID(tx.id, tx.nextSeq()),
			committedSet:        prior.committedSet,
			committed:           prior.committed,
			hasUncommitted:      true,
			uncommittedIsDelete: isDelete,
			uncommitted:         value,
		}
		tx.mu.Lock()
		tx.undo = append(tx.undo, undoEntry{
			mapName:  tm.name,
			key:      append([]byte(nil), key...),
			hadPrior: hadPrior,
			prior:    prior,
		})
		tx.mu.Unlock()
		return tm.live.Put(key, encodeVersionedValue(next))
	}
}

// Lock installs this transaction's ownership on key without changing
// its visible content -- a no-op write of (committed, uncommitted =
// committed) purely to claim the row. timeoutMillis == -2 returns
// TxLocked immediately instead of waiting if the row is already
// claimed by another transaction.
func (tm *TransactionMap) Lock(key []byte, timeoutMillis int) error {
	tx := tm.tx
	for {
		raw, ok, err := tm.live.Get(key)
		if err != nil {
			return err
		}
		var prior versionedValue
		hadPrior := ok
		if ok {
			prior, err = decodeVersionedValue(raw)
			if err != nil {
				return err
			}
			if prior.hasUncommitted {
				if prior.op.tid() == tx.id {
					return nil
				}
				if err := tx.ts.waitFor(tx.id, prior.op.tid(), timeoutMillis); err != nil {
					return err
				}
				continue
			}
		}
		next := versionedValue{
			op:             packOpID(tx.id, tx.nextSeq()),
			committedSet:   prior.committedSet,
			committed:      prior.committed,
			hasUncommitted: true,
			uncommitted:    prior.committed,
		}
		tx.mu.Lock()
		tx.undo = append(tx.undo, undoEntry{
			mapName:  tm.name,
			key:      append([]byte(nil), key...),
			hadPrior: hadPrior,
			prior:    prior,
		})
		tx.mu.Unlock()
		return tm.live.Put(key, encodeVersionedValue(next))
	}
}

// ScanRange returns every key in [from, to) (to == nil means
// unbounded) along with its raw committed/uncommitted state, for
// unique-index conflict checks that must see uncommitted writes
// regardless of which transaction made them.
func (tm *TransactionMap) ScanRange(from, to []byte) ([]RowSnapshot, error) {
	c := pagetree.NewCursor(tm.live, from)
	var out []RowSnapshot
	for c.Next() {
		k := c.Key()
		if to != nil && bytes.Compare(k, to) >= 0 {
			break
		}
		vv, err := decodeVersionedValue(c.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, RowSnapshot{
			Key:                 append([]byte(nil), k...),
			CommittedPresent:    vv.committedSet,
			Committed:           vv.committed,
			UncommittedPresent:  vv.hasUncommitted,
			UncommittedIsDelete: vv.uncommittedIsDelete,
			UncommittedOwnerTid: vv.op.tid(),
		})
	}
	return out, c.Err()
}
