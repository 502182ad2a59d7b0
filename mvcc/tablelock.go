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
	"sync"
	"time"

	"github.com/kv-storeng/pagestore/errs"
)

// LockMode is a table lock's granularity. READ and WRITE are both
// shared -- compatible with themselves and each other -- and only
// EXCLUSIVE excludes every mode, including itself. This is a
// coarser, table-wide lock distinct from the per-row lock in
// lock.go: it guards whole-table operations like bulk index builds
// rather than individual keys.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
	LockExclusive
)

func lockModesCompatible(a, b LockMode) bool {
	return a != LockExclusive && b != LockExclusive
}

type tableLockWaiter struct {
	tid   uint32
	mode  LockMode
	ready chan struct{}
}

// tableLock is one table's fair lock: a FIFO queue of waiters is
// granted head-first, and a run of consecutive compatible waiters is
// granted together, so READ/WRITE traffic isn't serialized behind
// itself but also never jumps ahead of an EXCLUSIVE waiter already
// queued.
type tableLock struct {
	mu    sync.Mutex
	held  map[uint32]LockMode
	queue []*tableLockWaiter
}

func newTableLock() *tableLock {
	return &tableLock{held: make(map[uint32]LockMode)}
}

func (l *tableLock) compatibleWithHeldLocked(mode LockMode) bool {
	for _, m := range l.held {
		if !lockModesCompatible(m, mode) {
			return false
		}
	}
	return true
}

// acquire blocks tid until it holds mode, timeoutMillis elapses
// (-2 means don't wait at all), or a queued wait times out. A tid
// that already holds mode, or something stronger, is a no-op. A tid
// that is the table's sole shared holder may upgrade to EXCLUSIVE in
// place, ahead of the queue, per the upgrade rule; any other upgrade
// request queues like a fresh EXCLUSIVE request.
func (l *tableLock) acquire(tid uint32, mode LockMode, timeoutMillis int) error {
	l.mu.Lock()
	if cur, ok := l.held[tid]; ok {
		if cur == mode || cur == LockExclusive {
			l.mu.Unlock()
			return nil
		}
		if mode == LockExclusive && len(l.held) == 1 {
			l.held[tid] = LockExclusive
			l.mu.Unlock()
			return nil
		}
	}
	if len(l.queue) == 0 && l.compatibleWithHeldLocked(mode) {
		l.held[tid] = mode
		l.mu.Unlock()
		return nil
	}
	if timeoutMillis == -2 {
		l.mu.Unlock()
		return errs.New(errs.LockTimeout, "table lock unavailable and timeoutMillis is -2")
	}
	w := &tableLockWaiter{tid: tid, mode: mode, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	var timeout <-chan time.Time
	if timeoutMillis > 0 {
		timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-w.ready:
		return nil
	case <-timeout:
		l.mu.Lock()
		for i, qw := range l.queue {
			if qw == w {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return errs.New(errs.LockTimeout, "timed out waiting for table lock")
	}
}

// release drops tid's hold, if any, and grants as many waiters at
// the head of the queue as are now compatible with the resulting
// held set.
func (l *tableLock) release(tid uint32) {
	l.mu.Lock()
	delete(l.held, tid)
	for len(l.queue) > 0 {
		w := l.queue[0]
		if !l.compatibleWithHeldLocked(w.mode) {
			break
		}
		l.held[w.tid] = w.mode
		l.queue = l.queue[1:]
		close(w.ready)
	}
	l.mu.Unlock()
}

// TableLockManager hands out fair READ/WRITE/EXCLUSIVE locks keyed
// by table (map) name, lazily creating one tableLock per name on
// first use.
type TableLockManager struct {
	mu     sync.Mutex
	tables map[string]*tableLock
}

func newTableLockManager() *TableLockManager {
	return &TableLockManager{tables: make(map[string]*tableLock)}
}

func (m *TableLockManager) table(name string) *tableLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		t = newTableLock()
		m.tables[name] = t
	}
	return t
}

// Lock acquires mode on table for tid. timeoutMillis == -2 returns
// LockTimeout immediately rather than queueing; exceeding a positive
// timeout while queued also raises LockTimeout.
func (m *TableLockManager) Lock(table string, tid uint32, mode LockMode, timeoutMillis int) error {
	return m.table(table).acquire(tid, mode, timeoutMillis)
}

// Unlock releases tid's hold on table, if it holds one.
func (m *TableLockManager) Unlock(table string, tid uint32) {
	m.table(table).release(tid)
}
