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
	"time"

	"github.com/kv-storeng/pagestore/errs"
)

// waitFor blocks the caller (tid waiting on owner) until owner
// closes its done channel, timeoutMillis elapses, or the deadlock
// detector marks tid as this cycle's victim. timeoutMillis == -2
// means "don't wait at all".
func (ts *TransactionStore) waitFor(tid, owner uint32, timeoutMillis int) error {
	if timeoutMillis == -2 {
		return errs.New(errs.TxLocked, "row already locked by another transaction")
	}

	ts.mu.Lock()
	waiter, ok := ts.openTx[tid]
	ownerTx, ownerOK := ts.openTx[owner]
	if ok {
		ts.waitsFor[tid] = owner
	}
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		delete(ts.waitsFor, tid)
		ts.mu.Unlock()
	}()

	if !ok || !ownerOK {
		return errs.New(errs.Internal, "waitFor: unknown transaction")
	}

	var timeout <-chan time.Time
	if timeoutMillis > 0 {
		timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ownerTx.done:
		return nil
	case <-waiter.aborted:
		return errs.New(errs.TxDeadlock, "deadlock detected")
	case <-timeout:
		return errs.New(errs.TxLocked, "timed out waiting for row lock")
	}
}

// detectDeadlocks runs on its own goroutine, periodically walking the
// waits-for graph from every open transaction. A cycle means some
// subset of transactions can never make progress; the transaction
// with the highest id in the cycle is picked as the victim and its
// waiter is woken with TxDeadlock.
func (ts *TransactionStore) detectDeadlocks(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ts.stopDetector:
			return
		case <-ticker.C:
			ts.scanForCycles()
		}
	}
}

func (ts *TransactionStore) scanForCycles() {
	ts.mu.Lock()
	edges := make(map[uint32]uint32, len(ts.waitsFor))
	for k, v := range ts.waitsFor {
		edges[k] = v
	}
	ts.mu.Unlock()

	for start := range edges {
		cycle := findCycle(edges, start)
		if cycle == nil {
			continue
		}
		victim := cycle[0]
		for _, id := range cycle[1:] {
			if id > victim {
				victim = id
			}
		}
		ts.mu.Lock()
		if tx, ok := ts.openTx[victim]; ok {
			tx.abortOnce.Do(func() { close(tx.aborted) })
		}
		ts.mu.Unlock()
	}
}

// findCycle walks edges starting at start and returns the cycle of
// transaction ids it closes, or nil if the chain dead-ends without
// returning to a visited node.
func findCycle(edges map[uint32]uint32, start uint32) []uint32 {
	var path []uint32
	seen := make(map[uint32]int)
	cur := start
	for {
		if idx, ok := seen[cur]; ok {
			return path[idx:]
		}
		seen[cur] = len(path)
		path = append(path, cur)
		next, ok := edges[cur]
		if !ok {
			return nil
		}
		cur = next
	}
}
