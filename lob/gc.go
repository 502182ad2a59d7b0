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
	"sync"
	"time"
)

// DefaultSweepInterval is how often the GC worker checks its pending
// queue against the store's oldest live snapshot.
const DefaultSweepInterval = 500 * time.Millisecond

// pendingRemoval is a stream whose last reference was dropped at
// noticedAtVersion. It is only safe to physically delete once every
// open transaction began at or after that version -- any snapshot
// opened earlier might still resolve the stream through a repeatable
// read taken before the removing transaction committed.
type pendingRemoval struct {
	streamID         uint64
	noticedAtVersion uint64
}

// gcWorker drains a queue of dereferenced streams on a single
// goroutine, deferring each one's physical removal until the store
// reports no snapshot older than the point the reference drop was
// observed.
//
// This is an approximation: ref-count-zero is observed before the
// enclosing transaction commits, so a removal that later rolls back
// can still enqueue a stream here. The queued entry is re-checked
// against refMap at sweep time, which catches a rollback that
// restored a reference; it does not catch the case where the same
// stream is re-referenced by a different, new lob between the
// observation and the sweep landing on a version where that's also
// invisible, which correctness relies on the oldest-kept-version
// delay to make exceedingly unlikely rather than impossible.
type gcWorker struct {
	s *Store

	mu      sync.Mutex
	pending []pendingRemoval

	stopCh chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newGCWorker(s *Store) *gcWorker {
	w := &gcWorker{s: s, stopCh: make(chan struct{})}
	w.wg.Add(1)
	go w.run(DefaultSweepInterval)
	return w
}

func (w *gcWorker) enqueue(streamID uint64, noticedAtVersion uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, pendingRemoval{streamID: streamID, noticedAtVersion: noticedAtVersion})
}

func (w *gcWorker) stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *gcWorker) run(interval time.Duration) {
	defer w.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.sweep()
		}
	}
}

func (w *gcWorker) sweep() {
	oldest := w.s.ts.OldestBeginVersion()

	w.mu.Lock()
	var ready, deferred []pendingRemoval
	for _, p := range w.pending {
		if p.noticedAtVersion <= oldest {
			ready = append(ready, p)
		} else {
			deferred = append(deferred, p)
		}
	}
	w.pending = deferred
	w.mu.Unlock()

	for _, p := range ready {
		if err := w.reclaim(p.streamID); err != nil {
			w.mu.Lock()
			w.pending = append(w.pending, p)
			w.mu.Unlock()
		}
	}
}

func (w *gcWorker) reclaim(streamID uint64) error {
	tx := w.s.ts.Begin()
	_, refMap, dataMap, err := w.s.maps(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	remaining, err := refMap.ScanRange(refKey(streamID, 0), refPrefixEnd(streamID))
	if err != nil {
		tx.Rollback()
		return err
	}
	if len(remaining) > 0 {
		// A new lob picked up this stream after the removal that
		// queued it here; leave the data alone.
		tx.Rollback()
		return nil
	}
	if err := removeBlocks(dataMap, streamID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
