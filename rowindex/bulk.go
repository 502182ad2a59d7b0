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

package rowindex

import (
	"bytes"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/kv-storeng/pagestore/errs"
	pheap "github.com/kv-storeng/pagestore/heap"
	"github.com/kv-storeng/pagestore/mvcc"
)

// BulkRow is one row to load via BulkBuild, keyed as it should
// appear in the target index.
type BulkRow struct {
	Key   []byte
	Value []byte
}

// BulkBuild sorts rows by key, spills them in batches to temporary
// maps committed on their own, then merges every spill into the
// target map (inside tx) via a k-way merge over a priority queue,
// running a uniqueness check at each step when unique is true.
//
// Spilling commits on its own, separately from tx, because the merge
// reads spills through RowSnapshot, which reports only committed
// state -- a spill batch tx itself never sees its own writes that
// way. The spill maps are left behind for the caller to remove once
// tx commits.
func BulkBuild(ts *mvcc.TransactionStore, tx *mvcc.Transaction, targetMapName string, rows []BulkRow, batchSize int, unique bool) error {
	sorted := append([]BulkRow(nil), rows...)
	slices.SortFunc(sorted, func(a, b BulkRow) bool { return bytes.Compare(a.Key, b.Key) < 0 })

	spillNames, err := spillBatches(ts, targetMapName, sorted, batchSize)
	if err != nil {
		return err
	}
	return mergeSpills(tx, targetMapName, spillNames, unique)
}

func spillBatches(ts *mvcc.TransactionStore, targetMapName string, sorted []BulkRow, batchSize int) ([]string, error) {
	spillTx := ts.Begin()
	var spillNames []string
	for i := 0; i < len(sorted); i += batchSize {
		end := i + batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		name := fmt.Sprintf("%s.spill.%d", targetMapName, i/batchSize)
		m, err := spillTx.OpenMap(name)
		if err != nil {
			spillTx.Rollback()
			return nil, err
		}
		for _, r := range sorted[i:end] {
			if err := m.Put(r.Key, r.Value); err != nil {
				spillTx.Rollback()
				return nil, err
			}
		}
		spillNames = append(spillNames, name)
	}
	if err := spillTx.Commit(); err != nil {
		return nil, err
	}
	return spillNames, nil
}

// bulkSource is one pre-sorted spill map's materialized rows plus a
// read cursor into them, the unit the merge's priority queue orders.
type bulkSource struct {
	rows []mvcc.RowSnapshot
	pos  int
}

func (s *bulkSource) key() []byte { return s.rows[s.pos].Key }

func sourceLess(a, b *bulkSource) bool { return bytes.Compare(a.key(), b.key()) < 0 }

// mergeSpills drains N pre-sorted maps into target in key order. A
// tie across sources is possible if the same key landed in more than
// one spill batch; unique rejects that as a conflict rather than
// silently picking one.
//
// The merge holds an EXCLUSIVE table lock on targetMapName for its
// duration: a bulk load writes a large, ordered run of keys and
// shouldn't interleave with an unrelated writer's scattered writes
// to the same map while it does, released automatically when tx
// commits or rolls back.
func mergeSpills(tx *mvcc.Transaction, targetMapName string, sourceMapNames []string, unique bool) error {
	if err := tx.LockTable(targetMapName, mvcc.LockExclusive, tx.LockTimeoutMillis()); err != nil {
		return err
	}

	target, err := tx.OpenMap(targetMapName)
	if err != nil {
		return err
	}

	var sources []*bulkSource
	for _, name := range sourceMapNames {
		m, err := tx.OpenMap(name)
		if err != nil {
			return err
		}
		rows, err := m.ScanRange(nil, nil)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		sources = append(sources, &bulkSource{rows: rows})
	}
	pheap.OrderSlice(sources, sourceLess)

	var lastKey []byte
	haveLast := false
	for len(sources) > 0 {
		top := pheap.PopSlice(&sources, sourceLess)
		row := top.rows[top.pos]

		if unique && haveLast && bytes.Equal(lastKey, row.Key) {
			return errs.New(errs.DuplicateKey, "bulk build: duplicate index key across spills")
		}
		if err := target.Put(row.Key, row.Committed); err != nil {
			return err
		}
		lastKey = append([]byte(nil), row.Key...)
		haveLast = true

		top.pos++
		if top.pos < len(top.rows) {
			pheap.PushSlice(&sources, top, sourceLess)
		}
	}
	return nil
}
