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

	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/mvcc"
)

// SecondaryIndex wraps a transactional map whose key is the
// concatenation of an indexed column's encoded bytes and the primary
// row key, the row key serving only to disambiguate entries that
// share an indexed value. It stores no value of its own -- the
// primary index holds the row.
type SecondaryIndex struct {
	mapName string
	unique  bool
}

// NewSecondaryIndex returns a SecondaryIndex over mapName. When
// unique is true, Insert rejects a second row under an indexed value
// already claimed by a different row key.
func NewSecondaryIndex(mapName string, unique bool) *SecondaryIndex {
	return &SecondaryIndex{mapName: mapName, unique: unique}
}

func (s *SecondaryIndex) compositeKey(indexedValue []byte, rowKey uint64) []byte {
	k := make([]byte, 0, len(indexedValue)+8)
	k = append(k, indexedValue...)
	k = append(k, encodeKey(rowKey)...)
	return k
}

// conflictRange returns the half-open byte range covering every
// composite key sharing indexedValue, from the minimum row-key
// sentinel up to and including the maximum.
func (s *SecondaryIndex) conflictRange(indexedValue []byte) (from, to []byte) {
	from = s.compositeKey(indexedValue, minKeySentinel)
	to = immediateSuccessor(s.compositeKey(indexedValue, maxKeySentinel))
	return from, to
}

func (s *SecondaryIndex) checkUnique(tx *mvcc.Transaction, m *mvcc.TransactionMap, indexedValue []byte, rowKey uint64) error {
	from, to := s.conflictRange(indexedValue)
	rows, err := m.ScanRange(from, to)
	if err != nil {
		return err
	}
	for _, r := range rows {
		existing := decodeKey(r.Key[len(indexedValue):])
		if existing == rowKey {
			continue
		}
		if r.CommittedPresent {
			return errs.New(errs.DuplicateKey, "secondary index value already committed")
		}
		if r.UncommittedPresent && r.UncommittedOwnerTid != tx.ID() {
			return errs.New(errs.ConcurrentUpdate, "secondary index value pending in another transaction")
		}
	}
	return nil
}

// Insert adds an entry mapping indexedValue to rowKey, checking
// uniqueness first when the index is unique.
func (s *SecondaryIndex) Insert(tx *mvcc.Transaction, indexedValue []byte, rowKey uint64) error {
	m, err := tx.OpenMap(s.mapName)
	if err != nil {
		return err
	}
	if s.unique {
		if err := s.checkUnique(tx, m, indexedValue, rowKey); err != nil {
			return err
		}
	}
	return m.Put(s.compositeKey(indexedValue, rowKey), nil)
}

// Remove deletes the entry mapping indexedValue to rowKey.
func (s *SecondaryIndex) Remove(tx *mvcc.Transaction, indexedValue []byte, rowKey uint64) error {
	m, err := tx.OpenMap(s.mapName)
	if err != nil {
		return err
	}
	return m.Remove(s.compositeKey(indexedValue, rowKey))
}

// Lookup returns every row key currently indexed under indexedValue.
func (s *SecondaryIndex) Lookup(tx *mvcc.Transaction, indexedValue []byte) ([]uint64, error) {
	m, err := tx.OpenMap(s.mapName)
	if err != nil {
		return nil, err
	}
	from, to := s.conflictRange(indexedValue)
	rows, err := m.ScanRange(from, to)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, r := range rows {
		if !bytes.HasPrefix(r.Key, indexedValue) {
			continue
		}
		visible := r.CommittedPresent
		if r.UncommittedPresent && r.UncommittedOwnerTid == tx.ID() {
			visible = !r.UncommittedIsDelete
		}
		if visible {
			out = append(out, decodeKey(r.Key[len(indexedValue):]))
		}
	}
	return out, nil
}
