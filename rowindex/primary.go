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
	"sync/atomic"

	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/mvcc"
)

// PrimaryIndex wraps a transactional map from an auto-assigned
// uint64 key to a row's encoded bytes.
type PrimaryIndex struct {
	mapName string
	nextKey atomic.Uint64
}

// OpenPrimaryIndex returns a PrimaryIndex over mapName, initializing
// its key counter from the highest key already present so a reopen
// never reissues a key handed out before.
func OpenPrimaryIndex(tx *mvcc.Transaction, mapName string) (*PrimaryIndex, error) {
	m, err := tx.OpenMap(mapName)
	if err != nil {
		return nil, err
	}
	rows, err := m.ScanRange(nil, nil)
	if err != nil {
		return nil, err
	}
	var last uint64
	for _, r := range rows {
		if k := decodeKey(r.Key); k > last {
			last = k
		}
	}
	p := &PrimaryIndex{mapName: mapName}
	p.nextKey.Store(last)
	return p, nil
}

// Insert stores row under a freshly allocated key.
func (p *PrimaryIndex) Insert(tx *mvcc.Transaction, row []byte) (uint64, error) {
	key := p.nextKey.Add(1)
	if err := p.Put(tx, key, row); err != nil {
		return 0, err
	}
	return key, nil
}

// Put stores row under an explicit key, rejecting a key that already
// holds a value: a committed value maps to DuplicateKey, an
// uncommitted write by another transaction maps to ConcurrentUpdate.
func (p *PrimaryIndex) Put(tx *mvcc.Transaction, key uint64, row []byte) error {
	m, err := tx.OpenMap(p.mapName)
	if err != nil {
		return err
	}
	k := encodeKey(key)
	rows, err := m.ScanRange(k, immediateSuccessor(k))
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.CommittedPresent {
			return errs.New(errs.DuplicateKey, "primary key already committed")
		}
		if r.UncommittedPresent && r.UncommittedOwnerTid != tx.ID() {
			return errs.New(errs.ConcurrentUpdate, "primary key pending in another transaction")
		}
	}
	return m.Put(k, row)
}

// Get returns the row stored under key.
func (p *PrimaryIndex) Get(tx *mvcc.Transaction, key uint64) ([]byte, bool, error) {
	m, err := tx.OpenMap(p.mapName)
	if err != nil {
		return nil, false, err
	}
	return m.Get(encodeKey(key))
}

// Remove deletes the row stored under key, reporting RowNotFound if
// it isn't present.
func (p *PrimaryIndex) Remove(tx *mvcc.Transaction, key uint64) error {
	m, err := tx.OpenMap(p.mapName)
	if err != nil {
		return err
	}
	if _, ok, err := m.Get(encodeKey(key)); err != nil {
		return err
	} else if !ok {
		return errs.New(errs.RowNotFound, "primary key not found")
	}
	return m.Remove(encodeKey(key))
}
