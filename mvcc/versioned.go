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

// Package mvcc implements the multi-version transaction layer above
// the page store: versioned-value triples, per-transaction undo
// logs, two-phase commit, row-level locking, and waits-for-graph
// deadlock detection.
package mvcc

import (
	"github.com/kv-storeng/pagestore/codec"
	"github.com/kv-storeng/pagestore/errs"
)

// opID packs a transaction id (low 24 bits of the high byte range)
// and a monotonic per-transaction sequence number into one value
// cheap to compare and store inline in a versioned value.
type opID uint64

const tidBits = 24

func packOpID(tid uint32, seq uint64) opID {
	return opID(uint64(tid)<<(64-tidBits) | (seq & (1<<(64-tidBits) - 1)))
}

func (o opID) tid() uint32 { return uint32(o >> (64 - tidBits)) }
func (o opID) seq() uint64 { return uint64(o) & (1<<(64-tidBits) - 1) }

// versionedValue is the triple every transactional map key maps to:
// the id of the write that last touched it, its last committed
// content, and an in-flight uncommitted write (if any). Exactly one
// of committed/uncommitted is visible to a given reader depending on
// isolation level and which transaction owns the uncommitted slot.
type versionedValue struct {
	op opID

	committedSet bool
	committed    []byte

	hasUncommitted      bool
	uncommittedIsDelete bool
	uncommitted         []byte
}

const (
	flagCommittedSet = 1 << iota
	flagHasUncommitted
	flagUncommittedDelete
)

func encodeVersionedValue(vv versionedValue) []byte {
	b := &codec.Buffer{}
	var flags byte
	if vv.committedSet {
		flags |= flagCommittedSet
	}
	if vv.hasUncommitted {
		flags |= flagHasUncommitted
	}
	if vv.uncommittedIsDelete {
		flags |= flagUncommittedDelete
	}
	b.PutByte(flags)
	b.PutUint64(uint64(vv.op))
	if vv.committedSet {
		b.PutStringData(string(vv.committed))
	}
	if vv.hasUncommitted && !vv.uncommittedIsDelete {
		b.PutStringData(string(vv.uncommitted))
	}
	return b.Bytes()
}

func decodeVersionedValue(data []byte) (versionedValue, error) {
	r := codec.NewReader(data)
	flags, err := r.Byte()
	if err != nil {
		return versionedValue{}, errs.Wrap(errs.FileCorrupt, "versioned value flags", err)
	}
	op, err := r.Uint64()
	if err != nil {
		return versionedValue{}, errs.Wrap(errs.FileCorrupt, "versioned value opID", err)
	}
	vv := versionedValue{
		op:                  opID(op),
		committedSet:        flags&flagCommittedSet != 0,
		hasUncommitted:      flags&flagHasUncommitted != 0,
		uncommittedIsDelete: flags&flagUncommittedDelete != 0,
	}
	if vv.committedSet {
		s, err := r.StringData()
		if err != nil {
			return versionedValue{}, errs.Wrap(errs.FileCorrupt, "versioned value committed", err)
		}
		vv.committed = []byte(s)
	}
	if vv.hasUncommitted && !vv.uncommittedIsDelete {
		s, err := r.StringData()
		if err != nil {
			return versionedValue{}, errs.Wrap(errs.FileCorrupt, "versioned value uncommitted", err)
		}
		vv.uncommitted = []byte(s)
	}
	return vv, nil
}

// visibleTo returns the value a reader belonging to tid should see:
// its own uncommitted write if present, else the committed value.
func (vv versionedValue) visibleTo(tid uint32) ([]byte, bool) {
	if vv.hasUncommitted && vv.op.tid() == tid {
		if vv.uncommittedIsDelete {
			return nil, false
		}
		return vv.uncommitted, true
	}
	if vv.committedSet {
		return vv.committed, true
	}
	return nil, false
}
