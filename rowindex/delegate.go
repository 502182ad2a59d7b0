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

import "github.com/kv-storeng/pagestore/mvcc"

// DelegateIndex is a zero-storage index: when a single non-null
// column already serves as the row key, indexing that column needs
// no map of its own -- every lookup is just a primary index lookup.
type DelegateIndex struct {
	primary *PrimaryIndex
}

// NewDelegateIndex returns a DelegateIndex over an already-open
// primary index.
func NewDelegateIndex(primary *PrimaryIndex) *DelegateIndex {
	return &DelegateIndex{primary: primary}
}

// Lookup returns the row stored under key in the primary index.
func (d *DelegateIndex) Lookup(tx *mvcc.Transaction, key uint64) ([]byte, bool, error) {
	return d.primary.Get(tx, key)
}
