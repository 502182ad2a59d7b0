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

// Package rowindex implements the table-facing index bindings above a
// transactional map: an auto-keyed primary index, a composite-key
// secondary index with uniqueness checking, a zero-storage delegate
// index, and a sorted-merge bulk loader.
package rowindex

import "github.com/kv-storeng/pagestore/codec"

// encodeKey packs a row key as a fixed 8-byte big-endian value, so
// byte-lexicographic map ordering matches numeric ordering.
func encodeKey(key uint64) []byte {
	b := &codec.Buffer{}
	b.PutUint64(key)
	return b.Bytes()
}

func decodeKey(b []byte) uint64 {
	v, _ := codec.NewReader(b).Uint64()
	return v
}

// minKeySentinel and maxKeySentinel bound the row-key disambiguator
// range for a given indexed value, standing in for Long.MIN_VALUE and
// Long.MAX_VALUE: row keys here are unsigned counters starting at 1,
// so the natural bounds are 0 and ^uint64(0).
const (
	minKeySentinel = uint64(0)
	maxKeySentinel = ^uint64(0)
)

// immediateSuccessor returns the smallest byte string strictly
// greater than key: appending a zero byte. No string can sort between
// key and key+0x00, so [key, immediateSuccessor(key)) is exactly the
// singleton range containing key.
func immediateSuccessor(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}
