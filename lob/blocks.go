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

import "github.com/kv-storeng/pagestore/mvcc"

// blockSize bounds how much of a stream lives in a single dataMap
// entry. Splitting into fixed blocks keeps any one page-tree value
// small and lets Remove walk a stream's blocks without reading the
// whole thing into memory at once.
const blockSize = 64 * 1024

func blockKey(streamID uint64, blockIndex uint64) []byte {
	return refKey(streamID, blockIndex)
}

func writeBlocks(dataMap *mvcc.TransactionMap, streamID uint64, content []byte) error {
	if len(content) == 0 {
		return dataMap.Put(blockKey(streamID, 0), nil)
	}
	for i, start := uint64(0), 0; start < len(content); i, start = i+1, start+blockSize {
		end := start + blockSize
		if end > len(content) {
			end = len(content)
		}
		if err := dataMap.Put(blockKey(streamID, i), content[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// readBlocks reassembles a stream's content. byteCount is used only
// to preallocate the result; writeBlocks never leaves gaps, so the
// read stops naturally at the first missing block index.
func readBlocks(dataMap *mvcc.TransactionMap, streamID uint64, byteCount int64) ([]byte, error) {
	out := make([]byte, 0, byteCount)
	for i := uint64(0); ; i++ {
		block, ok, err := dataMap.Get(blockKey(streamID, i))
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, block...)
	}
	return out, nil
}

func removeBlocks(dataMap *mvcc.TransactionMap, streamID uint64) error {
	for i := uint64(0); ; i++ {
		key := blockKey(streamID, i)
		if _, ok, err := dataMap.Get(key); err != nil {
			return err
		} else if !ok {
			return nil
		}
		if err := dataMap.Remove(key); err != nil {
			return err
		}
	}
}
