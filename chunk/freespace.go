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

package chunk

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// FreeSpace tracks which 4 KiB blocks of the backing file are free
// for a new chunk to claim. Block 0 and block 1 (the duplicated
// store header) are always reserved and never handed out.
type FreeSpace struct {
	mu     sync.Mutex
	used   *roaring.Bitmap
	nextNB uint32 // one past the highest block ever allocated
	reuse  bool   // whether to search for holes or always append
}

// NewFreeSpace returns a tracker with the two header blocks marked
// used and reuse controlling whether Allocate searches for holes
// left by reclaimed chunks (true) or always appends at the end of
// the file (false, the H2 "append only" compatibility mode).
func NewFreeSpace(reuse bool) *FreeSpace {
	fs := &FreeSpace{used: roaring.New(), reuse: reuse, nextNB: 2}
	fs.used.AddRange(0, 2)
	return fs
}

// MarkUsed records that the half-open block range [start, start+nblocks)
// is occupied, extending the high-water mark if necessary. Used while
// rebuilding free-space state from chunk headers during recovery.
func (fs *FreeSpace) MarkUsed(start, nblocks uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if nblocks == 0 {
		return
	}
	fs.used.AddRange(uint64(start), uint64(start)+uint64(nblocks))
	if end := start + nblocks; end > fs.nextNB {
		fs.nextNB = end
	}
}

// Free releases the half-open block range [start, start+nblocks),
// making it available for a future Allocate call once reuse is on.
func (fs *FreeSpace) Free(start, nblocks uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if nblocks == 0 {
		return
	}
	fs.used.RemoveRange(uint64(start), uint64(start)+uint64(nblocks))
}

// Allocate reserves nblocks contiguous blocks and returns the
// starting block number. With reuse disabled (or no hole large
// enough exists) it appends past the current high-water mark.
func (fs *FreeSpace) Allocate(nblocks uint32) uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if nblocks == 0 {
		return fs.nextNB
	}
	if fs.reuse {
		if start, ok := fs.findHole(nblocks); ok {
			fs.used.AddRange(uint64(start), uint64(start)+uint64(nblocks))
			if end := start + nblocks; end > fs.nextNB {
				fs.nextNB = end
			}
			return start
		}
	}
	start := fs.nextNB
	fs.used.AddRange(uint64(start), uint64(start)+uint64(nblocks))
	fs.nextNB = start + nblocks
	return start
}

// findHole scans for the lowest run of nblocks consecutive unused
// blocks below the high-water mark.
func (fs *FreeSpace) findHole(nblocks uint32) (uint32, bool) {
	run := uint32(0)
	runStart := uint32(0)
	for b := uint32(0); b < fs.nextNB; b++ {
		if fs.used.Contains(b) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = b
		}
		run++
		if run == nblocks {
			return runStart, true
		}
	}
	return 0, false
}

// HighWaterMark returns one past the highest block ever handed out.
func (fs *FreeSpace) HighWaterMark() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nextNB
}
