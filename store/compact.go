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

package store

import (
	"time"

	"github.com/kv-storeng/pagestore/chunk"
	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/pagetree"
)

// reachableChunks walks every page reachable from the layout map's
// current root plus every root it references, collecting the set of
// chunk ids still holding at least one live page. A chunk absent
// from this set has no surviving readers and can be freed outright;
// this is a mark-and-sweep simplification of spec.md's per-page
// occupancy/maxLenLive accounting, trading partial-chunk compaction
// (rewriting only the dead fraction of a chunk) for whole-chunk
// reclamation, see design notes.
func (s *Store) reachableChunks() (map[uint32]bool, error) {
	seen := make(map[uint32]bool)
	visit := func(root *pagetree.Page) error {
		return walkPages(&pageSource{s}, root, seen)
	}
	if s.layout.Root() != nil {
		if err := visit(s.layout.Root()); err != nil {
			return nil, err
		}
	}
	if s.meta.Root() != nil {
		if err := visit(s.meta.Root()); err != nil {
			return nil, err
		}
	}
	for _, m := range s.openMaps {
		if err := visit(m.Root()); err != nil {
			return nil, err
		}
	}
	return seen, nil
}

func walkPages(src *pageSource, p *pagetree.Page, seen map[uint32]bool) error {
	if p == nil {
		return nil
	}
	if !p.Pos.IsZero() {
		seen[p.Pos.ChunkID()] = true
	}
	if p.Leaf {
		return nil
	}
	for i := 0; i < p.NumChildren(); i++ {
		child := p.LoadedChild(i)
		if child == nil {
			pos := p.ChildPos(i)
			if pos.IsZero() {
				continue
			}
			var err error
			child, err = src.LoadPage(pos)
			if err != nil {
				return err
			}
		}
		if err := walkPages(src, child, seen); err != nil {
			return err
		}
	}
	return nil
}

// CompactFile runs one full whole-chunk reclamation pass; maxMillis
// is not consulted. It is the external entry point; the background
// writer instead calls refreshDeadness on every tick and reclaimDead
// when the fill rate is below AutoCompactFillRate.
func (s *Store) CompactFile(maxMillis int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) compactSlice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

// compactLocked runs a full pass: refresh which chunks are currently
// unreachable, then reclaim whatever of that pending set has cleared
// its retention and snapshot gates. Used by CompactFile/compactSlice,
// which want both halves done in one atomic pass; the background
// writer instead runs the halves separately so it can gate the
// (costlier, mutating) reclaim half on fill rate while still keeping
// the pending-dead bookkeeping -- and therefore Stats -- fresh every
// tick.
func (s *Store) compactLocked() error {
	if err := s.refreshDeadnessLocked(); err != nil {
		return err
	}
	return s.reclaimDeadLocked()
}

// refreshDeadness recomputes chunk reachability and updates the
// pending-dead set accordingly. It never frees anything, so it's safe
// to run on every background tick regardless of fill rate: it's the
// only thing that keeps Stats' ChunksDead/BytesReclaimable current.
func (s *Store) refreshDeadness() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshDeadnessLocked()
}

func (s *Store) refreshDeadnessLocked() error {
	reachable, err := s.reachableChunks()
	if err != nil {
		return err
	}
	// Record the version at which each newly-unreachable chunk was
	// noticed; a chunk that becomes reachable again (e.g. a rollback
	// restores an older root referencing it) drops back out of the
	// pending set. This mirrors lob.gcWorker's pending-removal queue:
	// noticing "dead" is cheap and approximate (it's really "dead as
	// of no later than now"), physical reclaim is deferred until no
	// live snapshot could still depend on it.
	for id := range s.chunkTable {
		if reachable[id] {
			delete(s.pendingDead, id)
			continue
		}
		if _, ok := s.pendingDead[id]; !ok {
			s.pendingDead[id] = s.version
		}
	}
	for id := range s.pendingDead {
		if _, ok := s.chunkTable[id]; !ok {
			delete(s.pendingDead, id)
		}
	}
	return nil
}

// reclaimDead frees whatever chunk in the pending-dead set has
// cleared both its retention time and the oldest-active-snapshot
// gate. Callers are expected to have run refreshDeadness (or
// refreshDeadnessLocked) recently enough that the pending set still
// reflects current reachability.
func (s *Store) reclaimDead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimDeadLocked()
}

func (s *Store) reclaimDeadLocked() error {
	for id, deadAtVersion := range s.pendingDead {
		h, ok := s.chunkTable[id]
		if !ok {
			delete(s.pendingDead, id)
			continue
		}
		if time.Since(h.Created) < s.opts.RetentionTime {
			continue
		}
		if s.oldestActiveVersionFn != nil {
			if oldest := s.oldestActiveVersionFn(); oldest < deadAtVersion {
				// Some open repeatable-read snapshot began before
				// this chunk was noticed dead; its frozen root may
				// still point into it.
				continue
			}
		}
		start := s.chunkStart[id]
		s.freeSpace.Free(start, h.LengthBlocks)
		delete(s.chunkTable, id)
		delete(s.chunkStart, id)
		delete(s.pendingDead, id)
		s.opts.logf("reclaimed dead chunk %d (%d blocks)", id, h.LengthBlocks)
	}
	return nil
}

// RollbackTo resets the store to the state as of version, the
// newest chunk whose version <= target. All in-memory maps and the
// page cache are discarded and reopened from that chunk's layout.
func (s *Store) RollbackTo(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *chunk.Header
	for _, h := range s.chunkTable {
		if h.Version <= version && (best == nil || h.Version > best.Version) {
			best = h
		}
	}
	if best == nil {
		return errs.New(errs.ChunkNotFound, "no chunk found at or before requested version")
	}
	layout, err := pagetree.Open(layoutMapID, &pageSource{s}, best.LayoutRootPos)
	if err != nil {
		return errs.Wrap(errs.FileCorrupt, "reopen layout map at rollback target", err)
	}
	s.layout = layout
	s.meta = pagetree.New(metaMapID, &pageSource{s})
	if v, ok, _ := layout.Get([]byte("root.1")); ok {
		m, err := pagetree.Open(metaMapID, &pageSource{s}, chunk.Pos(decodeUint64(v)))
		if err != nil {
			return err
		}
		s.meta = m
	}
	s.openMaps = make(map[string]*pagetree.Map)
	s.pages.Clear()
	s.version = best.Version
	s.header.Version = best.Version
	s.header.Clean = true
	s.header.LastChunkBlock = s.chunkStart[best.ID]
	return chunk.WriteStoreHeader(s.fs, s.header)
}
