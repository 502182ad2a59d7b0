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

// Package store is the coordinator that ties the file backend, the
// chunk layer, the page cache, and the copy-on-write maps together:
// it owns the layout map, the meta map, chunk lifecycle, compaction,
// and the background writer.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/kv-storeng/pagestore/chunk"
	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/filestore"
	"github.com/kv-storeng/pagestore/pagecache"
	"github.com/kv-storeng/pagestore/pagetree"
	"golang.org/x/sync/semaphore"
)

// layoutMapID and metaMapID are the two system maps every store
// carries, mirroring spec.md's "layout map (id 0)" / meta map split.
const (
	layoutMapID = 0
	metaMapID   = 1
	firstUserMapID = 2

	// pipeLength bounds how many chunk serializations may be
	// in flight at once.
	pipeLength = 3

	formatVersion = 2
)

// Options configures a Store, mirroring spec.md's recognized
// configuration keys with the same field names and defaults.
type Options struct {
	CacheSizeMiB        int
	CacheConcurrency    int
	AutoCommitDelay     time.Duration
	AutoCompactFillRate int
	PageSplitSize       int
	Compress            bool
	EncryptionKey       []byte
	ReadOnly            bool
	RecoveryMode        bool
	RetentionTime       time.Duration
	ReuseSpace          bool

	// Logf receives ambient diagnostic messages (background writer
	// decisions, compaction picks, recovery fallbacks). Nil disables
	// logging. Mirrors the teacher's GCConfig.Logf callback shape.
	Logf func(format string, args ...any)
}

func (o *Options) setDefaults() {
	if o.CacheSizeMiB == 0 {
		o.CacheSizeMiB = 16
	}
	if o.CacheConcurrency == 0 {
		o.CacheConcurrency = 16
	}
	if o.AutoCommitDelay == 0 {
		o.AutoCommitDelay = time.Second
	}
	if o.AutoCompactFillRate == 0 {
		o.AutoCompactFillRate = 90
	}
	if o.PageSplitSize == 0 {
		o.PageSplitSize = pagetree.DefaultSplitSize
		if o.Compress {
			o.PageSplitSize = 65536
		}
	}
	if o.RetentionTime == 0 {
		o.RetentionTime = 45 * time.Second
	}
}

func (o *Options) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// Store is the store coordinator (C6): it owns the backing file,
// the chunk table, the layout/meta maps, the page cache, the
// free-space map, and the background writer.
type Store struct {
	opts Options
	fs   filestore.FileStore

	mu         sync.RWMutex
	chunkTable map[uint32]*chunk.Header
	chunkStart map[uint32]uint32 // chunk id -> starting block
	freeSpace  *chunk.FreeSpace
	pages      *pagecache.Cache[*pagetree.Page]
	openMaps   map[string]*pagetree.Map
	mapIDs     map[string]uint32
	nextMapID  uint32
	nextChunkID uint32
	version    uint64
	header     *chunk.StoreHeader
	closed     bool

	sem *semaphore.Weighted // bounds in-flight serializations (pipeLength)

	layout *pagetree.Map
	meta   *pagetree.Map

	bg *backgroundWriter

	// pendingDead maps a chunk id, once discovered unreachable from
	// the current live roots, to the store version at which that was
	// noticed. oldestActiveVersionFn (nil unless a transaction layer
	// has called SetOldestActiveVersionFunc) reports the smallest
	// begin version among open repeatable-read snapshots; a chunk is
	// only actually freed once that value reaches or passes the
	// version recorded here, since any snapshot opened earlier could
	// still hold a frozen root pointing into it.
	pendingDead           map[uint32]uint64
	oldestActiveVersionFn func() uint64
}

// SetOldestActiveVersionFunc wires a callback the store consults
// before physically reclaiming an unreachable chunk, so a layer
// above (the transaction store) can protect chunks a live
// repeatable-read snapshot might still reference even though they
// are no longer reachable from the current live roots. Passing nil
// (the default) disables this gating, matching the behavior of a
// store used without a transaction layer on top.
func (s *Store) SetOldestActiveVersionFunc(f func() uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oldestActiveVersionFn = f
}

// Open opens (creating if necessary) the store backed by path.
func Open(path string, opts Options) (*Store, error) {
	opts.setDefaults()
	fs, err := filestore.Open(path, opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	if opts.EncryptionKey != nil {
		ef, err := filestore.NewEncryptedFile(fs, opts.EncryptionKey)
		if err != nil {
			fs.Close()
			return nil, err
		}
		fs = ef
	}
	s := &Store{
		opts:        opts,
		fs:          fs,
		chunkTable:  make(map[uint32]*chunk.Header),
		chunkStart:  make(map[uint32]uint32),
		freeSpace:   chunk.NewFreeSpace(opts.ReuseSpace),
		openMaps:    make(map[string]*pagetree.Map),
		mapIDs:      make(map[string]uint32),
		nextMapID:   firstUserMapID,
		nextChunkID: 1,
		pendingDead: make(map[uint32]uint64),
		sem:         semaphore.NewWeighted(pipeLength),
	}
	s.pages = newPageCache(opts.CacheSizeMiB<<20, opts.CacheConcurrency)

	size, err := fs.Size()
	if err != nil {
		return nil, err
	}
	if size < 2*chunk.BlockSize {
		if err := s.initEmpty(); err != nil {
			return nil, err
		}
	} else if err := s.recover(); err != nil {
		return nil, err
	}
	if opts.AutoCommitDelay > 0 && !opts.ReadOnly {
		s.bg = startBackgroundWriter(s, opts.AutoCommitDelay)
	}
	return s, nil
}

func (s *Store) initEmpty() error {
	s.header = &chunk.StoreHeader{FormatVersion: formatVersion, Version: 0, Clean: true}
	s.layout = pagetree.New(layoutMapID, &pageSource{s})
	s.meta = pagetree.New(metaMapID, &pageSource{s})
	return chunk.WriteStoreHeader(s.fs, s.header)
}

func (s *Store) recover() error {
	sh, err := chunk.ReadStoreHeader(s.fs)
	if err != nil {
		if !s.opts.RecoveryMode {
			return err
		}
		s.opts.logf("store header unreadable, falling back to empty store in recovery mode: %v", err)
		return s.initEmpty()
	}
	s.header = sh
	last, startBlock, err := chunk.RecoverLastChunk(s.fs, sh)
	if err != nil {
		if !s.opts.RecoveryMode {
			return err
		}
		s.opts.logf("no valid chunk found, falling back to empty store in recovery mode: %v", err)
		return s.initEmpty()
	}
	all, err := chunk.ScanAllChunks(s.fs)
	if err != nil {
		return errs.Wrap(errs.FileCorrupt, "scan chunk chain", err)
	}
	for _, c := range all {
		s.chunkTable[c.Header.ID] = c.Header
		s.chunkStart[c.Header.ID] = c.StartBlock
	}
	s.chunkTable[last.ID] = last
	s.chunkStart[last.ID] = startBlock
	s.nextChunkID = last.ID + 1
	s.version = last.Version

	layout, err := pagetree.Open(layoutMapID, &pageSource{s}, last.LayoutRootPos)
	if err != nil {
		return errs.Wrap(errs.FileCorrupt, "open layout map", err)
	}
	s.layout = layout
	metaRootKey := []byte("root.1")
	if v, ok, _ := layout.Get(metaRootKey); ok {
		pos := chunk.Pos(decodeUint64(v))
		m, err := pagetree.Open(metaMapID, &pageSource{s}, pos)
		if err != nil {
			return errs.Wrap(errs.FileCorrupt, "open meta map", err)
		}
		s.meta = m
	} else {
		s.meta = pagetree.New(metaMapID, &pageSource{s})
	}
	s.freeSpace.MarkUsed(0, 2)
	for id, start := range s.chunkStart {
		s.freeSpace.MarkUsed(start, s.chunkTable[id].LengthBlocks)
	}
	return nil
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// OpenMap returns the named map, creating it (and allocating a new
// map id recorded in the meta map) if it doesn't already exist.
func (s *Store) OpenMap(name string) (*pagetree.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.openMaps[name]; ok {
		return m, nil
	}
	metaKey := []byte("name." + name)
	if v, ok, err := s.meta.Get(metaKey); err == nil && ok {
		mapID := uint32(decodeUint64(v))
		rootKey := []byte(fmt.Sprintf("root.%d", mapID))
		var root chunk.Pos
		if rv, ok, _ := s.layout.Get(rootKey); ok {
			root = chunk.Pos(decodeUint64(rv))
		}
		m, err := pagetree.Open(mapID, &pageSource{s}, root)
		if err != nil {
			return nil, err
		}
		s.openMaps[name] = m
		s.mapIDs[name] = mapID
		return m, nil
	}
	mapID := s.nextMapID
	s.nextMapID++
	m := pagetree.New(mapID, &pageSource{s})
	if err := s.meta.Put(metaKey, encodeUint64(uint64(mapID))); err != nil {
		return nil, err
	}
	s.openMaps[name] = m
	s.mapIDs[name] = mapID
	return m, nil
}

// RemoveMap drops name from the meta map; its pages become
// unreferenced and are reclaimed the next time their containing
// chunks are compacted.
func (s *Store) RemoveMap(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.openMaps, name)
	delete(s.mapIDs, name)
	_, err := s.meta.Remove([]byte("name." + name))
	return err
}

// GetStoreHeader returns a copy of the current store header.
func (s *Store) GetStoreHeader() chunk.StoreHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.header
}

// GetFileStore exposes the underlying file backend, e.g. for
// administrative tooling that needs raw byte counts.
func (s *Store) GetFileStore() filestore.FileStore { return s.fs }

// Sync flushes the backing file.
func (s *Store) Sync() error { return s.fs.Sync() }

// Close stops the background writer (if any), commits any pending
// changes, and releases the file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.bg != nil {
		s.bg.stop(true)
	}
	if !s.opts.ReadOnly {
		if err := s.Commit(); err != nil {
			return err
		}
	}
	return s.fs.Close()
}

// Stats is a point-in-time snapshot of store housekeeping state.
type Stats struct {
	Version          uint64
	ChunksLive       int
	ChunksDead       int
	BytesReclaimable uint64
	CachedPages      int
	Reads            uint64
	Writes           uint64
}

// FillRate returns the percentage (0..100) of tracked chunks that are
// still reachable from the live roots. 100 when there are no chunks
// at all, matching an idle store having nothing to compact.
func (st Stats) FillRate() int {
	total := st.ChunksLive + st.ChunksDead
	if total == 0 {
		return 100
	}
	return 100 * st.ChunksLive / total
}

// Stats returns a snapshot of the store's current housekeeping state.
// A chunk counts as dead once refreshDeadness last found it
// unreachable from the live roots (s.pendingDead); this is only as
// fresh as the last refresh pass, the same staleness every other
// pendingDead-driven decision in this package accepts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Version: s.version, CachedPages: s.pages.Len()}
	for id, h := range s.chunkTable {
		if _, dead := s.pendingDead[id]; dead {
			st.ChunksDead++
			st.BytesReclaimable += uint64(h.MaxLen)
		} else {
			st.ChunksLive++
		}
	}
	return st
}
