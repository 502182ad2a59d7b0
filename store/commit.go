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
	"context"
	"fmt"
	"time"

	"github.com/kv-storeng/pagestore/chunk"
	"github.com/kv-storeng/pagestore/codec"
	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/pagetree"
)

// commitBuilder accumulates the serialized body of one new chunk:
// every dirty page, in post-order (children before parents) so a
// parent can record its children's freshly assigned positions.
type commitBuilder struct {
	chunkID    uint32
	body       *codec.Buffer
	bodyOffset int
	toc        chunk.Toc
	pageCount  int
	maxLen     int
}

func newCommitBuilder(chunkID uint32) *commitBuilder {
	return &commitBuilder{chunkID: chunkID, body: &codec.Buffer{}, bodyOffset: chunk.BlockSize}
}

func (cb *commitBuilder) writePage(mapID uint32, p *pagetree.Page) (chunk.Pos, error) {
	if !p.Pos.IsZero() {
		return p.Pos, nil
	}
	if !p.Leaf {
		for i := 0; i < p.NumChildren(); i++ {
			if child := p.LoadedChild(i); child != nil {
				pos, err := cb.writePage(mapID, child)
				if err != nil {
					return 0, err
				}
				p.SetChildPos(i, pos)
			}
		}
	}
	data := encodePage(mapID, p)
	offset := cb.bodyOffset
	cb.body.Put(data)
	isNode := !p.Leaf
	pos := chunk.NewPos(cb.chunkID, uint32(offset), isNode, chunk.LengthCodeFor(len(data)))
	p.Pos = pos
	cb.toc.Entries = append(cb.toc.Entries, chunk.TocEntry{
		Offset: uint32(offset), Length: uint32(len(data)), IsNode: isNode, MapID: mapID,
	})
	cb.bodyOffset += len(data)
	cb.pageCount++
	cb.maxLen += len(data)
	return pos, nil
}

// Commit serializes every map mutated since the last commit into a
// single new chunk, appends it through the file backend, and
// advances the store version. It is a no-op if nothing changed.
func (s *Store) Commit() error {
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return errs.Wrap(errs.Internal, "acquire commit slot", err)
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	if s.opts.ReadOnly {
		return errs.New(errs.WritingFailed, "commit on read-only store")
	}
	cb := newCommitBuilder(s.nextChunkID)

	if s.meta.Root().Pos.IsZero() {
		pos, err := cb.writePage(metaMapID, s.meta.Root())
		if err != nil {
			return err
		}
		if err := s.layout.Put([]byte("root.1"), encodeUint64(uint64(pos))); err != nil {
			return err
		}
	}
	for name, m := range s.openMaps {
		if !m.Root().Pos.IsZero() {
			continue
		}
		pos, err := cb.writePage(s.mapIDs[name], m.Root())
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("root.%d", s.mapIDs[name]))
		if err := s.layout.Put(key, encodeUint64(uint64(pos))); err != nil {
			return err
		}
	}

	var layoutRootPos chunk.Pos
	if s.layout.Root().Pos.IsZero() {
		pos, err := cb.writePage(layoutMapID, s.layout.Root())
		if err != nil {
			return err
		}
		layoutRootPos = pos
	} else {
		layoutRootPos = s.layout.Root().Pos
	}

	if cb.pageCount == 0 {
		return nil // nothing dirty
	}

	s.version++
	now := time.Now().UTC()
	lengthBlocks := blocksFor(cb.bodyOffset)
	header := &chunk.Header{
		ID:            cb.chunkID,
		LengthBlocks:  lengthBlocks,
		PageCount:     uint32(cb.pageCount),
		MaxLen:        uint32(cb.maxLen),
		MaxLenLive:    uint32(cb.maxLen),
		Version:       s.version,
		Created:       now,
		LayoutRootPos: layoutRootPos,
	}
	startBlock := s.freeSpace.Allocate(lengthBlocks)

	if err := s.writeChunk(startBlock, header, cb); err != nil {
		return err
	}

	s.chunkTable[header.ID] = header
	s.chunkStart[header.ID] = startBlock
	s.nextChunkID++

	s.header.Version = s.version
	s.header.Clean = true
	s.header.LastChunkBlock = startBlock
	if err := chunk.WriteStoreHeader(s.fs, s.header); err != nil {
		return err
	}
	return nil
}

// writeChunk pads the body to a block boundary, writes the header,
// body, and footer at startBlock, and syncs the file.
func (s *Store) writeChunk(startBlock uint32, header *chunk.Header, cb *commitBuilder) error {
	bodyBytes := cb.body.Bytes()
	totalBytes := int(header.LengthBlocks) * chunk.BlockSize
	padded := make([]byte, totalBytes)
	headerBytes := header.Encode()
	copy(padded, headerBytes)
	copy(padded[chunk.BlockSize:], bodyBytes)
	footerBytes := header.Encode()
	copy(padded[totalBytes-chunk.BlockSize:], footerBytes)

	abs := int64(startBlock) * chunk.BlockSize
	if _, err := s.fs.WriteAt(abs, padded); err != nil {
		return err
	}
	return s.fs.Sync()
}

func blocksFor(bytes int) uint32 {
	blocks := (bytes + chunk.BlockSize - 1) / chunk.BlockSize
	if blocks < 2 {
		blocks = 2 // header block + at least one footer block
	}
	return uint32(blocks)
}
