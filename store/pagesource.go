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
	"github.com/kv-storeng/pagestore/chunk"
	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/pagecache"
	"github.com/kv-storeng/pagestore/pagetree"
)

// pageSource is the store's pagetree.Source: it turns a saved page
// position into bytes read off the backing file (through the page
// cache first), the way a map never needs to know whether a page
// came from memory or disk.
type pageSource struct {
	s *Store
}

func (ps *pageSource) LoadPage(pos chunk.Pos) (*pagetree.Page, error) {
	if cached, ok := ps.s.pages.Get(uint64(pos)); ok {
		return cached, nil
	}
	abs, err := ps.s.absoluteOffset(pos)
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, pageLengthPrefixSize)
	if _, err := ps.s.fs.ReadAt(abs, prefix); err != nil {
		return nil, errs.Wrap(errs.ReadingFailed, "read page length prefix", err)
	}
	n, err := peekPageLength(prefix)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := ps.s.fs.ReadAt(abs+pageLengthPrefixSize, body); err != nil {
		return nil, errs.Wrap(errs.ReadingFailed, "read page body", err)
	}
	dp, err := decodePage(body)
	if err != nil {
		return nil, err
	}
	dp.page.Pos = pos
	ps.s.pages.Put(uint64(pos), dp.page)
	return dp.page, nil
}

func (s *Store) absoluteOffset(pos chunk.Pos) (int64, error) {
	s.mu.RLock()
	startBlock, ok := s.chunkStart[pos.ChunkID()]
	s.mu.RUnlock()
	if !ok {
		return 0, errs.New(errs.ChunkNotFound, "page refers to unknown chunk")
	}
	return int64(startBlock)*chunk.BlockSize + int64(pos.Offset()), nil
}

// pageWeight estimates a cached page's byte weight for pagecache's
// budget accounting.
func pageWeight(p *pagetree.Page) int {
	n := 64
	for _, k := range p.Keys {
		n += len(k)
	}
	for _, v := range p.Values {
		n += len(v)
	}
	return n
}

func newPageCache(bytes, segments int) *pagecache.Cache[*pagetree.Page] {
	return pagecache.New[*pagetree.Page](bytes, segments, pageWeight)
}
