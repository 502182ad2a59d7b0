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

// Package pagetree implements the copy-on-write ordered map: pages
// are either unsaved (position zero, mutable, owned by the writer
// that created them) or saved (non-zero position, immutable, shared
// across readers through the page cache). A write clones every page
// on the path from root to leaf into fresh unsaved pages; readers
// holding an older root never observe the mutation.
package pagetree

import (
	"bytes"
	"sort"

	"github.com/kv-storeng/pagestore/chunk"
)

// pageOverhead approximates the fixed per-page header cost (length,
// type, checksum, mapId, keyCount) counted toward pageSplitSize.
const pageOverhead = 16

// Source loads a saved page by position, the way a map asks the
// store coordinator (and, beneath it, the page cache) for a page it
// does not currently hold in memory.
type Source interface {
	LoadPage(pos chunk.Pos) (*Page, error)
}

// childRef is a node page's view of one child: either an in-memory
// page (freshly written, not yet saved) or a position to resolve
// lazily through a Source.
type childRef struct {
	pos   chunk.Pos
	page  *Page
	count uint64 // total leaf entries reachable under this child
}

// Page is one node of the tree: a leaf holding keys and values, or
// an internal node holding keys as separators plus one more child
// than it has keys.
type Page struct {
	Pos      chunk.Pos
	Leaf     bool
	Keys     [][]byte
	Values   [][]byte    // leaf only, len(Values) == len(Keys)
	Children []*childRef // node only, len(Children) == len(Keys)+1
}

func newLeaf() *Page { return &Page{Leaf: true} }

// NewLeafPage builds a leaf page from decoded keys/values, for a
// Source implementation to hand back from LoadPage.
func NewLeafPage(keys, values [][]byte) *Page {
	return &Page{Leaf: true, Keys: keys, Values: values}
}

// NewNodePage builds an internal page from decoded keys and child
// positions/counts; children are resolved lazily through Source on
// first descent. len(childPos) must equal len(keys)+1.
func NewNodePage(keys [][]byte, childPos []chunk.Pos, childCount []uint64) *Page {
	children := make([]*childRef, len(childPos))
	for i := range children {
		children[i] = &childRef{pos: childPos[i], count: childCount[i]}
	}
	return &Page{Leaf: false, Keys: keys, Children: children}
}

// clone makes a shallow copy of p's slices so the original page (if
// saved, immutable and possibly shared with readers) is never
// mutated in place.
func (p *Page) clone() *Page {
	c := &Page{Leaf: p.Leaf}
	if p.Leaf {
		c.Keys = append([][]byte(nil), p.Keys...)
		c.Values = append([][]byte(nil), p.Values...)
	} else {
		c.Keys = append([][]byte(nil), p.Keys...)
		c.Children = append([]*childRef(nil), p.Children...)
	}
	return c
}

// find returns the index of key if present (exact=true) or, for a
// miss, the insertion point / child index to descend into.
func (p *Page) find(key []byte) (idx int, exact bool) {
	i := sort.Search(len(p.Keys), func(i int) bool {
		return bytes.Compare(p.Keys[i], key) >= 0
	})
	if i < len(p.Keys) && bytes.Equal(p.Keys[i], key) {
		return i, true
	}
	return i, false
}

// childIndex returns which child a node page should descend into
// for key: the separator semantics are "keys[i] is the smallest key
// reachable through children[i+1]".
func (p *Page) childIndex(key []byte) int {
	i := sort.Search(len(p.Keys), func(i int) bool {
		return bytes.Compare(p.Keys[i], key) > 0
	})
	return i
}

// memSize estimates the serialized footprint of p, used to decide
// when to split.
func (p *Page) memSize() int {
	n := pageOverhead
	for _, k := range p.Keys {
		n += len(k) + 4
	}
	if p.Leaf {
		for _, v := range p.Values {
			n += len(v) + 4
		}
	} else {
		n += len(p.Children) * 12
	}
	return n
}

// entryCount returns the number of leaf entries reachable under p.
func (p *Page) entryCount() uint64 {
	if p.Leaf {
		return uint64(len(p.Keys))
	}
	var total uint64
	for _, c := range p.Children {
		total += c.count
	}
	return total
}

// NumChildren returns the number of children of a node page.
func (p *Page) NumChildren() int { return len(p.Children) }

// ChildPos returns the saved position of the i-th child, the zero
// Pos if that child is unsaved.
func (p *Page) ChildPos(i int) chunk.Pos { return p.Children[i].pos }

// ChildEntryCount returns the number of leaf entries under the i-th
// child, without requiring that subtree to be loaded.
func (p *Page) ChildEntryCount(i int) uint64 {
	if p.Children[i].page != nil {
		return p.Children[i].page.entryCount()
	}
	return p.Children[i].count
}

// LoadedChild returns the i-th child if it is already resolved in
// memory (unsaved, or previously loaded through Source), else nil.
func (p *Page) LoadedChild(i int) *Page { return p.Children[i].page }

// SetChildPos records the saved position assigned to the i-th child
// after it has been serialized by the caller.
func (p *Page) SetChildPos(i int, pos chunk.Pos) { p.Children[i].pos = pos }

func loadChild(src Source, c *childRef) (*Page, error) {
	if c.page != nil {
		return c.page, nil
	}
	p, err := src.LoadPage(c.pos)
	if err != nil {
		return nil, err
	}
	c.page = p
	return p, nil
}
