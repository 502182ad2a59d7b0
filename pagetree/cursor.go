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

package pagetree

// ancestorFrame remembers a node page visited on the way down and
// which child to descend into next once its current subtree is
// exhausted.
type ancestorFrame struct {
	page      *Page
	nextChild int
}

// Cursor walks a map's entries in ascending key order. It is bound
// to the root page at construction time: concurrent writers clone
// pages rather than mutate them in place, so a cursor's view never
// changes underneath it, the way a snapshot read should behave.
type Cursor struct {
	m         *Map
	ancestors []ancestorFrame
	leaf      *Page
	leafIdx   int
	key, val  []byte
	err       error
	done      bool
}

// NewCursor returns a cursor over m positioned so the first call to
// Next yields the smallest key >= from (or the smallest key overall
// if from is nil).
func NewCursor(m *Map, from []byte) *Cursor {
	c := &Cursor{m: m}
	page := m.root
	for !page.Leaf {
		idx := 0
		if from != nil {
			idx = page.childIndex(from)
		}
		c.ancestors = append(c.ancestors, ancestorFrame{page: page, nextChild: idx + 1})
		child, err := loadChild(m.Source, page.Children[idx])
		if err != nil {
			c.err = err
			c.done = true
			return c
		}
		page = child
	}
	c.leaf = page
	if from != nil {
		idx, _ := page.find(from)
		c.leafIdx = idx
	}
	return c
}

// Err returns any error encountered while paging in a saved child.
func (c *Cursor) Err() error { return c.err }

// Key returns the current entry's key. Valid only after Next
// returns true.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current entry's value.
func (c *Cursor) Value() []byte { return c.val }

// Next advances the cursor and reports whether an entry is available.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	for {
		if c.leaf != nil && c.leafIdx < len(c.leaf.Keys) {
			c.key = c.leaf.Keys[c.leafIdx]
			c.val = c.leaf.Values[c.leafIdx]
			c.leafIdx++
			return true
		}
		if !c.advanceToNextLeaf() {
			c.done = true
			return false
		}
	}
}

func (c *Cursor) advanceToNextLeaf() bool {
	for len(c.ancestors) > 0 {
		top := &c.ancestors[len(c.ancestors)-1]
		if top.nextChild >= len(top.page.Children) {
			c.ancestors = c.ancestors[:len(c.ancestors)-1]
			continue
		}
		child, err := loadChild(c.m.Source, top.page.Children[top.nextChild])
		top.nextChild++
		if err != nil {
			c.err = err
			return false
		}
		page := child
		for !page.Leaf {
			c.ancestors = append(c.ancestors, ancestorFrame{page: page, nextChild: 1})
			next, err := loadChild(c.m.Source, page.Children[0])
			if err != nil {
				c.err = err
				return false
			}
			page = next
		}
		c.leaf = page
		c.leafIdx = 0
		return true
	}
	return false
}
