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

import (
	"bytes"

	"github.com/kv-storeng/pagestore/chunk"
	"github.com/kv-storeng/pagestore/errs"
)

// DefaultSplitSize is pageSplitSize's default: 16 KiB, bumped to
// 64 KiB by the store coordinator when compression is enabled.
const DefaultSplitSize = 16384

// Map is a copy-on-write ordered map over opaque byte keys and
// values: one B-tree per map id, rooted at a single page position
// tracked by the store's layout map.
type Map struct {
	MapID        uint32
	Source       Source
	SplitSize    int
	SingleWriter bool

	root         *Page
	writeVersion uint64
}

// New returns an empty map ready to accept writes. Source resolves
// saved pages not already held in memory; it may be nil for a map
// that will never read back a saved root (tests, pure in-memory use).
func New(mapID uint32, source Source) *Map {
	return &Map{
		MapID:     mapID,
		Source:    source,
		SplitSize: DefaultSplitSize,
		root:      newLeaf(),
	}
}

// NewFromRoot builds a Map view rooted at an existing in-memory page
// rather than a saved position. Pages are never mutated in place --
// every write replaces a Map's root field with a fresh Page chain --
// so a *Page captured this way remains a valid, stable snapshot even
// after the Map it was taken from keeps accepting writes. The
// transaction layer uses this to hand a repeatable-read transaction
// a view frozen at its begin version without needing that version's
// root to have been flushed to disk.
func NewFromRoot(mapID uint32, source Source, root *Page) *Map {
	return &Map{MapID: mapID, Source: source, SplitSize: DefaultSplitSize, root: root}
}

// Open rebuilds a Map view over an existing saved root.
func Open(mapID uint32, source Source, root chunk.Pos) (*Map, error) {
	m := &Map{MapID: mapID, Source: source, SplitSize: DefaultSplitSize}
	if root.IsZero() {
		m.root = newLeaf()
		return m, nil
	}
	p, err := source.LoadPage(root)
	if err != nil {
		return nil, err
	}
	m.root = p
	return m, nil
}

// SetWriteVersion records the MVCC version under which subsequent
// Put/Remove calls create new pages; the store coordinator stamps
// this before handing the map to a writer.
func (m *Map) SetWriteVersion(v uint64) { m.writeVersion = v }

// WriteVersion returns the version last set by SetWriteVersion.
func (m *Map) WriteVersion() uint64 { return m.writeVersion }

// GetRootPos returns the current root's saved position, or the zero
// Pos if the root has unsaved (in-memory-only) changes.
func (m *Map) GetRootPos() chunk.Pos { return m.root.Pos }

// Root exposes the current in-memory root page, e.g. for the store
// coordinator to serialize during commit.
func (m *Map) Root() *Page { return m.root }

// IsEmpty reports whether the map holds no entries.
func (m *Map) IsEmpty() bool { return m.Size() == 0 }

// Size returns the total number of key/value pairs in the map.
func (m *Map) Size() uint64 { return m.root.entryCount() }

// Get returns the value stored for key, if any.
func (m *Map) Get(key []byte) ([]byte, bool, error) {
	page := m.root
	for {
		if page.Leaf {
			idx, exact := page.find(key)
			if !exact {
				return nil, false, nil
			}
			return page.Values[idx], true, nil
		}
		idx := page.childIndex(key)
		child, err := loadChild(m.Source, page.Children[idx])
		if err != nil {
			return nil, false, err
		}
		page = child
	}
}

// splitResult is returned up the recursion when a page grew past
// SplitSize and had to be divided into two siblings joined by a new
// separator key.
type splitResult struct {
	sepKey      []byte
	left, right *Page
}

// Put inserts or overwrites the value for key, copy-on-writing every
// page from root to leaf.
func (m *Map) Put(key, value []byte) error {
	newRoot, split, err := m.putRec(m.root, key, value)
	if err != nil {
		return err
	}
	if split != nil {
		newRoot = &Page{
			Leaf: false,
			Keys: [][]byte{split.sepKey},
			Children: []*childRef{
				{page: split.left, count: split.left.entryCount()},
				{page: split.right, count: split.right.entryCount()},
			},
		}
	}
	m.root = newRoot
	return nil
}

func (m *Map) putRec(page *Page, key, value []byte) (*Page, *splitResult, error) {
	if page.Leaf {
		clone := page.clone()
		idx, exact := clone.find(key)
		if exact {
			clone.Values[idx] = value
		} else {
			clone.Keys = insertBytes(clone.Keys, idx, key)
			clone.Values = insertBytes(clone.Values, idx, value)
		}
		if len(clone.Keys) > 1 && clone.memSize() > m.SplitSize {
			return m.splitLeaf(clone)
		}
		return clone, nil, nil
	}

	idx := page.childIndex(key)
	child, err := loadChild(m.Source, page.Children[idx])
	if err != nil {
		return nil, nil, err
	}
	newChild, split, err := m.putRec(child, key, value)
	if err != nil {
		return nil, nil, err
	}
	clone := page.clone()
	if split == nil {
		clone.Children[idx] = &childRef{page: newChild, count: newChild.entryCount()}
		return clone, nil, nil
	}
	clone.Children[idx] = &childRef{page: split.left, count: split.left.entryCount()}
	clone.Children = insertChild(clone.Children, idx+1, &childRef{page: split.right, count: split.right.entryCount()})
	clone.Keys = insertBytes(clone.Keys, idx, split.sepKey)
	if len(clone.Keys) > 1 && clone.memSize() > m.SplitSize {
		return m.splitNode(clone)
	}
	return clone, nil, nil
}

func (m *Map) splitLeaf(p *Page) (*Page, *splitResult, error) {
	mid := len(p.Keys) / 2
	left := &Page{Leaf: true, Keys: p.Keys[:mid], Values: p.Values[:mid]}
	right := &Page{Leaf: true, Keys: p.Keys[mid:], Values: p.Values[mid:]}
	return left, &splitResult{sepKey: right.Keys[0], left: left, right: right}, nil
}

func (m *Map) splitNode(p *Page) (*Page, *splitResult, error) {
	mid := len(p.Keys) / 2
	left := &Page{Leaf: false, Keys: p.Keys[:mid], Children: p.Children[:mid+1]}
	right := &Page{Leaf: false, Keys: p.Keys[mid+1:], Children: p.Children[mid+1:]}
	return left, &splitResult{sepKey: p.Keys[mid], left: left, right: right}, nil
}

// Remove deletes key if present, returning whether it was found.
// Underfull pages are not currently coalesced with a sibling (see
// design notes); this only affects storage compactness, not
// correctness of lookups or iteration.
func (m *Map) Remove(key []byte) (bool, error) {
	newRoot, removed, err := m.removeRec(m.root, key)
	if err != nil {
		return false, err
	}
	m.root = newRoot
	return removed, nil
}

func (m *Map) removeRec(page *Page, key []byte) (*Page, bool, error) {
	if page.Leaf {
		idx, exact := page.find(key)
		if !exact {
			return page, false, nil
		}
		clone := page.clone()
		clone.Keys = append(clone.Keys[:idx], clone.Keys[idx+1:]...)
		clone.Values = append(clone.Values[:idx], clone.Values[idx+1:]...)
		return clone, true, nil
	}
	idx := page.childIndex(key)
	child, err := loadChild(m.Source, page.Children[idx])
	if err != nil {
		return nil, false, err
	}
	newChild, removed, err := m.removeRec(child, key)
	if err != nil || !removed {
		return page, removed, err
	}
	clone := page.clone()
	clone.Children[idx] = &childRef{page: newChild, count: newChild.entryCount()}
	return clone, true, nil
}

// Append is the single-writer fast path: for a map flagged
// SingleWriter, keys arrive in strictly increasing order and can be
// appended to the rightmost leaf without a root-to-leaf clone pass.
func (m *Map) Append(key, value []byte) error {
	if !m.SingleWriter {
		return m.Put(key, value)
	}
	last, ok, err := m.LastKey()
	if err != nil {
		return err
	}
	if ok && bytes.Compare(key, last) <= 0 {
		return errs.New(errs.Internal, "append requires strictly increasing keys")
	}
	return m.Put(key, value)
}

// FirstKey returns the smallest key in the map.
func (m *Map) FirstKey() ([]byte, bool, error) { return m.edgeKey(true) }

// LastKey returns the largest key in the map.
func (m *Map) LastKey() ([]byte, bool, error) { return m.edgeKey(false) }

func (m *Map) edgeKey(first bool) ([]byte, bool, error) {
	page := m.root
	for {
		if page.Leaf {
			if len(page.Keys) == 0 {
				return nil, false, nil
			}
			if first {
				return page.Keys[0], true, nil
			}
			return page.Keys[len(page.Keys)-1], true, nil
		}
		// Remove leaves emptied pages in place, so skip children
		// with no entries.
		idx := -1
		for i := range page.Children {
			j := i
			if !first {
				j = len(page.Children) - 1 - i
			}
			if page.ChildEntryCount(j) > 0 {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, false, nil
		}
		child, err := loadChild(m.Source, page.Children[idx])
		if err != nil {
			return nil, false, err
		}
		page = child
	}
}

// CeilingKey returns the smallest key >= key, if any.
func (m *Map) CeilingKey(key []byte) ([]byte, bool, error) {
	var result []byte
	found := false
	page := m.root
	for {
		if page.Leaf {
			idx, _ := page.find(key)
			if idx < len(page.Keys) {
				return page.Keys[idx], true, nil
			}
			if found {
				// result is a separator, which may name a removed
				// key; the answer is the first live key >= result.
				c := NewCursor(m, result)
				if c.Next() {
					return c.Key(), true, nil
				}
				return nil, false, c.Err()
			}
			return nil, false, nil
		}
		idx := page.childIndex(key)
		if idx < len(page.Keys) {
			result = page.Keys[idx]
			found = true
		}
		child, err := loadChild(m.Source, page.Children[idx])
		if err != nil {
			return nil, false, err
		}
		page = child
	}
}

// HigherKey returns the smallest key strictly greater than key.
func (m *Map) HigherKey(key []byte) ([]byte, bool, error) {
	c := NewCursor(m, key)
	if !c.Next() {
		return nil, false, nil
	}
	if bytes.Equal(c.Key(), key) {
		if !c.Next() {
			return nil, false, nil
		}
	}
	return c.Key(), true, nil
}

// LowerKey returns the largest key strictly less than key.
func (m *Map) LowerKey(key []byte) ([]byte, bool, error) {
	var prev []byte
	found := false
	c := NewCursor(m, nil)
	for c.Next() {
		if bytes.Compare(c.Key(), key) >= 0 {
			break
		}
		prev = c.Key()
		found = true
	}
	return prev, found, nil
}

func insertBytes(s [][]byte, idx int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertChild(s []*childRef, idx int, v *childRef) []*childRef {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}
