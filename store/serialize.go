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
	"github.com/kv-storeng/pagestore/codec"
	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/pagetree"
)

// pageNodeFlag is set in the type byte written right after a page's
// length prefix when the page is an internal node; a leaf page
// writes a zero type byte.
const pageNodeFlag = 1

// encodePage renders page as: uint32 totalLength, byte type, varint
// mapId, varint keyCount, [keys], then either values (leaf) or
// (childPos, childEntryCount) pairs (node), every child already
// assigned a saved position by the caller. The leading length lets
// a reader fetch a page from the file in two positional reads
// without consulting the chunk's table of contents; the trailing
// Fletcher-32 checksum is validated by decodePage.
func encodePage(mapID uint32, p *pagetree.Page) []byte {
	inner := &codec.Buffer{}
	var typ byte
	if !p.Leaf {
		typ = pageNodeFlag
	}
	inner.PutByte(typ)
	inner.PutVarInt(int(mapID))
	inner.PutVarInt(len(p.Keys))
	for _, k := range p.Keys {
		inner.PutStringData(string(k))
	}
	if p.Leaf {
		for _, v := range p.Values {
			inner.PutStringData(string(v))
		}
	} else {
		for i := 0; i < p.NumChildren(); i++ {
			inner.PutUint64(uint64(p.ChildPos(i)))
			inner.PutVarLong(int64(p.ChildEntryCount(i)))
		}
	}
	sum := codec.Fletcher32(inner.Bytes())
	inner.PutUint32(sum)

	full := &codec.Buffer{}
	full.PutUint32(uint32(inner.Position()))
	full.Put(inner.Bytes())
	return full.Bytes()
}

// pageLengthPrefixSize is the byte width of encodePage's leading
// total-length field.
const pageLengthPrefixSize = 4

// peekPageLength reads just the length prefix from the first 4
// bytes of an encoded page, telling the caller how many more bytes
// to fetch.
func peekPageLength(prefix []byte) (int, error) {
	if len(prefix) < pageLengthPrefixSize {
		return 0, errs.New(errs.FileCorrupt, "page length prefix truncated")
	}
	r := codec.NewReader(prefix)
	n, err := r.Uint32()
	if err != nil {
		return 0, errs.Wrap(errs.FileCorrupt, "page length prefix", err)
	}
	return int(n), nil
}

// decodedPage is a parsed page plus the map id it belongs to, which
// is not part of pagetree.Page itself (a page doesn't know its own
// map; the chunk ToC entry it came from does).
type decodedPage struct {
	page  *pagetree.Page
	mapID uint32
}

func decodePage(data []byte) (*decodedPage, error) {
	if len(data) < 5 {
		return nil, errs.New(errs.FileCorrupt, "page too short")
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	want := uint32(trailer[0])<<24 | uint32(trailer[1])<<16 | uint32(trailer[2])<<8 | uint32(trailer[3])
	if got := codec.Fletcher32(body); got != want {
		return nil, errs.New(errs.FileCorrupt, "page checksum mismatch")
	}
	r := codec.NewReader(body)
	typ, err := r.Byte()
	if err != nil {
		return nil, errs.Wrap(errs.FileCorrupt, "page type", err)
	}
	mapID, err := r.VarInt()
	if err != nil {
		return nil, errs.Wrap(errs.FileCorrupt, "page mapId", err)
	}
	n, err := r.VarInt()
	if err != nil {
		return nil, errs.Wrap(errs.FileCorrupt, "page keyCount", err)
	}
	keys := make([][]byte, n)
	for i := range keys {
		s, err := r.StringData()
		if err != nil {
			return nil, errs.Wrap(errs.FileCorrupt, "page key", err)
		}
		keys[i] = []byte(s)
	}
	if typ&pageNodeFlag == 0 {
		values := make([][]byte, n)
		for i := range values {
			s, err := r.StringData()
			if err != nil {
				return nil, errs.Wrap(errs.FileCorrupt, "page value", err)
			}
			values[i] = []byte(s)
		}
		return &decodedPage{mapID: uint32(mapID), page: pagetree.NewLeafPage(keys, values)}, nil
	}
	childPos := make([]chunk.Pos, n+1)
	childCount := make([]uint64, n+1)
	for i := range childPos {
		pos, err := r.Uint64()
		if err != nil {
			return nil, errs.Wrap(errs.FileCorrupt, "page child pos", err)
		}
		count, err := r.VarLong()
		if err != nil {
			return nil, errs.Wrap(errs.FileCorrupt, "page child count", err)
		}
		childPos[i] = chunk.Pos(pos)
		childCount[i] = uint64(count)
	}
	return &decodedPage{mapID: uint32(mapID), page: pagetree.NewNodePage(keys, childPos, childCount)}, nil
}
