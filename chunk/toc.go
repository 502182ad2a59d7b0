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
	"github.com/kv-storeng/pagestore/codec"
	"github.com/kv-storeng/pagestore/errs"
)

// TocEntry describes one page's position within a chunk, indexed by
// page ordinal (the order pages were written in).
type TocEntry struct {
	Offset uint32 // byte offset within the chunk
	Length uint32 // on-disk page length in bytes
	IsNode bool
	MapID  uint32
}

// Toc is a chunk's table of contents: page ordinal -> TocEntry.
// The store's commit path builds one per chunk but does not write it
// to the file (the header's TocPos stays zero), and neither recovery
// nor compaction reads one.
type Toc struct {
	Entries []TocEntry
}

// Encode serializes the table of contents as a varint-coded
// sequence of (offset, length, flags, mapId) tuples, offsets
// delta-coded against the previous entry to keep the common case
// (monotonically increasing offsets) compact.
func (t *Toc) Encode() []byte {
	b := &codec.Buffer{}
	b.PutVarInt(len(t.Entries))
	var prevOffset uint32
	for _, e := range t.Entries {
		delta := int64(e.Offset) - int64(prevOffset)
		b.PutVarLong(int64(zigzagToc(delta)))
		b.PutVarInt(int(e.Length))
		flags := 0
		if e.IsNode {
			flags = 1
		}
		b.PutByte(byte(flags))
		b.PutVarInt(int(e.MapID))
		prevOffset = e.Offset
	}
	return b.Bytes()
}

// DecodeToc parses a table of contents produced by Encode.
func DecodeToc(data []byte) (*Toc, error) {
	r := codec.NewReader(data)
	n, err := r.VarInt()
	if err != nil {
		return nil, errs.Wrap(errs.FileCorrupt, "toc entry count", err)
	}
	if n < 0 || n > 1<<24 {
		return nil, errs.New(errs.FileCorrupt, "toc entry count out of range")
	}
	t := &Toc{Entries: make([]TocEntry, 0, n)}
	var prevOffset uint32
	for i := 0; i < n; i++ {
		dz, err := r.VarLong()
		if err != nil {
			return nil, errs.Wrap(errs.FileCorrupt, "toc offset delta", err)
		}
		delta := unzigzagToc(uint64(dz))
		offset := uint32(int64(prevOffset) + delta)
		length, err := r.VarInt()
		if err != nil {
			return nil, errs.Wrap(errs.FileCorrupt, "toc length", err)
		}
		flags, err := r.Byte()
		if err != nil {
			return nil, errs.Wrap(errs.FileCorrupt, "toc flags", err)
		}
		mapID, err := r.VarInt()
		if err != nil {
			return nil, errs.Wrap(errs.FileCorrupt, "toc mapId", err)
		}
		t.Entries = append(t.Entries, TocEntry{
			Offset: offset,
			Length: uint32(length),
			IsNode: flags&1 == 1,
			MapID:  uint32(mapID),
		})
		prevOffset = offset
	}
	return t, nil
}

func zigzagToc(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzagToc(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
