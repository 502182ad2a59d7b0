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
	"strconv"
	"time"

	"github.com/kv-storeng/pagestore/errs"
)

// BlockSize is the file's block alignment granularity.
const BlockSize = 4096

// Header describes a chunk's header (and, in abbreviated form,
// its footer). (id, version) strictly increases across chunks
// written by a single store instance.
type Header struct {
	ID             uint32
	LengthBlocks   uint32 // chunk length, in 4 KiB blocks
	PageCount      uint32
	MaxLen         uint32 // total bytes occupied by pages at write time
	MaxLenLive     uint32 // set to MaxLen when the chunk is written; nothing in this module decrements it
	MapID          uint32 // primary map id associated with this chunk, 0 if mixed
	NextBlock      uint64 // predicted block offset of the next chunk
	Version        uint64
	Created        time.Time
	LayoutRootPos  Pos
	TocPos         Pos
}

// Live reports whether the chunk still holds any live bytes.
func (h *Header) Live() bool { return h.MaxLenLive > 0 }

// FillRate returns the percentage (0..100) of MaxLen that is
// still live; used to pick compaction candidates.
func (h *Header) FillRate() int {
	if h.MaxLen == 0 {
		return 0
	}
	return int(100 * uint64(h.MaxLenLive) / uint64(h.MaxLen))
}

func (h *Header) toTextMap() *TextMap {
	m := NewTextMap()
	m.Set("chunk", itoa(int64(h.ID)))
	m.SetHex("len", int64(h.LengthBlocks))
	m.SetHex("pageCount", int64(h.PageCount))
	m.SetHex("maxLen", int64(h.MaxLen))
	m.SetHex("maxLenLive", int64(h.MaxLenLive))
	m.SetHex("mapId", int64(h.MapID))
	m.SetHex("nextBlock", int64(h.NextBlock))
	m.SetHex("version", int64(h.Version))
	m.SetHex("created", h.Created.Unix())
	m.SetHex("layoutRoot", int64(h.LayoutRootPos))
	m.SetHex("toc", int64(h.TocPos))
	return m
}

// Encode renders the header as chunk header text, prefixed with
// "chunk:ID," as the spec's on-disk format requires.
func (h *Header) Encode() []byte {
	return h.toTextMap().Encode()
}

// DecodeHeader parses a chunk header/footer previously produced
// by Encode.
func DecodeHeader(data []byte) (*Header, error) {
	m, err := ParseTextMap(data)
	if err != nil {
		return nil, err
	}
	h := &Header{}
	get := func(key string) (int64, error) { return m.GetHex(key) }
	var e error
	var chunkID int64
	if s, ok := m.Get("chunk"); !ok {
		e = errs.New(errs.FileCorrupt, "missing header key chunk")
	} else if chunkID, err = strconv.ParseInt(s, 10, 64); err != nil {
		e = errs.Wrap(errs.FileCorrupt, "bad decimal value for chunk", err)
	}
	length, err := get("len")
	e = firstErr(e, err)
	pageCount, err := get("pageCount")
	e = firstErr(e, err)
	maxLen, err := get("maxLen")
	e = firstErr(e, err)
	maxLenLive, err := get("maxLenLive")
	e = firstErr(e, err)
	mapID, err := get("mapId")
	e = firstErr(e, err)
	nextBlock, err := get("nextBlock")
	e = firstErr(e, err)
	version, err := get("version")
	e = firstErr(e, err)
	created, err := get("created")
	e = firstErr(e, err)
	layoutRoot, err := get("layoutRoot")
	e = firstErr(e, err)
	toc, err := get("toc")
	e = firstErr(e, err)
	if e != nil {
		return nil, e
	}
	h.ID = uint32(chunkID)
	h.LengthBlocks = uint32(length)
	h.PageCount = uint32(pageCount)
	h.MaxLen = uint32(maxLen)
	h.MaxLenLive = uint32(maxLenLive)
	h.MapID = uint32(mapID)
	h.NextBlock = uint64(nextBlock)
	h.Version = uint64(version)
	h.Created = time.Unix(created, 0).UTC()
	h.LayoutRootPos = Pos(layoutRoot)
	h.TocPos = Pos(toc)
	return h, nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func itoa(v int64) string {
	// decimal, matching the spec's "chunk:ID," prefix which is
	// not hex-encoded like the remaining fields
	neg := v < 0
	if v == 0 {
		return "0"
	}
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
