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
	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/filestore"
)

// StoreHeader is the duplicated store-level header occupying
// blocks 0 and 1 of the backing file. One of the two copies is
// rewritten on every clean shutdown (and periodically in between),
// alternating so a crash mid-write always leaves one intact copy.
type StoreHeader struct {
	FormatVersion  uint32
	Version        uint64
	Clean          bool // true if shut down cleanly; LastChunkBlock is trustworthy
	LastChunkBlock uint32
}

func (h *StoreHeader) toTextMap() *TextMap {
	m := NewTextMap()
	m.SetHex("format", int64(h.FormatVersion))
	m.SetHex("version", int64(h.Version))
	clean := int64(0)
	if h.Clean {
		clean = 1
	}
	m.SetHex("clean", clean)
	m.SetHex("lastChunkBlock", int64(h.LastChunkBlock))
	return m
}

// Encode renders the header padded to exactly BlockSize bytes.
func (h *StoreHeader) Encode() []byte {
	buf := make([]byte, BlockSize)
	copy(buf, h.toTextMap().Encode())
	return buf
}

func decodeStoreHeader(data []byte) (*StoreHeader, error) {
	m, err := ParseTextMap(data)
	if err != nil {
		return nil, err
	}
	format, err := m.GetHex("format")
	if err != nil {
		return nil, err
	}
	version, err := m.GetHex("version")
	if err != nil {
		return nil, err
	}
	clean, err := m.GetHex("clean")
	if err != nil {
		return nil, err
	}
	last, err := m.GetHex("lastChunkBlock")
	if err != nil {
		return nil, err
	}
	return &StoreHeader{
		FormatVersion:  uint32(format),
		Version:        uint64(version),
		Clean:          clean != 0,
		LastChunkBlock: uint32(last),
	}, nil
}

// ReadStoreHeader reads both duplicated header blocks and returns
// the valid copy with the higher version. A torn write leaves at
// most one copy corrupt, so recovery only fails when both are
// unreadable.
func ReadStoreHeader(fs filestore.FileStore) (*StoreHeader, error) {
	var candidates []*StoreHeader
	for block := 0; block < 2; block++ {
		buf := make([]byte, BlockSize)
		if _, err := fs.ReadAt(int64(block)*BlockSize, buf); err != nil {
			continue
		}
		h, err := decodeStoreHeader(buf)
		if err != nil {
			continue
		}
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		return nil, errs.New(errs.FileCorrupt, "both store header blocks are corrupt")
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Version > best.Version {
			best = c
		}
	}
	return best, nil
}

// WriteStoreHeader writes h to whichever of blocks 0/1 corresponds
// to an even/odd version number, so the previous copy survives
// untouched until this write completes.
func WriteStoreHeader(fs filestore.FileStore, h *StoreHeader) error {
	block := int64(h.Version % 2)
	_, err := fs.WriteAt(block*BlockSize, h.Encode())
	return err
}

// RecoverLastChunk locates the most recently written, structurally
// valid chunk. When sh.Clean is set the header recorded at
// LastChunkBlock is trusted directly; otherwise the file is scanned
// backward from EOF for a footer/header pair whose (id, version)
// agree, the way an unclean shutdown forces a full tail scan.
func RecoverLastChunk(fs filestore.FileStore, sh *StoreHeader) (*Header, uint32, error) {
	if sh.Clean {
		headerOff := int64(sh.LastChunkBlock) * BlockSize
		h, err := readHeaderAt(fs, headerOff)
		if err != nil {
			return nil, 0, errs.Wrap(errs.FileCorrupt, "clean-shutdown chunk pointer is invalid", err)
		}
		footerOff := headerOff + int64(h.LengthBlocks-1)*BlockSize
		if err := verifyFooter(fs, h, footerOff); err != nil {
			return nil, 0, err
		}
		return h, sh.LastChunkBlock, nil
	}
	size, err := fs.Size()
	if err != nil {
		return nil, 0, errs.Wrap(errs.ReadingFailed, "stat backing file", err)
	}
	for footerBlockEnd := size; footerBlockEnd >= 2*BlockSize+BlockSize; footerBlockEnd -= BlockSize {
		footerOff := footerBlockEnd - BlockSize
		footer, err := readHeaderAt(fs, footerOff)
		if err != nil {
			continue
		}
		headerOff := footerBlockEnd - int64(footer.LengthBlocks)*BlockSize
		if headerOff < 2*BlockSize {
			continue
		}
		header, err := readHeaderAt(fs, headerOff)
		if err != nil {
			continue
		}
		if header.ID == footer.ID && header.Version == footer.Version {
			return header, uint32(headerOff / BlockSize), nil
		}
	}
	return nil, 0, errs.New(errs.FileCorrupt, "no valid chunk found scanning backward from EOF")
}

// ChunkAt pairs a recovered chunk header with the block at which it
// starts.
type ChunkAt struct {
	Header     *Header
	StartBlock uint32
}

// ScanAllChunks walks the file forward from block 2 (past the
// duplicated store header), following each chunk's own
// LengthBlocks to jump to the next, validating every header/footer
// pair it encounters. It stops at the first block that does not
// hold a valid header, which is either end-of-file or an
// in-progress write -- not a hole left by a freed chunk, so this
// walk assumes a store whose free-space reuse has not (yet) left a
// gap that a later write skipped over.
func ScanAllChunks(fs filestore.FileStore) ([]ChunkAt, error) {
	size, err := fs.Size()
	if err != nil {
		return nil, errs.Wrap(errs.ReadingFailed, "stat backing file", err)
	}
	var out []ChunkAt
	block := uint32(2)
	for int64(block)*BlockSize+BlockSize <= size {
		h, err := readHeaderAt(fs, int64(block)*BlockSize)
		if err != nil {
			break
		}
		footerOff := int64(block)*BlockSize + int64(h.LengthBlocks-1)*BlockSize
		if err := verifyFooter(fs, h, footerOff); err != nil {
			break
		}
		out = append(out, ChunkAt{Header: h, StartBlock: block})
		block += h.LengthBlocks
	}
	return out, nil
}

func readHeaderAt(fs filestore.FileStore, offset int64) (*Header, error) {
	if offset < 0 {
		return nil, errs.New(errs.FileCorrupt, "negative header offset")
	}
	buf := make([]byte, BlockSize)
	if _, err := fs.ReadAt(offset, buf); err != nil {
		return nil, err
	}
	return DecodeHeader(buf)
}

func verifyFooter(fs filestore.FileStore, h *Header, footerOff int64) error {
	footer, err := readHeaderAt(fs, footerOff)
	if err != nil {
		return errs.Wrap(errs.FileCorrupt, "chunk footer unreadable", err)
	}
	if footer.ID != h.ID || footer.Version != h.Version {
		return errs.New(errs.FileCorrupt, "chunk footer does not match header")
	}
	return nil
}
