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
	"path/filepath"
	"testing"
	"time"

	"github.com/kv-storeng/pagestore/filestore"
)

func TestStoreHeaderRoundTripAndPicksHigherVersion(t *testing.T) {
	dir := t.TempDir()
	fs, err := filestore.Open(filepath.Join(dir, "db.store"), false)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	old := &StoreHeader{FormatVersion: 1, Version: 2, Clean: true, LastChunkBlock: 5}
	newer := &StoreHeader{FormatVersion: 1, Version: 3, Clean: true, LastChunkBlock: 9}
	if err := WriteStoreHeader(fs, old); err != nil {
		t.Fatal(err)
	}
	if err := WriteStoreHeader(fs, newer); err != nil {
		t.Fatal(err)
	}
	got, err := ReadStoreHeader(fs)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 || got.LastChunkBlock != 9 {
		t.Fatalf("expected the higher-version header to win, got %+v", got)
	}
}

func writeChunkAt(t *testing.T, fs filestore.FileStore, blockOffset int64, h *Header) {
	t.Helper()
	headerBuf := make([]byte, BlockSize)
	copy(headerBuf, h.Encode())
	if _, err := fs.WriteAt(blockOffset, headerBuf); err != nil {
		t.Fatal(err)
	}
	footerOff := blockOffset + int64(h.LengthBlocks-1)*BlockSize
	footerBuf := make([]byte, BlockSize)
	copy(footerBuf, h.Encode())
	if _, err := fs.WriteAt(footerOff, footerBuf); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverLastChunkClean(t *testing.T) {
	dir := t.TempDir()
	fs, err := filestore.Open(filepath.Join(dir, "db.store"), false)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	h := &Header{ID: 1, LengthBlocks: 4, PageCount: 2, Version: 1, Created: time.Unix(0, 0).UTC()}
	writeChunkAt(t, fs, 2*BlockSize, h)

	sh := &StoreHeader{Clean: true, LastChunkBlock: 2}
	got, start, err := RecoverLastChunk(fs, sh)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 1 || got.Version != 1 {
		t.Fatalf("got %+v", got)
	}
	if start != 2 {
		t.Fatalf("start = %d, want 2", start)
	}
}

func TestRecoverLastChunkBackwardScan(t *testing.T) {
	dir := t.TempDir()
	fs, err := filestore.Open(filepath.Join(dir, "db.store"), false)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	h1 := &Header{ID: 1, LengthBlocks: 4, Version: 1, Created: time.Unix(0, 0).UTC()}
	h2 := &Header{ID: 2, LengthBlocks: 3, Version: 2, Created: time.Unix(0, 0).UTC()}
	writeChunkAt(t, fs, 2*BlockSize, h1)
	writeChunkAt(t, fs, 6*BlockSize, h2)
	if err := fs.Truncate(9 * BlockSize); err != nil {
		t.Fatal(err)
	}

	sh := &StoreHeader{Clean: false}
	got, start, err := RecoverLastChunk(fs, sh)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 2 || got.Version != 2 {
		t.Fatalf("expected to recover the later chunk, got %+v", got)
	}
	if start != 6 {
		t.Fatalf("start = %d, want 6", start)
	}
}
