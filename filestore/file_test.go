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

package filestore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestOSFileReadWrite(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "store.db"), false)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	data := bytes.Repeat([]byte("a"), 4096)
	if _, err := f.WriteAt(4096, data); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4096)
	if _, err := f.ReadAt(4096, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back mismatch")
	}
	if f.WriteCount() != 1 || f.ReadCount() != 1 {
		t.Fatalf("unexpected counters: writes=%d reads=%d", f.WriteCount(), f.ReadCount())
	}
}

func TestOSFileSecondOpenLocked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	f1, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()

	if _, err := Open(path, false); err == nil {
		t.Fatal("expected second exclusive open to fail")
	}
}

func TestEncryptedFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	under, err := Open(filepath.Join(dir, "store.db"), false)
	if err != nil {
		t.Fatal(err)
	}
	defer under.Close()

	enc, err := NewEncryptedFile(under, []byte("super-secret-key"))
	if err != nil {
		t.Fatal(err)
	}
	plain := bytes.Repeat([]byte{0xAB}, BlockSize*3+17)
	if _, err := enc.WriteAt(BlockSize, plain); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(plain))
	if _, err := enc.ReadAt(BlockSize, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("encrypted round trip mismatch")
	}
	// the bytes actually on disk must not equal the plaintext
	raw := make([]byte, len(plain))
	if _, err := under.ReadAt(BlockSize, raw); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(raw, plain) {
		t.Fatal("data was not encrypted on disk")
	}
}
