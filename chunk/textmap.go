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

// Package chunk implements the append-only, 4 KiB-aligned chunk
// layout: header/footer text maps, the per-chunk table of
// contents, and the free-space block allocator. Page liveness is
// not tracked per chunk: there is no occupancy bitmap.
package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kv-storeng/pagestore/codec"
	"github.com/kv-storeng/pagestore/errs"
)

// TextMap is the "key:hexvalue,..." encoding used for both the
// duplicated store header blocks and every chunk header/footer.
// Key order is preserved so the encoded bytes (and therefore the
// Fletcher-32 trailer) are deterministic.
type TextMap struct {
	keys []string
	vals map[string]string
}

// NewTextMap returns an empty TextMap.
func NewTextMap() *TextMap {
	return &TextMap{vals: make(map[string]string)}
}

// Set stores a raw string value for key, appending key to the
// encoding order if it hasn't been set before.
func (m *TextMap) Set(key, value string) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = value
}

// SetHex stores v hex-encoded under key.
func (m *TextMap) SetHex(key string, v int64) {
	m.Set(key, strconv.FormatInt(v, 16))
}

// Get returns the raw string value for key.
func (m *TextMap) Get(key string) (string, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// GetHex parses the hex-encoded value for key as an int64.
func (m *TextMap) GetHex(key string) (int64, error) {
	v, ok := m.vals[key]
	if !ok {
		return 0, errs.New(errs.FileCorrupt, "missing header key "+key)
	}
	n, err := strconv.ParseInt(v, 16, 64)
	if err != nil {
		return 0, errs.Wrap(errs.FileCorrupt, "bad hex value for "+key, err)
	}
	return n, nil
}

// Encode renders the map as "k:v,k2:v2,...,fletcher:HEX\n", with
// the Fletcher-32 checksum computed over everything preceding the
// "fletcher:" field.
func (m *TextMap) Encode() []byte {
	var b strings.Builder
	for _, k := range m.keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(m.vals[k])
		b.WriteByte(',')
	}
	sum := codec.Fletcher32([]byte(b.String()))
	b.WriteString("fletcher:")
	b.WriteString(strconv.FormatUint(uint64(sum), 16))
	b.WriteByte('\n')
	return []byte(b.String())
}

// ParseTextMap decodes data written by Encode, validating the
// trailing Fletcher-32 checksum. Unknown keys are preserved but
// not interpreted; callers pull out the keys they understand.
func ParseTextMap(data []byte) (*TextMap, error) {
	s := strings.TrimRight(string(data), "\x00")
	s = strings.TrimSuffix(s, "\n")
	idx := strings.LastIndex(s, ",fletcher:")
	if idx < 0 {
		return nil, errs.New(errs.FileCorrupt, "text map missing fletcher trailer")
	}
	body := s[:idx+1] // keep trailing comma for checksum input
	fletcherField := s[idx+len(",fletcher:"):]
	want, err := strconv.ParseUint(fletcherField, 16, 32)
	if err != nil {
		return nil, errs.Wrap(errs.FileCorrupt, "bad fletcher field", err)
	}
	got := codec.Fletcher32([]byte(body))
	if uint32(want) != got {
		return nil, errs.New(errs.FileCorrupt, fmt.Sprintf("fletcher mismatch: header says %x, computed %x", want, got))
	}
	m := NewTextMap()
	body = strings.TrimSuffix(body, ",")
	if body != "" {
		for _, pair := range strings.Split(body, ",") {
			k, v, ok := strings.Cut(pair, ":")
			if !ok {
				return nil, errs.New(errs.FileCorrupt, "malformed text map entry "+pair)
			}
			m.Set(k, v)
		}
	}
	return m, nil
}
