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

// Package compr wraps the single page-compression
// codec the store supports. There is deliberately no
// registry of pluggable algorithms: the store picks
// zstd or nothing, never a third option.
package compr

import (
	"fmt"
	"runtime"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses page bodies before they
// are appended to a chunk.
type Compressor interface {
	// Name identifies the algorithm ("zstd").
	Name() string
	// Compress appends the compressed contents of
	// src to dst and returns the result.
	Compress(src, dst []byte) []byte
}

// Decompressor reverses a Compressor.
type Decompressor interface {
	Name() string
	// Decompress decompresses src into dst. dst must
	// already be sized to the expected decompressed
	// length; it errors out otherwise.
	//
	// Safe to call concurrently from multiple goroutines.
	Decompress(src, dst []byte) error
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z zstdCompressor) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z zstdCompressor) Name() string { return "zstd" }

var zstdDecoder *zstd.Decoder

func init() {
	// default concurrency is min(4, GOMAXPROCS); we want
	// it to always track GOMAXPROCS since decompression
	// only ever happens on the page-fault path
	z, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = z
}

type zstdDecompressor zstd.Decoder

func (z *zstdDecompressor) Name() string { return "zstd" }

func (z *zstdDecompressor) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := (*zstd.Decoder)(z).DecodeAll(src, into)
	if err != nil {
		return err
	}
	if len(ret) != len(dst) {
		return fmt.Errorf("expected %d bytes decompressed; got %d", len(dst), len(ret))
	}
	if len(ret) > 0 && &ret[0] != &dst[0] {
		return fmt.Errorf("zstd decompress: output buffer realloc'd")
	}
	return nil
}

// New returns the store's single compression codec.
func New() Compressor {
	z, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	return zstdCompressor{z}
}

// Decoder returns the store's single decompression codec.
func Decoder() Decompressor {
	return (*zstdDecompressor)(zstdDecoder)
}
