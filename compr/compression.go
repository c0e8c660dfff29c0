// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package compr provides a unified interface wrapping
// the third-party compression libraries used for
// spilled block payloads.
package compr

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor describes a compression algorithm.
type Compressor interface {
	// Name is the name of the compression algorithm.
	Name() string
	// Compress should append the compressed contents
	// of src to dst and return the result.
	Compress(src, dst []byte) []byte
}

// Decompressor is the counterpart of Compressor.
type Decompressor interface {
	// Name is the name of the compression algorithm.
	// See also Compressor.Name.
	Name() string
	// Decompress decompresses src into dst, which
	// must be exactly the size of the original data.
	//
	// It must be safe to make multiple
	// calls to Decompress simultaneously
	// from different goroutines.
	Decompress(src, dst []byte) error
}

// Names lists the supported algorithms.
var Names = []string{"zstd", "s2", "lz4", "none"}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z zstdCompressor) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z zstdCompressor) Name() string { return "zstd" }

var zstdDecoder *zstd.Decoder

func init() {
	// by default, concurrency is set to min(4, GOMAXPROCS);
	// spill readers decode many objects at once
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
	return checkInPlace("zstd", ret, dst)
}

// checkInPlace verifies that a decoder filled
// dst exactly and did not reallocate it.
func checkInPlace(name string, ret, dst []byte) error {
	if len(ret) != len(dst) {
		return fmt.Errorf("%s: expected %d bytes decompressed; got %d", name, len(dst), len(ret))
	}
	if len(dst) > 0 && &ret[0] != &dst[0] {
		return fmt.Errorf("%s decompress: output buffer realloc'd", name)
	}
	return nil
}

type s2Compressor struct{}

func (s2Compressor) Compress(src, dst []byte) []byte {
	tail := dst[len(dst):cap(dst)]
	// s2 requires non-overlapping src and dst
	if overlaps(src, tail) {
		tail = nil
	}
	got := s2.Encode(tail, src)
	if len(dst) == 0 {
		return got
	}
	if len(tail) > 0 && len(got) > 0 && &tail[0] == &got[0] {
		return dst[:len(dst)+len(got)]
	}
	return append(dst, got...)
}

func (s2Compressor) Decompress(src, dst []byte) error {
	into := dst[:0:len(dst)]
	ret, err := s2.Decode(into, src)
	if err != nil {
		return err
	}
	return checkInPlace("s2", ret, dst)
}

func (s2Compressor) Name() string { return "s2" }

// lz4Compressor uses the lz4 block format.
// Incompressible input is stored verbatim; since
// compressed output is always strictly shorter than
// the input, the two cases are told apart by length.
type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) Compress(src, dst []byte) []byte {
	if len(src) == 0 {
		return dst
	}
	start := len(dst)
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst)-start < bound {
		grown := make([]byte, start, start+bound)
		copy(grown, dst)
		dst = grown
	}
	n, err := lz4.CompressBlock(src, dst[start:start+bound], nil)
	if err != nil || n == 0 || n >= len(src) {
		return append(dst[:start], src...)
	}
	return dst[:start+n]
}

func (lz4Compressor) Decompress(src, dst []byte) error {
	if len(src) == len(dst) {
		copy(dst, src)
		return nil
	}
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != len(dst) {
		return fmt.Errorf("lz4: expected %d bytes decompressed; got %d", len(dst), n)
	}
	return nil
}

type noneCompressor struct{}

func (noneCompressor) Name() string { return "none" }

func (noneCompressor) Compress(src, dst []byte) []byte { return append(dst, src...) }

func (noneCompressor) Decompress(src, dst []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("none: expected %d bytes; got %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// Compression selects a compression algorithm by name.
// The returned Compressor will return the same value
// for Compressor.Name as the specified name.
// Unknown names yield nil.
func Compression(name string) Compressor {
	switch name {
	case "zstd":
		z, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return zstdCompressor{z}
	case "s2":
		return s2Compressor{}
	case "lz4":
		return lz4Compressor{}
	case "none":
		return noneCompressor{}
	default:
		return nil
	}
}

// Decompression selects a decompression
// algorithm by name, or returns nil.
func Decompression(name string) Decompressor {
	switch name {
	case "zstd":
		return (*zstdDecompressor)(zstdDecoder)
	case "s2":
		return s2Compressor{}
	case "lz4":
		return lz4Compressor{}
	case "none":
		return noneCompressor{}
	default:
		return nil
	}
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(&a[0]))
	a1 := a0 + uintptr(len(a))
	b0 := uintptr(unsafe.Pointer(&b[0]))
	b1 := b0 + uintptr(len(b))
	return a0 < b1 && b0 < a1
}
