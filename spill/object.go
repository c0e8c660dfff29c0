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

package spill

import (
	"context"
	"errors"
	"fmt"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/compr"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/fault"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

// Spilled objects are laid out as
//
//	magic | flags | codec | algorithm | raw length | payload
//
// where codec and algorithm are length-prefixed
// strings and raw length is a varint. When the
// encrypted flag is set the payload is sealed with
// the whole header as additional data and the
// object path as the key context, so an object
// cannot be moved or have its header altered.
const (
	objectMagic   = "BSP1"
	flagEncrypted = 1 << 0

	maxRawLength = 1 << 34
)

type header struct {
	flags     byte
	codec     string
	algorithm string
	rawLen    int
}

func (h *header) append(dst []byte) []byte {
	dst = append(dst, objectMagic...)
	dst = append(dst, h.flags)
	dst = protowire.AppendBytes(dst, []byte(h.codec))
	dst = protowire.AppendBytes(dst, []byte(h.algorithm))
	return protowire.AppendVarint(dst, uint64(h.rawLen))
}

// parseHeader returns the header and its encoded length.
func parseHeader(src []byte) (header, int, error) {
	var h header
	if len(src) < len(objectMagic)+1 || string(src[:len(objectMagic)]) != objectMagic {
		return h, 0, fmt.Errorf("bad object magic")
	}
	off := len(objectMagic)
	h.flags = src[off]
	off++
	codec, n := protowire.ConsumeBytes(src[off:])
	if n < 0 {
		return h, 0, protowire.ParseError(n)
	}
	off += n
	alg, n := protowire.ConsumeBytes(src[off:])
	if n < 0 {
		return h, 0, protowire.ParseError(n)
	}
	off += n
	raw, n := protowire.ConsumeVarint(src[off:])
	if n < 0 {
		return h, 0, protowire.ParseError(n)
	}
	off += n
	if raw > maxRawLength {
		return h, 0, fmt.Errorf("raw length %d out of range", raw)
	}
	h.codec, h.algorithm, h.rawLen = string(codec), string(alg), int(raw)
	return h, off, nil
}

// encodeObject compresses raw and, if c is
// non-nil, encrypts it for loc.
func encodeObject(comp compr.Compressor, c *crypt.Cipher, loc Location, raw []byte) ([]byte, error) {
	h := header{codec: comp.Name(), rawLen: len(raw)}
	if c != nil {
		h.flags |= flagEncrypted
		h.algorithm = string(c.Algorithm())
	}
	hdr := h.append(nil)
	body := comp.Compress(raw, nil)
	if c == nil {
		return append(hdr, body...), nil
	}
	return c.Seal(hdr, loc.Path(), body, slices.Clone(hdr))
}

// decodeObject refuses to allocate more than
// limit bytes for the decompressed payload.
func decodeObject(key *crypt.EncryptionKey, loc Location, src []byte, limit int64) ([]byte, error) {
	h, off, err := parseHeader(src)
	if err != nil {
		return nil, err
	}
	if int64(h.rawLen) > limit {
		return nil, fault.Errorf(fault.OutOfMemory, "read", "%s: %d byte payload exceeds %d bytes available", loc, h.rawLen, limit)
	}
	body := src[off:]
	if h.flags&flagEncrypted != 0 {
		if key == nil {
			return nil, fmt.Errorf("%s is encrypted and no key was provided", loc)
		}
		alg, err := crypt.ParseAlgorithm(h.algorithm)
		if err != nil {
			return nil, err
		}
		c, err := crypt.NewCipher(alg, key)
		if err != nil {
			return nil, err
		}
		body, err = c.Open(loc.Path(), body, src[:off])
		if err != nil {
			return nil, err
		}
	}
	dec := compr.Decompression(h.codec)
	if dec == nil {
		return nil, fmt.Errorf("unknown compression %q", h.codec)
	}
	if h.codec == "none" && h.rawLen != len(body) {
		return nil, fmt.Errorf("payload has %d bytes; header claims %d", len(body), h.rawLen)
	}
	raw := make([]byte, h.rawLen)
	if err := dec.Decompress(body, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Read fetches the spilled object at loc and
// decodes it into a sealed Block charged to alloc.
// key must be the key the Spiller was configured
// with, or nil if the object is unencrypted.
// Payloads larger than the memory left in alloc
// fail with fault.OutOfMemory before decompression.
func Read(ctx context.Context, store Store, alloc *block.Allocator, key *crypt.EncryptionKey, loc Location) (*block.Block, error) {
	buf, err := store.ReadFile(ctx, loc)
	if err != nil {
		return nil, err
	}
	limit := block.DefaultLimit()
	if alloc != nil {
		limit = alloc.Limit() - alloc.InUse()
	}
	raw, err := decodeObject(key, loc, buf, limit)
	if errors.Is(err, fault.ErrOutOfMemory) {
		return nil, err
	}
	if err != nil {
		return nil, fault.Permanent("read", fmt.Errorf("%s: %w", loc, err))
	}
	return block.Unmarshal(alloc, raw)
}
