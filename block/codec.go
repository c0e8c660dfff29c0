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

package block

import (
	"fmt"

	"github.com/SnellerInc/blockspill/fault"
	"google.golang.org/protobuf/encoding/protowire"
)

// block message field numbers
const (
	blockSchema = 1
	blockRows   = 2
	blockColumn = 3
)

// Marshal appends the encoded committed rows of b
// to dst. The number of bytes appended is exactly
// b.Size().
//
// The encoding is a protobuf-compatible message:
//
//	1: schema
//	2: row count
//	3: column (repeated, schema order) {
//	     1: validity bitmap (nullable columns only)
//	     2: fixed-width values, little-endian
//	     3: varint lengths (variable-width columns)
//	     4: concatenated data (variable-width columns)
//	   }
func (b *Block) Marshal(dst []byte) ([]byte, error) {
	if b.cols == nil {
		return dst, ErrReleased
	}
	for i, c := range b.cols {
		if c.len() != b.rows {
			return dst, fmt.Errorf("marshal: column %q has %d uncommitted rows; seal or commit first",
				b.schema.fields[i].Name, c.len()-b.rows)
		}
	}
	dst = protowire.AppendTag(dst, blockSchema, protowire.BytesType)
	dst = protowire.AppendBytes(dst, b.schema.encoded)
	dst = protowire.AppendTag(dst, blockRows, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(b.rows))
	for _, c := range b.cols {
		dst = protowire.AppendTag(dst, blockColumn, protowire.BytesType)
		dst = protowire.AppendVarint(dst, uint64(c.size()))
		dst = c.encode(dst)
	}
	return dst, nil
}

// Unmarshal decodes a block produced by Marshal.
// The returned Block is sealed and charged
// to alloc, which may be nil.
func Unmarshal(alloc *Allocator, src []byte) (*Block, error) {
	var (
		schema  *Schema
		rows    int
		colBufs [][]byte
	)
	err := walk(src, func(num protowire.Number, _ protowire.Type, body []byte, v uint64) error {
		switch num {
		case blockSchema:
			s, err := decodeSchema(body)
			if err != nil {
				return err
			}
			schema = s
		case blockRows:
			// every row costs at least one bit of
			// some column, so rows is bounded by src
			if v > uint64(len(src))*8 {
				return fmt.Errorf("row count %d exceeds %d byte block", v, len(src))
			}
			rows = int(v)
		case blockColumn:
			colBufs = append(colBufs, body)
		}
		return nil
	})
	if err != nil {
		return nil, fault.New(fault.InvalidRowData, "unmarshal", err)
	}
	if schema == nil {
		return nil, fault.Errorf(fault.InvalidRowData, "unmarshal", "missing schema")
	}
	if len(colBufs) != schema.Len() {
		return nil, fault.Errorf(fault.InvalidRowData, "unmarshal", "%d columns for %d fields", len(colBufs), schema.Len())
	}
	b := newBlock(schema, 0)
	for i, buf := range colBufs {
		if err := b.cols[i].decode(buf, rows); err != nil {
			return nil, fault.New(fault.InvalidRowData, "unmarshal", fmt.Errorf("column %q: %w", schema.fields[i].Name, err))
		}
	}
	b.rows = rows
	b.size = b.sizeAt(rows)
	b.sealed = true
	if alloc != nil {
		if err := alloc.adopt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}
