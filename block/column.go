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

	"google.golang.org/protobuf/encoding/protowire"
)

// column is one typed buffer of a Block.
//
// Indices at or past the Block's committed
// row count are "pending" and may be rewritten;
// the Block decides when they become committed.
type column interface {
	len() int
	// set writes v (already coerced, or nil for null)
	// at index i; i must be <= len().
	set(i int, v any)
	// pad extends the column with nulls up to n
	// rows; it returns false if the column is
	// not nullable and would need padding.
	pad(n int) bool
	truncate(n int)
	value(i int) any
	// size is the encoded size of the
	// column message at its current length.
	size() int
	encode(dst []byte) []byte
	decode(src []byte, rows int) error
}

func newColumn(f *Field) column {
	v := validity{nullable: f.Nullable}
	if w := f.Type.Width(); w > 0 {
		return &fixedColumn{typ: f.Type, width: w, validity: v}
	}
	return &varColumn{typ: f.Type, validity: v}
}

// column message field numbers
const (
	colValidity = 1
	colFixed    = 2
	colLengths  = 3
	colData     = 4
)

// validity tracks nulls for nullable columns;
// non-nullable columns carry no bitmap at all.
type validity struct {
	nullable bool
	valid    []bool
}

func (v *validity) setValid(i int, ok bool) {
	if !v.nullable {
		return
	}
	if i == len(v.valid) {
		v.valid = append(v.valid, ok)
	} else {
		v.valid[i] = ok
	}
}

func (v *validity) isNull(i int) bool {
	return v.nullable && !v.valid[i]
}

func (v *validity) truncate(n int) {
	if v.nullable {
		v.valid = v.valid[:n]
	}
}

func (v *validity) size(rows int) int {
	if !v.nullable {
		return 0
	}
	return protowire.SizeTag(colValidity) + protowire.SizeBytes((rows+7)/8)
}

func (v *validity) encode(dst []byte) []byte {
	if !v.nullable {
		return dst
	}
	bits := make([]byte, (len(v.valid)+7)/8)
	for i, ok := range v.valid {
		if ok {
			bits[i/8] |= 1 << (i % 8)
		}
	}
	dst = protowire.AppendTag(dst, colValidity, protowire.BytesType)
	return protowire.AppendBytes(dst, bits)
}

func (v *validity) decode(bits []byte, rows int) error {
	if !v.nullable {
		return nil
	}
	if len(bits) != (rows+7)/8 {
		return fmt.Errorf("validity bitmap has %d bytes for %d rows", len(bits), rows)
	}
	v.valid = make([]bool, rows)
	for i := range v.valid {
		v.valid[i] = bits[i/8]&(1<<(i%8)) != 0
	}
	return nil
}

// fixedColumn stores values little-endian,
// back to back; nulls occupy a zeroed slot.
type fixedColumn struct {
	validity
	typ   Type
	width int
	data  []byte
}

func (c *fixedColumn) len() int { return len(c.data) / c.width }

func (c *fixedColumn) set(i int, v any) {
	if i == c.len() {
		c.data = append(c.data, make([]byte, c.width)...)
	}
	slot := c.data[i*c.width : (i+1)*c.width]
	c.setValid(i, v != nil)
	if v == nil {
		clear(slot)
		return
	}
	c.typ.putFixed(slot, v)
}

func (c *fixedColumn) pad(n int) bool {
	if c.len() >= n {
		return true
	}
	if !c.nullable {
		return false
	}
	for c.len() < n {
		c.set(c.len(), nil)
	}
	return true
}

func (c *fixedColumn) truncate(n int) {
	if n < c.len() {
		c.data = c.data[:n*c.width]
		c.validity.truncate(n)
	}
}

func (c *fixedColumn) value(i int) any {
	if c.isNull(i) {
		return nil
	}
	return c.typ.getFixed(c.data[i*c.width:])
}

func (c *fixedColumn) size() int {
	return c.validity.size(c.len()) +
		protowire.SizeTag(colFixed) + protowire.SizeBytes(len(c.data))
}

func (c *fixedColumn) encode(dst []byte) []byte {
	dst = c.validity.encode(dst)
	dst = protowire.AppendTag(dst, colFixed, protowire.BytesType)
	return protowire.AppendBytes(dst, c.data)
}

func (c *fixedColumn) decode(src []byte, rows int) error {
	seen := false
	err := walk(src, func(num protowire.Number, _ protowire.Type, body []byte, _ uint64) error {
		switch num {
		case colValidity:
			return c.validity.decode(body, rows)
		case colFixed:
			if len(body)%c.width != 0 || len(body)/c.width != rows {
				return fmt.Errorf("%s column has %d bytes for %d rows", c.typ, len(body), rows)
			}
			c.data = append(c.data[:0], body...)
			seen = true
		}
		return nil
	})
	if err == nil && !seen && rows > 0 {
		err = fmt.Errorf("%s column: missing data", c.typ)
	}
	if err == nil && c.nullable && c.valid == nil {
		err = c.validity.decode(nil, rows)
	}
	return err
}

// varColumn stores String and Binary values
// as a list of lengths and concatenated data.
type varColumn struct {
	validity
	typ  Type
	vals [][]byte
	// running totals for size()
	dataBytes int
	lenBytes  int
}

func (c *varColumn) len() int { return len(c.vals) }

func (c *varColumn) set(i int, v any) {
	var b []byte
	switch x := v.(type) {
	case string:
		b = []byte(x)
	case []byte:
		b = append([]byte(nil), x...)
	}
	if i == len(c.vals) {
		c.vals = append(c.vals, nil)
	} else {
		c.forget(i)
	}
	c.vals[i] = b
	c.dataBytes += len(b)
	c.lenBytes += protowire.SizeVarint(uint64(len(b)))
	c.setValid(i, v != nil)
}

func (c *varColumn) forget(i int) {
	c.dataBytes -= len(c.vals[i])
	c.lenBytes -= protowire.SizeVarint(uint64(len(c.vals[i])))
}

func (c *varColumn) pad(n int) bool {
	if len(c.vals) >= n {
		return true
	}
	if !c.nullable {
		return false
	}
	for len(c.vals) < n {
		c.set(len(c.vals), nil)
	}
	return true
}

func (c *varColumn) truncate(n int) {
	for len(c.vals) > n {
		c.forget(len(c.vals) - 1)
		c.vals = c.vals[:len(c.vals)-1]
	}
	c.validity.truncate(n)
}

func (c *varColumn) value(i int) any {
	if c.isNull(i) {
		return nil
	}
	if c.typ == String {
		return string(c.vals[i])
	}
	return append([]byte(nil), c.vals[i]...)
}

func (c *varColumn) size() int {
	return c.validity.size(len(c.vals)) +
		protowire.SizeTag(colLengths) + protowire.SizeBytes(c.lenBytes) +
		protowire.SizeTag(colData) + protowire.SizeBytes(c.dataBytes)
}

func (c *varColumn) encode(dst []byte) []byte {
	dst = c.validity.encode(dst)
	dst = protowire.AppendTag(dst, colLengths, protowire.BytesType)
	dst = protowire.AppendVarint(dst, uint64(c.lenBytes))
	for _, v := range c.vals {
		dst = protowire.AppendVarint(dst, uint64(len(v)))
	}
	dst = protowire.AppendTag(dst, colData, protowire.BytesType)
	dst = protowire.AppendVarint(dst, uint64(c.dataBytes))
	for _, v := range c.vals {
		dst = append(dst, v...)
	}
	return dst
}

func (c *varColumn) decode(src []byte, rows int) error {
	var lengths, data []byte
	err := walk(src, func(num protowire.Number, _ protowire.Type, body []byte, _ uint64) error {
		switch num {
		case colValidity:
			return c.validity.decode(body, rows)
		case colLengths:
			lengths = body
		case colData:
			data = body
		}
		return nil
	})
	if err != nil {
		return err
	}
	if c.nullable && c.valid == nil {
		if err := c.validity.decode(nil, rows); err != nil {
			return err
		}
	}
	if len(lengths) < rows {
		return fmt.Errorf("%s column has %d length bytes for %d rows", c.typ, len(lengths), rows)
	}
	c.vals = make([][]byte, 0, rows)
	c.dataBytes, c.lenBytes = 0, 0
	for i := 0; i < rows; i++ {
		n, w := protowire.ConsumeVarint(lengths)
		if w < 0 {
			return fmt.Errorf("%s column row %d: %w", c.typ, i, protowire.ParseError(w))
		}
		lengths = lengths[w:]
		if uint64(len(data)) < n {
			return fmt.Errorf("%s column row %d: length %d overruns data", c.typ, i, n)
		}
		c.vals = append(c.vals, append([]byte(nil), data[:n]...))
		data = data[n:]
		c.dataBytes += int(n)
		c.lenBytes += w
	}
	if len(lengths) != 0 || len(data) != 0 {
		return fmt.Errorf("%s column: trailing data", c.typ)
	}
	return nil
}
