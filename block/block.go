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

// Package block implements columnar batches of rows
// (Blocks) and the per-request Allocator that
// bounds the memory they consume.
package block

import (
	"errors"
	"fmt"
	"strings"

	"github.com/SnellerInc/blockspill/constraint"
	"github.com/SnellerInc/blockspill/fault"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrBlockFull is returned from Commit and
	// SetRowCount when the rows would not fit
	// in the Block's byte capacity.
	ErrBlockFull = errors.New("block full")
	// ErrSealed is returned when a sealed
	// Block is modified.
	ErrSealed = errors.New("block is sealed")
	// ErrReleased is returned when a released
	// Block is used.
	ErrReleased = errors.New("block has been released")
)

// Block is a batch of rows stored column-wise.
//
// Every column holds exactly RowCount committed
// values. Rows are written into the pending slot
// (index RowCount) with Set or Offer and become
// visible with Commit. Once sealed a Block is
// read-only.
//
// A Block is not safe for concurrent mutation.
type Block struct {
	schema   *Schema
	cols     []column
	rows     int
	maxBytes int
	size     int
	sealed   bool
	eval     constraint.Evaluator

	alloc    *Allocator
	charged  int64
	released bool // guarded by alloc.mu
}

func newBlock(s *Schema, maxBytes int) *Block {
	b := &Block{
		schema:   s,
		cols:     make([]column, s.Len()),
		maxBytes: maxBytes,
	}
	for i := range s.fields {
		b.cols[i] = newColumn(&s.fields[i])
	}
	b.size = b.sizeAt(0)
	return b
}

// Schema returns the schema of the block.
func (b *Block) Schema() *Schema { return b.schema }

// RowCount returns the number of committed rows.
func (b *Block) RowCount() int { return b.rows }

// Size returns the exact number of bytes
// that Marshal produces for the committed rows.
func (b *Block) Size() int { return b.size }

// MaxBytes returns the byte capacity of
// the block, or 0 if it is unbounded.
func (b *Block) MaxBytes() int { return b.maxBytes }

// Sealed reports whether the block is read-only.
func (b *Block) Sealed() bool { return b.sealed }

// Constrain sets the evaluator consulted by Offer.
func (b *Block) Constrain(ev constraint.Evaluator) { b.eval = ev }

// Evaluator returns the evaluator set by Constrain,
// or constraint.Empty.
func (b *Block) Evaluator() constraint.Evaluator {
	if b.eval == nil {
		return constraint.Empty()
	}
	return b.eval
}

// Seal makes the block read-only and
// discards any uncommitted values.
func (b *Block) Seal() {
	if b.sealed {
		return
	}
	for _, c := range b.cols {
		c.truncate(b.rows)
	}
	b.sealed = true
}

// Release returns the memory charged by b to its
// allocator. It is safe to call more than once.
func (b *Block) Release() {
	if b.alloc != nil {
		b.alloc.release(b)
	}
}

func (b *Block) writable(op string) error {
	if b.cols == nil {
		return fault.New(fault.InvalidRowData, op, ErrReleased)
	}
	if b.sealed {
		return fault.New(fault.InvalidRowData, op, ErrSealed)
	}
	return nil
}

// Set writes v into the named column at row.
// Committed rows cannot be rewritten, so row must be
// at least RowCount and at most one past the last
// value written to the column. A nil v is null.
// Values whose Go type does not match the
// field type fail with fault.InvalidRowData.
func (b *Block) Set(name string, row int, v any) error {
	if err := b.writable("set"); err != nil {
		return err
	}
	i, ok := b.schema.Index(name)
	if !ok {
		return fault.Errorf(fault.InvalidRowData, "set", "no column %q", name)
	}
	return b.setAt(i, row, v)
}

func (b *Block) setAt(i, row int, v any) error {
	c := b.cols[i]
	f := &b.schema.fields[i]
	if row < b.rows || row > c.len() {
		return fault.Errorf(fault.InvalidRowData, "set", "column %q: row %d out of range [%d, %d]", f.Name, row, b.rows, c.len())
	}
	if v == nil {
		if !f.Nullable {
			return fault.Errorf(fault.InvalidRowData, "set", "column %q is not nullable", f.Name)
		}
		c.set(row, nil)
		return nil
	}
	cv, ok := f.Type.coerce(v)
	if !ok {
		return fault.Errorf(fault.InvalidRowData, "set", "column %q: cannot store %T as %s", f.Name, v, f.Type)
	}
	c.set(row, cv)
	return nil
}

// Offer writes v like Set only if the block's
// evaluator accepts it, and reports whether it did.
func (b *Block) Offer(name string, row int, v any) (bool, error) {
	if b.eval != nil && !b.eval.Apply(name, v) {
		return false, nil
	}
	if err := b.Set(name, row, v); err != nil {
		return false, err
	}
	return true, nil
}

// Commit makes the pending row visible. Columns
// that were not written are filled with null; a
// non-nullable column that was not written fails
// with fault.InvalidRowData. If the row would push
// the block past its capacity the row is discarded
// and ErrBlockFull is returned.
func (b *Block) Commit() error {
	if err := b.writable("commit"); err != nil {
		return err
	}
	for i, c := range b.cols {
		if c.len() > b.rows+1 {
			return fault.Errorf(fault.InvalidRowData, "commit", "column %q has %d pending rows", b.schema.fields[i].Name, c.len()-b.rows)
		}
	}
	return b.grow(b.rows+1, "commit")
}

// Rollback discards the pending row.
func (b *Block) Rollback() {
	if b.cols == nil || b.sealed {
		return
	}
	for _, c := range b.cols {
		c.truncate(b.rows)
	}
}

// SetRowCount commits rows written column-by-column.
// Columns shorter than n are padded with nulls;
// columns longer than n are truncated.
func (b *Block) SetRowCount(n int) error {
	if err := b.writable("set row count"); err != nil {
		return err
	}
	if n < b.rows {
		return fault.Errorf(fault.InvalidRowData, "set row count", "cannot shrink block from %d to %d rows", b.rows, n)
	}
	for _, c := range b.cols {
		c.truncate(n)
	}
	return b.grow(n, "set row count")
}

// grow pads every column to n rows and commits
// them if they fit; otherwise it rolls back.
func (b *Block) grow(n int, op string) error {
	for i, c := range b.cols {
		if !c.pad(n) {
			b.Rollback()
			return fault.Errorf(fault.InvalidRowData, op, "missing value for non-nullable column %q", b.schema.fields[i].Name)
		}
	}
	size := b.sizeAt(n)
	if b.maxBytes > 0 && size > b.maxBytes {
		b.Rollback()
		if b.rows == 0 {
			return fault.Errorf(fault.InvalidRowData, op, "row of %d bytes exceeds block capacity %d", size, b.maxBytes)
		}
		return ErrBlockFull
	}
	if b.alloc != nil {
		if err := b.alloc.charge(b, int64(size)); err != nil {
			b.Rollback()
			return err
		}
	}
	b.rows = n
	b.size = size
	return nil
}

// sizeAt computes the encoded size assuming
// every column currently holds exactly n values.
func (b *Block) sizeAt(n int) int {
	size := protowire.SizeTag(blockSchema) + protowire.SizeBytes(len(b.schema.encoded)) +
		protowire.SizeTag(blockRows) + protowire.SizeVarint(uint64(n))
	for _, c := range b.cols {
		size += protowire.SizeTag(blockColumn) + protowire.SizeBytes(c.size())
	}
	return size
}

// Value returns the committed value of
// the named column at row.
func (b *Block) Value(name string, row int) (any, error) {
	i, ok := b.schema.Index(name)
	if !ok {
		return nil, fmt.Errorf("no column %q", name)
	}
	if b.cols == nil {
		return nil, ErrReleased
	}
	if row < 0 || row >= b.rows {
		return nil, fmt.Errorf("row %d out of range [0, %d)", row, b.rows)
	}
	return b.cols[i].value(row), nil
}

// Row returns the values of row i in schema order.
func (b *Block) Row(i int) ([]any, error) {
	if b.cols == nil {
		return nil, ErrReleased
	}
	if i < 0 || i >= b.rows {
		return nil, fmt.Errorf("row %d out of range [0, %d)", i, b.rows)
	}
	out := make([]any, len(b.cols))
	for j, c := range b.cols {
		out[j] = c.value(i)
	}
	return out, nil
}

// RowString formats row i for logging.
func (b *Block) RowString(i int) (string, error) {
	row, err := b.Row(i)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for j, v := range row {
		if j > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "[%s : %v]", b.schema.fields[j].Name, v)
	}
	return sb.String(), nil
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{rows=%d, size=%d, schema=%s}", b.rows, b.size, b.schema)
}
