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
	"errors"
	"sync"

	"github.com/SnellerInc/blockspill/fault"
)

// ErrClosed is returned by Allocate
// after the Allocator has been closed.
var ErrClosed = errors.New("allocator closed")

// Allocator creates Blocks and tracks the bytes
// they hold against a fixed ceiling.
//
// An Allocator belongs to one request; concurrent
// scans should each use their own. It is safe
// to call from multiple goroutines.
type Allocator struct {
	limit int64

	mu     sync.Mutex
	inuse  int64
	live   map[*Block]struct{}
	closed bool
}

// NewAllocator returns an Allocator that refuses
// to hold more than limit bytes. A limit <= 0 selects
// DefaultLimit.
func NewAllocator(limit int64) *Allocator {
	if limit <= 0 {
		limit = DefaultLimit()
	}
	return &Allocator{
		limit: limit,
		live:  make(map[*Block]struct{}),
	}
}

// Limit returns the byte ceiling.
func (a *Allocator) Limit() int64 { return a.limit }

// InUse returns the number of bytes
// charged by live Blocks.
func (a *Allocator) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inuse
}

// Live returns the number of Blocks
// that have not been released.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Allocate creates an empty Block for schema.
// If maxBytes is positive, the Block never grows
// past maxBytes encoded bytes. Allocate fails with
// fault.OutOfMemory if even the empty block does
// not fit under the ceiling.
func (a *Allocator) Allocate(schema *Schema, maxBytes int) (*Block, error) {
	b := newBlock(schema, maxBytes)
	if maxBytes > 0 && b.size > maxBytes {
		return nil, fault.Errorf(fault.OutOfMemory, "allocate",
			"empty block of %d bytes exceeds block capacity %d", b.size, maxBytes)
	}
	if err := a.adopt(b); err != nil {
		return nil, err
	}
	return b, nil
}

// adopt starts tracking b and charges its current size.
func (a *Allocator) adopt(b *Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fault.New(fault.OutOfMemory, "allocate", ErrClosed)
	}
	n := int64(b.size)
	if a.inuse+n > a.limit {
		return fault.Errorf(fault.OutOfMemory, "allocate",
			"%d bytes requested with %d of %d in use", n, a.inuse, a.limit)
	}
	a.inuse += n
	b.alloc = a
	b.charged = n
	a.live[b] = struct{}{}
	return nil
}

// charge grows the bytes held by b to size.
func (a *Allocator) charge(b *Block, size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b.released {
		return fault.New(fault.InvalidRowData, "charge", ErrReleased)
	}
	delta := size - b.charged
	if delta <= 0 {
		return nil
	}
	if a.inuse+delta > a.limit {
		return fault.Errorf(fault.OutOfMemory, "charge",
			"%d more bytes requested with %d of %d in use", delta, a.inuse, a.limit)
	}
	a.inuse += delta
	b.charged = size
	return nil
}

func (a *Allocator) release(b *Block) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(b)
}

func (a *Allocator) releaseLocked(b *Block) {
	if b.released {
		return
	}
	b.released = true
	a.inuse -= b.charged
	b.charged = 0
	b.cols = nil
	delete(a.live, b)
}

// Close releases every Block still tracked by a.
// It is idempotent and always returns nil;
// the error return lets callers defer it
// alongside other io.Closers.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for b := range a.live {
		a.releaseLocked(b)
	}
	a.closed = true
	return nil
}
