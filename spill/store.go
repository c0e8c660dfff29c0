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
	"encoding/base32"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/SnellerInc/blockspill/fault"
	"golang.org/x/crypto/blake2b"
)

// Store is the external storage that spilled
// objects are written to.
//
// Implementations report retryable failures with
// fault.Transient and everything else with
// fault.Permanent; a missing object wraps fs.ErrNotExist.
type Store interface {
	// WriteFile stores buf at loc in a single
	// operation and returns the object's etag.
	WriteFile(ctx context.Context, loc Location, buf []byte) (etag string, err error)
	// ReadFile returns the contents of loc.
	ReadFile(ctx context.Context, loc Location) ([]byte, error)
	// Remove deletes loc.
	Remove(ctx context.Context, loc Location) error
}

func etag(buf []byte) string {
	sum := blake2b.Sum256(buf)
	return "b2sum:" + base32.StdEncoding.EncodeToString(sum[:])
}

// MemStore is a Store backed by a map.
// The zero value is ready to use.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *MemStore) WriteFile(ctx context.Context, loc Location, buf []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Permanent("write", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[loc.Path()] = append([]byte(nil), buf...)
	return etag(buf), nil
}

func (m *MemStore) ReadFile(ctx context.Context, loc Location) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.objects[loc.Path()]
	if !ok {
		return nil, fault.Permanent("read", fmt.Errorf("%s: %w", loc, fs.ErrNotExist))
	}
	return append([]byte(nil), buf...), nil
}

func (m *MemStore) Remove(ctx context.Context, loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[loc.Path()]; !ok {
		return fault.Permanent("remove", fmt.Errorf("%s: %w", loc, fs.ErrNotExist))
	}
	delete(m.objects, loc.Path())
	return nil
}

// Paths lists the stored objects in sorted order.
func (m *MemStore) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
