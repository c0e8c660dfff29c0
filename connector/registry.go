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

package connector

import (
	"fmt"
	"sync"

	"github.com/SnellerInc/blockspill/fault"
	"golang.org/x/exp/slices"
)

// Registry maps catalog names to connectors.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Connector)}
}

// Register adds c under catalog.
func (r *Registry) Register(catalog string, c Connector) error {
	if catalog == "" {
		return fmt.Errorf("register: empty catalog name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[catalog]; ok {
		return fmt.Errorf("register: catalog %q already registered", catalog)
	}
	r.conns[catalog] = c
	return nil
}

// Lookup returns the connector for catalog.
// Unknown catalogs are fault.CapabilityMismatch.
func (r *Registry) Lookup(catalog string) (Connector, error) {
	r.mu.RLock()
	c, ok := r.conns[catalog]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Unsupportedf("lookup", "no connector for catalog %q", catalog)
	}
	return c, nil
}

// Catalogs lists the registered catalogs in order.
func (r *Registry) Catalogs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
