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

//go:build linux

package block

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/SnellerInc/blockspill/cgroup"
)

const fallbackLimit = 1 << 30

var (
	memOnce  sync.Once
	memTotal int64
)

// DefaultLimit is the allocator ceiling used when none
// is configured: a quarter of the usable DRAM, or of
// the cgroup memory.max if that is lower.
func DefaultLimit() int64 {
	memOnce.Do(func() {
		var info unix.Sysinfo_t
		if err := unix.Sysinfo(&info); err != nil {
			return
		}
		memTotal = int64(info.Totalram) * int64(info.Unit)
		if n, ok := cgroup.MemoryLimit(); ok && n > 0 && n < memTotal {
			memTotal = n
		}
	})
	if memTotal <= 0 {
		return fallbackLimit
	}
	return memTotal / 4
}
