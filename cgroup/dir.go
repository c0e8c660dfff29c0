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

// Package cgroup reads resource limits from the
// Linux cgroupv2 filesystem.
package cgroup

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Dir is an absolute directory path
// (including the mount path of the cgroup2 mountpoint).
type Dir string

// IsZero returns true if d is the zero value of Dir.
func (d Dir) IsZero() bool { return d == "" }

// Root returns the first cgroup2 mountpoint
// listed in /proc/mounts.
func Root() (Dir, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) >= 3 && parts[2] == "cgroup2" {
			return Dir(parts[1]), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fs.ErrNotExist
}

// Sub returns a new Dir that represents a
// sub-directory of d.
func (d Dir) Sub(dir string) Dir { return Dir(d.join(dir)) }

func (d Dir) join(name string) string { return filepath.Join(string(d), name) }

// Self returns the cgroup of the current process,
// provided that the current process is only a member
// of a cgroup2 and not a legacy cgroup1 hierarchy.
func Self() (Dir, error) {
	text, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	root, err := Root()
	if err != nil {
		return "", err
	}
	return parseSelf(root, text)
}

func parseSelf(root Dir, text []byte) (Dir, error) {
	if !bytes.HasPrefix(text, []byte("0::")) {
		return "", fmt.Errorf("cgroup: don't understand /proc/self/cgroup: %q", text)
	}
	text = bytes.TrimSpace(text)
	i := bytes.IndexByte(text, '/')
	if i < 0 {
		return "", fmt.Errorf("cgroup: %q is not a valid cgroup", text)
	}
	return root.Sub(string(text[i:])), nil
}

// ReadInt reads a single integer from the file
// with the given name within d. The literal "max"
// is reported as (0, false, nil).
func (d Dir) ReadInt(name string) (int64, bool, error) {
	buf, err := os.ReadFile(d.join(name))
	if err != nil {
		return 0, false, err
	}
	return parseLimit(buf)
}

func parseLimit(buf []byte) (int64, bool, error) {
	buf = bytes.TrimSpace(buf)
	if string(buf) == "max" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(string(buf), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cgroup: parsing limit: %w", err)
	}
	return n, true, nil
}

// MemoryMax returns the tightest memory.max limit
// of d and its ancestors up to the cgroup root.
// The boolean is false if no ancestor sets a limit.
func (d Dir) MemoryMax(root Dir) (int64, bool) {
	var (
		limit int64
		found bool
	)
	for dir := d; strings.HasPrefix(string(dir), string(root)); dir = Dir(filepath.Dir(string(dir))) {
		n, ok, err := dir.ReadInt("memory.max")
		if err == nil && ok && (!found || n < limit) {
			limit, found = n, true
		}
		if dir == root || filepath.Dir(string(dir)) == string(dir) {
			break
		}
	}
	return limit, found
}

// MemoryLimit returns the memory limit imposed on
// the current process by its cgroup, if any.
func MemoryLimit() (int64, bool) {
	root, err := Root()
	if err != nil {
		return 0, false
	}
	self, err := Self()
	if err != nil {
		return 0, false
	}
	return self.MemoryMax(root)
}
