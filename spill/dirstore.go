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
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/SnellerInc/blockspill/fault"
	"go.uber.org/zap"
)

// DirStore is a Store rooted in a local directory.
// Objects live at Root/bucket/key.
type DirStore struct {
	Root   string
	Logger *zap.Logger
}

// NewDirStore creates a DirStore in dir.
func NewDirStore(dir string, logger *zap.Logger) *DirStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirStore{Root: dir, Logger: logger}
}

func (d *DirStore) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *DirStore) path(loc Location) (string, error) {
	p := loc.Path()
	if !fs.ValidPath(p) {
		return "", fmt.Errorf("%s: %w", loc, fs.ErrInvalid)
	}
	return filepath.Join(d.Root, filepath.FromSlash(p)), nil
}

// classify maps an os error onto the
// retry classes of Store.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, fs.ErrInvalid),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EROFS):
		return fault.Permanent(op, err)
	}
	return fault.Transient(op, err)
}

// WriteFile writes buf to a temporary file
// and renames it into place, so readers never
// observe a partial object.
func (d *DirStore) WriteFile(ctx context.Context, loc Location, buf []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Permanent("write", err)
	}
	full, err := d.path(loc)
	if err != nil {
		return "", fault.Permanent("write", err)
	}
	d.log().Debug("write object", zap.Stringer("location", loc), zap.Int("bytes", len(buf)))
	dir, base := filepath.Split(full)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", classify("write", err)
	}
	tmp, err := os.CreateTemp(dir, "."+base)
	if err != nil {
		d.log().Warn("create temp", zap.String("dir", dir), zap.Error(err))
		return "", classify("write", err)
	}
	_, err = tmp.Write(buf)
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", classify("write", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", classify("write", err)
	}
	return etag(buf), nil
}

func (d *DirStore) ReadFile(ctx context.Context, loc Location) ([]byte, error) {
	full, err := d.path(loc)
	if err != nil {
		return nil, fault.Permanent("read", err)
	}
	buf, err := os.ReadFile(full)
	if err != nil {
		return nil, classify("read", err)
	}
	return buf, nil
}

func (d *DirStore) Remove(ctx context.Context, loc Location) error {
	full, err := d.path(loc)
	if err != nil {
		return fault.Permanent("remove", err)
	}
	if err := os.Remove(full); err != nil {
		return classify("remove", err)
	}
	return nil
}
