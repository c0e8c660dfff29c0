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
	"context"
	"errors"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/SnellerInc/blockspill/paging"
	"github.com/SnellerInc/blockspill/spill"
	"github.com/SnellerInc/blockspill/split"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errNoResult = errors.New("connector returned no result")

// ReadResponse is the outcome of reading one split.
type ReadResponse struct {
	RequestID string
	// Inline is the encoded final Block
	// when the result was small enough.
	Inline  []byte
	Spilled []spill.SpilledBlock
	// KeyID references the key that
	// protects the spilled Blocks.
	KeyID     string
	Rows      int64
	Cancelled bool
}

// Service dispatches requests to the
// connectors of a Registry.
type Service struct {
	Registry *Registry
	Store    spill.Store
	// Spill holds the spill settings shared by every
	// read; RequestID and EncryptionKey are per read.
	Spill spill.Config
	// AllocatorLimit is the memory ceiling of each
	// read; <= 0 selects block.DefaultLimit.
	AllocatorLimit int64
	// Keys creates the key of a read whose
	// split carries none; nil spills in the clear.
	Keys    crypt.KeyFactory
	Logger  *zap.Logger
	Metrics *spill.Metrics
}

func (s *Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// check makes sure a connector never reports
// a failure as an empty or missing response.
func check[T any](s *Service, op, catalog string, v *T, err error) (*T, error) {
	if err == nil && v == nil {
		err = fault.New(fault.Unknown, op, errNoResult)
	}
	if err != nil {
		s.log().Warn("connector request failed",
			zap.String("op", op),
			zap.String("catalog", catalog),
			zap.Error(err))
		return nil, err
	}
	return v, nil
}

func (s *Service) ListSchemas(ctx context.Context, req *ListSchemasRequest) (*paging.Page[string], error) {
	c, err := s.Registry.Lookup(req.Catalog)
	if err != nil {
		return nil, err
	}
	if err := req.Page.Validate(); err != nil {
		return nil, err
	}
	p, err := c.ListSchemas(ctx, req)
	return check(s, "list schemas", req.Catalog, p, err)
}

func (s *Service) ListTables(ctx context.Context, req *ListTablesRequest) (*paging.Page[split.TableName], error) {
	c, err := s.Registry.Lookup(req.Catalog)
	if err != nil {
		return nil, err
	}
	if err := req.Page.Validate(); err != nil {
		return nil, err
	}
	p, err := c.ListTables(ctx, req)
	return check(s, "list tables", req.Catalog, p, err)
}

func (s *Service) GetTable(ctx context.Context, req *GetTableRequest) (*Table, error) {
	c, err := s.Registry.Lookup(req.Catalog)
	if err != nil {
		return nil, err
	}
	t, err := c.GetTable(ctx, req)
	return check(s, "get table", req.Catalog, t, err)
}

func (s *Service) GetSplits(ctx context.Context, req *GetSplitsRequest) (*paging.Page[*split.Split], error) {
	c, err := s.Registry.Lookup(req.Catalog)
	if err != nil {
		return nil, err
	}
	p, err := c.GetSplits(ctx, req)
	return check(s, "get splits", req.Catalog, p, err)
}

// Read reads one split into a fresh allocator and
// spiller. The allocator is always closed before
// Read returns, so the inline Block is returned
// in encoded form.
func (s *Service) Read(ctx context.Context, req *ReadRequest, status QueryStatusChecker) (*ReadResponse, error) {
	c, err := s.Registry.Lookup(req.Catalog)
	if err != nil {
		return nil, err
	}
	if req.Schema == nil || req.Split == nil {
		return nil, fault.Unsupportedf("read", "read request needs a schema and a split")
	}
	cfg := s.Spill
	cfg.RequestID = uuid.NewString()
	if loc, ok := req.Split.Location(); ok {
		cfg.Location = loc
	}
	cfg.EncryptionKey = req.Split.EncryptionKey()
	if cfg.EncryptionKey == nil && s.Keys != nil {
		if cfg.EncryptionKey, err = s.Keys.Create(); err != nil {
			return nil, err
		}
	}
	if req.MaxBlockBytes > 0 {
		cfg.MaxBlockBytes = req.MaxBlockBytes
	}
	if req.MaxInlineBlockBytes > 0 {
		cfg.MaxInlineBlockBytes = req.MaxInlineBlockBytes
	}
	if req.NumSpillThreads > 0 {
		cfg.NumSpillThreads = req.NumSpillThreads
	}

	logger := s.log().With(
		zap.String("query", req.QueryID),
		zap.String("catalog", req.Catalog),
		zap.Stringer("table", req.Table),
		zap.String("split", req.Split.ID()))
	alloc := block.NewAllocator(s.AllocatorLimit)
	defer alloc.Close()

	opts := []spill.Option{spill.WithLogger(logger), spill.WithMetrics(s.Metrics)}
	if status != nil {
		opts = append(opts, spill.WithStatusChecker(status))
	}
	sp, err := spill.NewSpiller(ctx, cfg, alloc, req.Schema, req.Constraints, s.Store, opts...)
	if err != nil {
		return nil, err
	}
	rerr := c.ReadWithConstraint(ctx, sp, req)
	res, cerr := sp.Close()
	if rerr != nil || cerr != nil {
		if cerr == nil {
			if derr := spill.Discard(context.WithoutCancel(ctx), s.Store, res.Spilled); derr != nil {
				logger.Warn("removing spilled blocks", zap.Error(derr))
			}
		}
		err := multierr.Append(rerr, cerr)
		logger.Error("read failed", zap.Error(err))
		return nil, err
	}
	out := &ReadResponse{
		RequestID: cfg.RequestID,
		Spilled:   res.Spilled,
		Rows:      res.Rows,
		Cancelled: res.Cancelled,
	}
	if cfg.EncryptionKey != nil {
		out.KeyID = cfg.EncryptionKey.ID()
	}
	if res.Inline != nil {
		out.Inline, err = res.Inline.Marshal(nil)
		res.Release()
		if err != nil {
			return nil, err
		}
	}
	logger.Info("read complete",
		zap.String("request", out.RequestID),
		zap.Int64("rows", out.Rows),
		zap.Int("spilled", len(out.Spilled)),
		zap.Bool("cancelled", out.Cancelled))
	return out, nil
}
