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

// Package connector defines the capabilities a data
// source implements and the service that dispatches
// requests to them by catalog.
package connector

import (
	"context"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/constraint"
	"github.com/SnellerInc/blockspill/paging"
	"github.com/SnellerInc/blockspill/spill"
	"github.com/SnellerInc/blockspill/split"
)

// QueryStatusChecker reports whether
// a query is still running.
type QueryStatusChecker = spill.QueryStatusChecker

type ListSchemasRequest struct {
	QueryID string
	Catalog string
	Page    paging.Request
}

type ListTablesRequest struct {
	QueryID string
	Catalog string
	Schema  string
	Page    paging.Request
}

type GetTableRequest struct {
	QueryID string
	Catalog string
	Table   split.TableName
}

// Table describes one table of a source.
type Table struct {
	Name   split.TableName
	Schema *block.Schema
	// PartitionColumns name the columns
	// the table is partitioned by, if any.
	PartitionColumns []string
}

type GetSplitsRequest struct {
	QueryID     string
	Catalog     string
	Table       split.TableName
	Partitions  *block.Block
	Constraints constraint.Evaluator
	// Query, if set, is a statement passed through
	// to the source instead of scanning Table.
	Query string
	Token string
}

// ReadRequest reads one split.
type ReadRequest struct {
	QueryID     string
	Catalog     string
	Table       split.TableName
	Schema      *block.Schema
	Split       *split.Split
	Constraints constraint.Evaluator
	// MaxBlockBytes, MaxInlineBlockBytes and
	// NumSpillThreads override the service
	// defaults when positive.
	MaxBlockBytes       int
	MaxInlineBlockBytes int
	NumSpillThreads     int
}

// RowSink receives the rows of a read.
// *spill.Spiller is a RowSink.
type RowSink interface {
	WriteRow(fn spill.RowWriter) error
	// Running reports whether the query is still
	// running; sources should stop producing rows
	// once it returns false.
	Running() bool
}

// MetadataSource answers metadata requests.
// Errors must be returned as errors; an empty
// page means there is nothing to list.
type MetadataSource interface {
	ListSchemas(ctx context.Context, req *ListSchemasRequest) (*paging.Page[string], error)
	ListTables(ctx context.Context, req *ListTablesRequest) (*paging.Page[split.TableName], error)
	GetTable(ctx context.Context, req *GetTableRequest) (*Table, error)
	GetSplits(ctx context.Context, req *GetSplitsRequest) (*paging.Page[*split.Split], error)
}

// RecordSource reads the rows of a split.
type RecordSource interface {
	ReadWithConstraint(ctx context.Context, sink RowSink, req *ReadRequest) error
}

// Connector is a complete data source.
type Connector interface {
	MetadataSource
	RecordSource
}
