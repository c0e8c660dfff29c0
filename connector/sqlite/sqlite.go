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

// Package sqlite is a reference connector
// serving the tables of a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/connector"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/SnellerInc/blockspill/paging"
	"github.com/SnellerInc/blockspill/split"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Connector implements connector.Connector
// over a SQLite database.
type Connector struct {
	db      *sql.DB
	planner *split.Planner
	logger  *zap.Logger
}

var _ connector.Connector = (*Connector)(nil)

// Open opens the database at dsn.
func Open(dsn string, planner *split.Planner, logger *zap.Logger) (*Connector, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", dsn, err)
	}
	return New(db, planner, logger), nil
}

// New wraps an open database.
func New(db *sql.DB, planner *split.Planner, logger *zap.Logger) *Connector {
	if planner == nil {
		planner = &split.Planner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{db: db, planner: planner, logger: logger}
}

func (c *Connector) Close() error { return c.db.Close() }

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (c *Connector) schemas(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return nil, fmt.Errorf("listing schemas: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var seq int
		var name string
		var file sql.NullString
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return nil, err
		}
		if name != "temp" {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

func (c *Connector) ListSchemas(ctx context.Context, req *connector.ListSchemasRequest) (*paging.Page[string], error) {
	names, err := c.schemas(ctx)
	if err != nil {
		return nil, err
	}
	return paging.Paginate(names, req.Page, func(s string) string { return s })
}

// checkSchema makes sure schema names an
// attached database before it is interpolated.
func (c *Connector) checkSchema(ctx context.Context, schema string) error {
	names, err := c.schemas(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == schema {
			return nil
		}
	}
	return fmt.Errorf("schema %q does not exist", schema)
}

func (c *Connector) ListTables(ctx context.Context, req *connector.ListTablesRequest) (*paging.Page[split.TableName], error) {
	if err := c.checkSchema(ctx, req.Schema); err != nil {
		return nil, err
	}
	q := "SELECT name FROM " + quote(req.Schema) + ".sqlite_master" +
		" WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' AND name >= ? ORDER BY name"
	if req.Page.PageSize != paging.UnlimitedPageSize {
		// one extra row tells whether there is a next page
		q += fmt.Sprintf(" LIMIT %d", req.Page.PageSize+1)
	}
	rows, err := c.db.QueryContext(ctx, q, req.Page.Token)
	if err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", req.Schema, err)
	}
	defer rows.Close()
	var tables []split.TableName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, split.TableName{Schema: req.Schema, Table: name})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paging.Paginate(tables, req.Page, func(t split.TableName) string { return t.Table })
}

func (c *Connector) GetTable(ctx context.Context, req *connector.GetTableRequest) (*connector.Table, error) {
	if err := c.checkSchema(ctx, req.Table.Schema); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, "PRAGMA "+quote(req.Table.Schema)+".table_info("+quote(req.Table.Table)+")")
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", req.Table, err)
	}
	defer rows.Close()
	var fields []block.Field
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, decl       string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &decl, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		fields = append(fields, block.Field{
			Name:     name,
			Type:     affinity(decl),
			Nullable: notnull == 0,
			Metadata: map[string]string{"declType": decl},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("table %s does not exist", req.Table)
	}
	schema, err := block.NewSchema(fields, map[string]string{"source": "sqlite"})
	if err != nil {
		return nil, err
	}
	return &connector.Table{Name: req.Table, Schema: schema}, nil
}

// affinity maps a declared column type onto a
// block type, following SQLite's affinity rules
// with a few common declared names recognized first.
func affinity(decl string) block.Type {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "BOOL"):
		return block.Bool
	case strings.Contains(d, "DATE"), strings.Contains(d, "TIME"):
		return block.Timestamp
	case strings.Contains(d, "INT"):
		return block.Int64
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return block.String
	case d == "", strings.Contains(d, "BLOB"):
		return block.Binary
	}
	return block.Float64
}

func (c *Connector) GetSplits(ctx context.Context, req *connector.GetSplitsRequest) (*paging.Page[*split.Split], error) {
	if req.Query != "" {
		if err := CheckPassthrough(req.Query); err != nil {
			return nil, err
		}
		if req.Token != "" {
			return nil, fault.Unsupportedf("get splits", "passthrough queries have a single split")
		}
		s := split.New(req.Table, map[string]string{PropQuery: req.Query}, nil, nil)
		return &paging.Page[*split.Split]{Items: []*split.Split{s}}, nil
	}
	if err := c.checkSchema(ctx, req.Table.Schema); err != nil {
		return nil, err
	}
	var n int64
	q := "SELECT count(*) FROM " + quote(req.Table.Schema) + "." + quote(req.Table.Table)
	if err := c.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return nil, fmt.Errorf("counting %s: %w", req.Table, err)
	}
	c.logger.Debug("planning splits",
		zap.String("query", req.QueryID),
		zap.Stringer("table", req.Table),
		zap.Int64("rows", n))
	return c.planner.Plan(&split.Request{
		QueryID:     req.QueryID,
		Table:       req.Table,
		Rows:        n,
		Partitions:  req.Partitions,
		Constraints: req.Constraints,
		Token:       req.Token,
	})
}
