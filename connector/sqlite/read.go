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

package sqlite

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/connector"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/SnellerInc/blockspill/spill"
	"go.uber.org/zap"
)

// PropQuery is the split property that
// carries a passthrough statement.
const PropQuery = "query"

var disallowed = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "REPLACE": true,
	"CREATE": true, "DROP": true, "ALTER": true,
	"ATTACH": true, "DETACH": true, "PRAGMA": true, "VACUUM": true, "REINDEX": true,
}

// CheckPassthrough accepts only single SELECT
// statements that mention no modifying keyword.
func CheckPassthrough(query string) error {
	q := strings.ToUpper(strings.TrimSpace(query))
	q = strings.TrimSuffix(q, ";")
	if !strings.HasPrefix(q, "SELECT") && !strings.HasPrefix(q, "WITH") {
		return fault.Unsupportedf("passthrough", "statement does not start with SELECT")
	}
	if strings.Contains(q, ";") {
		return fault.Unsupportedf("passthrough", "only a single statement is allowed")
	}
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		if disallowed[w] {
			return fault.Unsupportedf("passthrough", "only SELECT statements are allowed; found %s", w)
		}
	}
	return nil
}

// QuerySchema describes the result
// columns of a passthrough statement.
func (c *Connector) QuerySchema(ctx context.Context, query string) (*block.Schema, error) {
	if err := CheckPassthrough(query); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, "SELECT * FROM ("+strings.TrimSuffix(strings.TrimSpace(query), ";")+") LIMIT 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	fields := make([]block.Field, len(types))
	for i, ct := range types {
		typ := block.String
		// expressions have no declared type
		if decl := ct.DatabaseTypeName(); decl != "" {
			typ = affinity(decl)
		}
		fields[i] = block.Field{Name: ct.Name(), Type: typ, Nullable: true}
	}
	return block.NewSchema(fields, map[string]string{"source": "sqlite"})
}

func (c *Connector) ReadWithConstraint(ctx context.Context, sink connector.RowSink, req *connector.ReadRequest) error {
	var (
		q    string
		args []any
	)
	if stmt, ok := req.Split.Property(PropQuery); ok {
		if err := CheckPassthrough(stmt); err != nil {
			return err
		}
		q = stmt
	} else {
		offset, limit, err := req.Split.Range()
		if err != nil {
			return fault.New(fault.CapabilityMismatch, "read", err)
		}
		cols := make([]string, req.Schema.Len())
		for i, f := range req.Schema.Fields() {
			cols[i] = quote(f.Name)
		}
		q = "SELECT " + strings.Join(cols, ", ") + " FROM " +
			quote(req.Table.Schema) + "." + quote(req.Table.Table) + " LIMIT ? OFFSET ?"
		args = []any{limit, offset}
	}
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("reading %s: %w", req.Table, err)
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return err
	}
	fields := make([]block.Field, len(names))
	for i, name := range names {
		j, ok := req.Schema.Index(name)
		if !ok {
			return fault.Errorf(fault.InvalidRowData, "read", "result column %q is not in the schema", name)
		}
		fields[i] = req.Schema.Field(j)
	}
	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	n := 0
	for rows.Next() {
		if !sink.Running() {
			c.logger.Debug("query stopped; ending read", zap.Int("rows", n))
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]any, len(names))
		for i, f := range fields {
			v, err := convert(f.Type, vals[i])
			if err != nil {
				return fault.Errorf(fault.InvalidRowData, "read", "column %q: %v", f.Name, err)
			}
			row[f.Name] = v
		}
		if err := sink.WriteRow(spill.Row(row)); err != nil {
			return err
		}
		n++
	}
	return rows.Err()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// convert maps a value returned by the driver
// onto the Go representation of t.
func convert(t block.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case block.Int64, block.Int32:
		var i int64
		switch v := v.(type) {
		case int64:
			i = v
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			i = int64(v)
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, err
			}
			i = n
		default:
			return nil, fmt.Errorf("cannot convert %T to %s", v, t)
		}
		if t == block.Int32 {
			if i < math.MinInt32 || i > math.MaxInt32 {
				return nil, fmt.Errorf("%d overflows int32", i)
			}
			return int32(i), nil
		}
		return i, nil
	case block.Float64:
		switch v := v.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case block.Bool:
		switch v := v.(type) {
		case int64:
			return v != 0, nil
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}
	case block.String:
		switch v := v.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		case int64, float64, bool:
			return fmt.Sprint(v), nil
		}
	case block.Binary:
		switch v := v.(type) {
		case []byte:
			return append([]byte(nil), v...), nil
		case string:
			return []byte(v), nil
		}
	case block.Timestamp:
		switch v := v.(type) {
		case time.Time:
			return v, nil
		case int64:
			return time.Unix(v, 0).UTC(), nil
		case string:
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, v); err == nil {
					return ts, nil
				}
			}
			return nil, fmt.Errorf("cannot parse %q as a timestamp", v)
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}
