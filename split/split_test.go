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

package split

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/constraint"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/SnellerInc/blockspill/spill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orders = TableName{Schema: "sales", Table: "orders"}

func planner() *Planner {
	return &Planner{
		RowsPerSplit:     100,
		MaxSplitsPerPage: 4,
		TokenKey:         [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Keys:             crypt.LocalKeyFactory{},
		Location:         spill.Location{Bucket: "spill", Key: "splits", Directory: true},
	}
}

// planAll follows continuation tokens to the end.
func planAll(t *testing.T, p *Planner, req Request) ([]*Split, int) {
	t.Helper()
	var out []*Split
	calls := 0
	for {
		calls++
		page, err := p.Plan(&req)
		require.NoError(t, err)
		require.NotEmpty(t, page.Items)
		out = append(out, page.Items...)
		if page.Done() {
			return out, calls
		}
		req.Token = page.NextToken
	}
}

func TestZeroRows(t *testing.T) {
	page, err := planner().Plan(&Request{QueryID: "q", Table: orders, Rows: 0})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, page.Done())
	s := page.Items[0]
	_, ok := s.Property(PropOffset)
	assert.False(t, ok)
	off, lim, err := s.Range()
	require.NoError(t, err)
	assert.Zero(t, off)
	assert.EqualValues(t, -1, lim)
}

func TestRangeSplits(t *testing.T) {
	splits, calls := planAll(t, planner(), Request{QueryID: "q", Table: orders, Rows: 1050})
	require.Len(t, splits, 11)
	assert.Equal(t, 3, calls)

	locs := make(map[string]bool)
	var next int64
	for i, s := range splits {
		off, lim, err := s.Range()
		require.NoError(t, err)
		assert.Equal(t, next, off)
		if i == len(splits)-1 {
			assert.EqualValues(t, -1, lim, "last split is open-ended")
		} else {
			assert.EqualValues(t, 100, lim)
		}
		next += 100
		loc, ok := s.Location()
		require.True(t, ok)
		assert.True(t, loc.Directory)
		assert.Contains(t, loc.Key, "splits/q/")
		assert.False(t, locs[loc.Key], "spill locations must be unique")
		locs[loc.Key] = true
		require.NotNil(t, s.EncryptionKey())
		require.NoError(t, s.EncryptionKey().Validate())
	}

	// replanning yields the same work
	again, _ := planAll(t, planner(), Request{QueryID: "q", Table: orders, Rows: 1050})
	for i := range splits {
		assert.Equal(t, splits[i].ID(), again[i].ID())
	}
}

func TestTokenIdempotent(t *testing.T) {
	p := planner()
	req := Request{QueryID: "q", Table: orders, Rows: 1000}
	first, err := p.Plan(&req)
	require.NoError(t, err)
	req.Token = first.NextToken
	a, err := p.Plan(&req)
	require.NoError(t, err)
	b, err := p.Plan(&req)
	require.NoError(t, err)
	require.Equal(t, len(a.Items), len(b.Items))
	for i := range a.Items {
		assert.Equal(t, a.Items[i].ID(), b.Items[i].ID())
	}
	assert.Equal(t, a.NextToken, b.NextToken)
}

func TestTokenRejected(t *testing.T) {
	p := planner()
	req := Request{QueryID: "q", Table: orders, Rows: 1000}
	page, err := p.Plan(&req)
	require.NoError(t, err)
	tok := page.NextToken
	require.NotEmpty(t, tok)

	for name, r := range map[string]Request{
		"other query": {QueryID: "q2", Table: orders, Rows: 1000, Token: tok},
		"other table": {QueryID: "q", Table: TableName{"sales", "items"}, Rows: 1000, Token: tok},
		"other rows":  {QueryID: "q", Table: orders, Rows: 5000, Token: tok},
		"garbage":     {QueryID: "q", Table: orders, Rows: 1000, Token: "!!!"},
		"truncated":   {QueryID: "q", Table: orders, Rows: 1000, Token: tok[:len(tok)-2]},
	} {
		_, err := p.Plan(&r)
		assert.ErrorIs(t, err, fault.ErrCapabilityMismatch, name)
		assert.Equal(t, fault.Unsupported, fault.KindOf(err), name)
	}

	other := planner()
	other.TokenKey[0] ^= 0xff
	req.Token = tok
	_, err = other.Plan(&req)
	assert.ErrorIs(t, err, fault.ErrCapabilityMismatch)
}

func TestConstrainedScan(t *testing.T) {
	ev := constraint.New(map[string]constraint.ValueSet{
		"region": constraint.Equatable{Values: []any{"eu"}, WhiteList: true},
		"year":   constraint.NewRanges(false, constraint.GreaterOrEqual(int32(2020))),
	})
	page, err := planner().Plan(&Request{QueryID: "q", Table: orders, Rows: 1_000_000, Constraints: ev})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, page.Done())
	v, _ := page.Items[0].Property(PropConstraints)
	assert.Equal(t, "region,year", v)

	// an empty evaluator does not constrain
	page, err = planner().Plan(&Request{QueryID: "q", Table: orders, Rows: 250, Constraints: constraint.Empty()})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
}

func TestPartitionSplits(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	schema := block.MustSchema(
		block.Field{Name: "year", Type: block.Int32},
		block.Field{Name: "region", Type: block.String, Nullable: true},
	)
	parts, err := alloc.Allocate(schema, 1<<16)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, parts.Set("year", i, int32(2018+i)))
		if i%2 == 0 {
			require.NoError(t, parts.Set("region", i, fmt.Sprintf("r%d", i)))
		}
		require.NoError(t, parts.Commit())
	}
	p := planner()
	p.Keys = nil
	p.Location = spill.Location{}
	splits, calls := planAll(t, p, Request{QueryID: "q", Table: orders, Rows: 10, Partitions: parts})
	require.Len(t, splits, 6)
	assert.Equal(t, 2, calls)
	assert.Equal(t, map[string]string{"year": "2018", "region": "r0"}, splits[0].Properties())
	assert.Equal(t, map[string]string{"year": "2019"}, splits[1].Properties())
	_, ok := splits[0].Location()
	assert.False(t, ok)
	assert.Nil(t, splits[0].EncryptionKey())
}

func TestUnlimitedPage(t *testing.T) {
	p := planner()
	p.MaxSplitsPerPage = 0
	page, err := p.Plan(&Request{QueryID: "q", Table: orders, Rows: 1000})
	require.NoError(t, err)
	assert.Len(t, page.Items, 10)
	assert.True(t, page.Done())
}

func TestSplitImmutable(t *testing.T) {
	props := map[string]string{"a": "1"}
	key, err := crypt.LocalKeyFactory{}.Create()
	require.NoError(t, err)
	s := New(orders, props, nil, key)
	props["a"] = "2"
	s.Properties()["a"] = "3"
	v, _ := s.Property("a")
	assert.Equal(t, "1", v)
	s.EncryptionKey().Key[0] ^= 0xff
	assert.Equal(t, key.Key, s.EncryptionKey().Key)
}

func TestSplitJSON(t *testing.T) {
	loc := spill.Location{Bucket: "b", Key: "k", Directory: true}
	key, err := crypt.LocalKeyFactory{}.Create()
	require.NoError(t, err)
	s := New(orders, map[string]string{PropOffset: "100", PropLimit: "50"}, &loc, key)
	buf, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"tableName":{"schemaName":"sales","tableName":"orders"}`)

	var out Split
	require.NoError(t, json.Unmarshal(buf, &out))
	assert.Equal(t, s.ID(), out.ID())
	got, ok := out.Location()
	require.True(t, ok)
	assert.Equal(t, loc, got)
	assert.Equal(t, key, out.EncryptionKey())
	off, lim, err := out.Range()
	require.NoError(t, err)
	assert.EqualValues(t, 100, off)
	assert.EqualValues(t, 50, lim)
}

func TestParseTableName(t *testing.T) {
	tn, err := ParseTableName("sales.orders")
	require.NoError(t, err)
	assert.Equal(t, orders, tn)
	assert.Equal(t, "sales.orders", tn.String())
	_, err = ParseTableName("orders")
	assert.Error(t, err)
}
