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
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/constraint"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/SnellerInc/blockspill/paging"
	"github.com/SnellerInc/blockspill/spill"
	"github.com/dchest/siphash"
	"github.com/google/uuid"
)

const DefaultRowsPerSplit = 1_000_000

// Request asks for the splits of one table scan.
type Request struct {
	QueryID string
	Table   TableName
	// Rows is the estimated row count of the table.
	Rows int64
	// Partitions, if non-nil, holds one row
	// per partition; each becomes one split.
	Partitions *block.Block
	// Constraints of the scan. A constrained
	// scan is planned as a single split.
	Constraints constraint.Evaluator
	// Token continues a previous Plan call.
	Token string
}

// Planner divides scans into splits.
type Planner struct {
	// RowsPerSplit bounds the estimated rows
	// of each row-range split.
	RowsPerSplit int64
	// MaxSplitsPerPage bounds the splits returned
	// by one Plan call; <= 0 returns them all.
	MaxSplitsPerPage int
	// TokenKey signs continuation tokens.
	TokenKey [16]byte
	// Keys, if non-nil, creates an encryption
	// key for each split.
	Keys crypt.KeyFactory
	// Location, if it has a bucket, is the base under
	// which every split gets its own spill directory.
	Location spill.Location
	// NewID returns a unique split directory
	// name; uuid.NewString by default.
	NewID func() string
}

// Plan returns the next page of splits for req.
func (p *Planner) Plan(req *Request) (*paging.Page[*Split], error) {
	kind, total := p.count(req)
	start := 0
	if req.Token != "" {
		i, err := p.verify(req, kind, total)
		if err != nil {
			return nil, err
		}
		start = i
	}
	end := total
	if p.MaxSplitsPerPage > 0 && start+p.MaxSplitsPerPage < total {
		end = start + p.MaxSplitsPerPage
	}
	page := &paging.Page[*Split]{Items: make([]*Split, 0, end-start)}
	for i := start; i < end; i++ {
		s, err := p.build(req, kind, total, i)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, s)
	}
	if end < total {
		page.NextToken = p.sign(req, kind, total, end)
	}
	return page, nil
}

type planKind byte

const (
	byRange planKind = iota
	byPartition
	byConstraint
)

func (p *Planner) rowsPerSplit() int64 {
	if p.RowsPerSplit <= 0 {
		return DefaultRowsPerSplit
	}
	return p.RowsPerSplit
}

func (p *Planner) count(req *Request) (planKind, int) {
	switch {
	case req.Constraints != nil && len(constraint.Columns(req.Constraints)) > 0:
		return byConstraint, 1
	case req.Partitions != nil && req.Partitions.RowCount() > 0:
		return byPartition, req.Partitions.RowCount()
	case req.Rows <= 0:
		return byRange, 1
	}
	per := p.rowsPerSplit()
	return byRange, int((req.Rows + per - 1) / per)
}

func (p *Planner) build(req *Request, kind planKind, total, i int) (*Split, error) {
	props := make(map[string]string)
	switch kind {
	case byConstraint:
		props[PropConstraints] = strings.Join(constraint.Columns(req.Constraints), ",")
	case byPartition:
		b := req.Partitions
		row, err := b.Row(i)
		if err != nil {
			return nil, fault.New(fault.InvalidRowData, "plan", err)
		}
		for j, f := range b.Schema().Fields() {
			if v := row[j]; v != nil {
				props[f.Name] = formatValue(v)
			}
		}
	case byRange:
		if total > 1 {
			per := p.rowsPerSplit()
			props[PropOffset] = strconv.FormatInt(int64(i)*per, 10)
			// the last split is open-ended so that rows
			// beyond the estimate are still read
			if i < total-1 {
				props[PropLimit] = strconv.FormatInt(per, 10)
			}
		}
	}
	var loc *spill.Location
	if p.Location.Bucket != "" {
		id := uuid.NewString
		if p.NewID != nil {
			id = p.NewID
		}
		l := p.Location.Join(req.QueryID, id())
		loc = &l
	}
	var key *crypt.EncryptionKey
	if p.Keys != nil {
		k, err := p.Keys.Create()
		if err != nil {
			return nil, err
		}
		key = k
	}
	return New(req.Table, props, loc, key), nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case []byte:
		return hex.EncodeToString(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// Tokens are base64url(index || mac), where index
// is a varint and mac is the 8-byte siphash of the
// request identity and index under TokenKey. A token
// is only accepted for the scan that issued it.
func (p *Planner) mac(req *Request, kind planKind, total, index int) []byte {
	var buf []byte
	buf = appendString(buf, req.QueryID)
	buf = appendString(buf, req.Table.Schema)
	buf = appendString(buf, req.Table.Table)
	buf = append(buf, byte(kind))
	buf = binary.AppendVarint(buf, req.Rows)
	buf = binary.AppendUvarint(buf, uint64(total))
	buf = binary.AppendUvarint(buf, uint64(index))
	k0 := binary.LittleEndian.Uint64(p.TokenKey[:8])
	k1 := binary.LittleEndian.Uint64(p.TokenKey[8:])
	return binary.LittleEndian.AppendUint64(nil, siphash.Hash(k0, k1, buf))
}

func (p *Planner) sign(req *Request, kind planKind, total, index int) string {
	tok := binary.AppendUvarint(nil, uint64(index))
	tok = append(tok, p.mac(req, kind, total, index)...)
	return base64.RawURLEncoding.EncodeToString(tok)
}

func (p *Planner) verify(req *Request, kind planKind, total int) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(req.Token)
	if err != nil {
		return 0, fault.Unsupportedf("plan", "malformed continuation token")
	}
	index, n := binary.Uvarint(raw)
	if n <= 0 || len(raw) != n+8 || index == 0 || index >= uint64(total) {
		return 0, fault.Unsupportedf("plan", "malformed continuation token")
	}
	want := p.mac(req, kind, total, int(index))
	if subtle.ConstantTimeCompare(raw[n:], want) != 1 {
		return 0, fault.Unsupportedf("plan", "continuation token was not issued for this scan")
	}
	return int(index), nil
}
