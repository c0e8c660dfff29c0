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

// Package split divides a table scan into
// independently executable splits and pages
// them out with signed continuation tokens.
package split

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/spill"
	"github.com/dchest/siphash"
)

// Well-known split properties.
const (
	// PropOffset and PropLimit narrow a split to a
	// row range; a split without PropLimit reads to
	// the end of the table.
	PropOffset = "offset"
	PropLimit  = "limit"
	// PropConstraints lists the constrained
	// columns of a constrained scan.
	PropConstraints = "constraints"
)

// TableName identifies a table within a catalog.
type TableName struct {
	Schema string `json:"schemaName"`
	Table  string `json:"tableName"`
}

// ParseTableName parses "schema.table".
func ParseTableName(s string) (TableName, error) {
	schema, table, ok := strings.Cut(s, ".")
	if !ok || schema == "" || table == "" {
		return TableName{}, fmt.Errorf("table name %q is not of the form schema.table", s)
	}
	return TableName{Schema: schema, Table: table}, nil
}

func (t TableName) String() string { return t.Schema + "." + t.Table }

// Split is one unit of parallel scan work.
// It is immutable: accessors return copies.
type Split struct {
	table    TableName
	props    map[string]string
	location *spill.Location
	key      *crypt.EncryptionKey
}

// New creates a split. loc and key are
// optional and may be nil.
func New(table TableName, props map[string]string, loc *spill.Location, key *crypt.EncryptionKey) *Split {
	s := &Split{table: table, props: copyProps(props)}
	if loc != nil {
		l := *loc
		s.location = &l
	}
	s.key = copyKey(key)
	return s
}

func copyProps(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyKey(k *crypt.EncryptionKey) *crypt.EncryptionKey {
	if k == nil {
		return nil
	}
	return &crypt.EncryptionKey{
		Key:   append([]byte(nil), k.Key...),
		Nonce: append([]byte(nil), k.Nonce...),
	}
}

func (s *Split) Table() TableName { return s.table }

func (s *Split) Properties() map[string]string { return copyProps(s.props) }

func (s *Split) Property(name string) (string, bool) {
	v, ok := s.props[name]
	return v, ok
}

// Location returns the spill location
// pre-assigned to the split, if any.
func (s *Split) Location() (spill.Location, bool) {
	if s.location == nil {
		return spill.Location{}, false
	}
	return *s.location, true
}

func (s *Split) EncryptionKey() *crypt.EncryptionKey { return copyKey(s.key) }

// Range returns the row range selected by the
// offset and limit properties. limit is -1
// when the split reads to the end.
func (s *Split) Range() (offset, limit int64, err error) {
	limit = -1
	if v, ok := s.props[PropOffset]; ok {
		offset, err = strconv.ParseInt(v, 10, 64)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("split property %s=%q is invalid", PropOffset, v)
		}
	}
	if v, ok := s.props[PropLimit]; ok {
		limit, err = strconv.ParseInt(v, 10, 64)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("split property %s=%q is invalid", PropLimit, v)
		}
	}
	return offset, limit, nil
}

// ID identifies the work of s: splits of the same
// table with the same properties share an ID
// regardless of their spill location or key.
func (s *Split) ID() string {
	const (
		k0 = 0x4d1c6a2b9e05f387
		k1 = 0xa3e8f1c07b2d5964
	)
	keys := make([]string, 0, len(s.props))
	for k := range s.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf []byte
	buf = appendString(buf, s.table.Schema)
	buf = appendString(buf, s.table.Table)
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, s.props[k])
	}
	lo, hi := siphash.Hash128(k0, k1, buf)
	mem := binary.LittleEndian.AppendUint64(nil, lo)
	mem = binary.LittleEndian.AppendUint64(mem, hi)
	return base64.RawURLEncoding.EncodeToString(mem)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func (s *Split) String() string {
	return fmt.Sprintf("split %s %s %v", s.ID(), s.table, s.props)
}

type wireSplit struct {
	Table         TableName            `json:"tableName"`
	Properties    map[string]string    `json:"properties"`
	SpillLocation *spill.Location      `json:"spillLocation,omitempty"`
	EncryptionKey *crypt.EncryptionKey `json:"encryptionKey,omitempty"`
}

func (s *Split) MarshalJSON() ([]byte, error) {
	return json.Marshal(&wireSplit{
		Table:         s.table,
		Properties:    s.props,
		SpillLocation: s.location,
		EncryptionKey: s.key,
	})
}

func (s *Split) UnmarshalJSON(b []byte) error {
	var w wireSplit
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = *New(w.Table, w.Properties, w.SpillLocation, w.EncryptionKey)
	return nil
}
