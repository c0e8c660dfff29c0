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

package block

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Type is the semantic type of a column.
type Type uint8

const (
	Invalid Type = iota
	Bool
	Int32
	Int64
	Float64
	String
	Binary
	// Timestamp is stored as UTC
	// microseconds since the Unix epoch.
	Timestamp
)

type typeInfo struct {
	name  string
	width int // bytes per value; 0 for variable-length
}

var typeInfos = [...]typeInfo{
	Invalid:   {"invalid", 0},
	Bool:      {"bool", 1},
	Int32:     {"int32", 4},
	Int64:     {"int64", 8},
	Float64:   {"float64", 8},
	String:    {"string", 0},
	Binary:    {"binary", 0},
	Timestamp: {"timestamp", 8},
}

func (t Type) String() string {
	if int(t) < len(typeInfos) {
		return typeInfos[t].name
	}
	return fmt.Sprintf("Type(%d)", t)
}

// Width returns the fixed byte width of
// values of type t, or 0 for variable-length types.
func (t Type) Width() int {
	if int(t) < len(typeInfos) {
		return typeInfos[t].width
	}
	return 0
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t > Invalid && int(t) < len(typeInfos)
}

// ParseType converts a type name
// (case-insensitive) into a Type.
func ParseType(name string) (Type, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i := range typeInfos {
		if Type(i) != Invalid && typeInfos[i].name == n {
			return Type(i), nil
		}
	}
	return Invalid, fmt.Errorf("unknown type %q", name)
}

// coerce converts v into the canonical Go
// representation for t. The boolean result is
// false when v cannot represent a value of type t.
func (t Type) coerce(v any) (any, bool) {
	switch t {
	case Bool:
		b, ok := v.(bool)
		return b, ok
	case Int32:
		switch x := v.(type) {
		case int32:
			return x, true
		case int:
			if x < math.MinInt32 || x > math.MaxInt32 {
				return nil, false
			}
			return int32(x), true
		}
	case Int64:
		switch x := v.(type) {
		case int64:
			return x, true
		case int:
			return int64(x), true
		case int32:
			return int64(x), true
		}
	case Float64:
		switch x := v.(type) {
		case float64:
			return x, true
		case float32:
			return float64(x), true
		}
	case String:
		s, ok := v.(string)
		return s, ok
	case Binary:
		b, ok := v.([]byte)
		return b, ok
	case Timestamp:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, false
		}
		return ts.UTC().Truncate(time.Microsecond), true
	}
	return nil, false
}

// putFixed writes the canonical value v into dst,
// which must be exactly t.Width() bytes.
func (t Type) putFixed(dst []byte, v any) {
	switch t {
	case Bool:
		dst[0] = 0
		if v.(bool) {
			dst[0] = 1
		}
	case Int32:
		binary.LittleEndian.PutUint32(dst, uint32(v.(int32)))
	case Int64:
		binary.LittleEndian.PutUint64(dst, uint64(v.(int64)))
	case Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v.(float64)))
	case Timestamp:
		binary.LittleEndian.PutUint64(dst, uint64(v.(time.Time).UnixMicro()))
	default:
		panic("putFixed: variable-length type " + t.String())
	}
}

func (t Type) getFixed(src []byte) any {
	switch t {
	case Bool:
		return src[0] != 0
	case Int32:
		return int32(binary.LittleEndian.Uint32(src))
	case Int64:
		return int64(binary.LittleEndian.Uint64(src))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	case Timestamp:
		return time.UnixMicro(int64(binary.LittleEndian.Uint64(src))).UTC()
	default:
		panic("getFixed: variable-length type " + t.String())
	}
}
