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
	"fmt"

	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field describes one column of a Schema.
type Field struct {
	Name     string
	Type     Type
	Nullable bool
	Metadata map[string]string
}

// Schema is an ordered, immutable list of fields.
// A Schema is shared by pointer between every
// Block produced for one scan.
type Schema struct {
	fields []Field
	index  map[string]int
	meta   map[string]string
	// encoded form; computed once so that
	// block sizes can include it cheaply
	encoded []byte
}

// NewSchema validates fields and returns a Schema.
// Field names must be unique and non-empty.
func NewSchema(fields []Field, meta map[string]string) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
		meta:   copyMap(meta),
	}
	for i := range fields {
		f := fields[i]
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("field %q: invalid type %s", f.Name, f.Type)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		f.Metadata = copyMap(f.Metadata)
		s.fields[i] = f
		s.index[f.Name] = i
	}
	s.encoded = s.appendTo(nil)
	return s, nil
}

// MustSchema is like NewSchema but panics on error.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields, nil)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns a copy of the i'th field.
func (s *Schema) Field(i int) Field {
	f := s.fields[i]
	f.Metadata = copyMap(f.Metadata)
	return f
}

// Fields returns a copy of all fields.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	for i := range s.fields {
		out[i] = s.Field(i)
	}
	return out
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Metadata returns a copy of the schema metadata.
func (s *Schema) Metadata() map[string]string { return copyMap(s.meta) }

// Equal reports whether s and o describe
// the same fields and metadata.
func (s *Schema) Equal(o *Schema) bool {
	if s == o {
		return true
	}
	return s != nil && o != nil && string(s.encoded) == string(o.encoded)
}

func (s *Schema) String() string {
	var b []byte
	b = append(b, '{')
	for i := range s.fields {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, s.fields[i].Name...)
		b = append(b, ' ')
		b = append(b, s.fields[i].Type.String()...)
		if s.fields[i].Nullable {
			b = append(b, '?')
		}
	}
	b = append(b, '}')
	return string(b)
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// schema wire format:
//
//	1: field (repeated) { 1: name, 2: type, 3: nullable, 4: metadata entry (repeated) }
//	2: metadata entry (repeated) { 1: key, 2: value }
func (s *Schema) appendTo(dst []byte) []byte {
	var tmp []byte
	for i := range s.fields {
		f := &s.fields[i]
		tmp = tmp[:0]
		tmp = protowire.AppendTag(tmp, 1, protowire.BytesType)
		tmp = protowire.AppendString(tmp, f.Name)
		tmp = protowire.AppendTag(tmp, 2, protowire.VarintType)
		tmp = protowire.AppendVarint(tmp, uint64(f.Type))
		tmp = protowire.AppendTag(tmp, 3, protowire.VarintType)
		tmp = protowire.AppendVarint(tmp, protowire.EncodeBool(f.Nullable))
		tmp = appendMeta(tmp, 4, f.Metadata)
		dst = protowire.AppendTag(dst, 1, protowire.BytesType)
		dst = protowire.AppendBytes(dst, tmp)
	}
	return appendMeta(dst, 2, s.meta)
}

func appendMeta(dst []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var entry []byte
	for _, k := range keys {
		entry = entry[:0]
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, m[k])
		dst = protowire.AppendTag(dst, num, protowire.BytesType)
		dst = protowire.AppendBytes(dst, entry)
	}
	return dst
}

func decodeSchema(src []byte) (*Schema, error) {
	var fields []Field
	var meta map[string]string
	err := walk(src, func(num protowire.Number, typ protowire.Type, body []byte, _ uint64) error {
		switch num {
		case 1:
			f, err := decodeField(body)
			if err != nil {
				return err
			}
			fields = append(fields, f)
		case 2:
			k, v, err := decodeEntry(body)
			if err != nil {
				return err
			}
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return NewSchema(fields, meta)
}

func decodeField(src []byte) (Field, error) {
	var f Field
	err := walk(src, func(num protowire.Number, typ protowire.Type, body []byte, v uint64) error {
		switch num {
		case 1:
			f.Name = string(body)
		case 2:
			f.Type = Type(v)
		case 3:
			f.Nullable = protowire.DecodeBool(v)
		case 4:
			k, val, err := decodeEntry(body)
			if err != nil {
				return err
			}
			if f.Metadata == nil {
				f.Metadata = make(map[string]string)
			}
			f.Metadata[k] = val
		}
		return nil
	})
	return f, err
}

func decodeEntry(src []byte) (string, string, error) {
	var k, v string
	err := walk(src, func(num protowire.Number, _ protowire.Type, body []byte, _ uint64) error {
		switch num {
		case 1:
			k = string(body)
		case 2:
			v = string(body)
		}
		return nil
	})
	return k, v, err
}

// walk calls fn for every field in a protowire
// message. Bytes fields are passed in body,
// varint fields in v.
func walk(src []byte, fn func(num protowire.Number, typ protowire.Type, body []byte, v uint64) error) error {
	for len(src) > 0 {
		num, typ, n := protowire.ConsumeTag(src)
		if n < 0 {
			return protowire.ParseError(n)
		}
		src = src[n:]
		var body []byte
		var v uint64
		switch typ {
		case protowire.BytesType:
			body, n = protowire.ConsumeBytes(src)
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(src)
		default:
			n = protowire.ConsumeFieldValue(num, typ, src)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		src = src[n:]
		if err := fn(num, typ, body, v); err != nil {
			return err
		}
	}
	return nil
}
