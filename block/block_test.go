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
	"sync"
	"testing"
	"time"

	"github.com/SnellerInc/blockspill/constraint"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testSchema(t *testing.T) *Schema {
	s, err := NewSchema([]Field{
		{Name: "id", Type: Int64},
		{Name: "name", Type: String, Nullable: true},
		{Name: "score", Type: Float64, Nullable: true},
		{Name: "ok", Type: Bool, Nullable: true},
		{Name: "small", Type: Int32, Nullable: true},
		{Name: "raw", Type: Binary, Nullable: true},
		{Name: "ts", Type: Timestamp, Nullable: true, Metadata: map[string]string{"tz": "UTC"}},
	}, map[string]string{"timeStampCols": "[ts]"})
	require.NoError(t, err)
	return s
}

func writeRow(t *testing.T, b *Block, vals map[string]any) {
	t.Helper()
	row := b.RowCount()
	for k, v := range vals {
		require.NoError(t, b.Set(k, row, v))
	}
	require.NoError(t, b.Commit())
}

func TestSchema(t *testing.T) {
	_, err := NewSchema([]Field{{Name: "a", Type: Int64}, {Name: "a", Type: String}}, nil)
	assert.Error(t, err)
	_, err = NewSchema([]Field{{Name: "", Type: Int64}}, nil)
	assert.Error(t, err)
	_, err = NewSchema([]Field{{Name: "a"}}, nil)
	assert.Error(t, err)

	s := testSchema(t)
	f := s.Field(6)
	f.Metadata["tz"] = "mutated"
	assert.Equal(t, "UTC", s.Field(6).Metadata["tz"], "schema must be immutable")
	assert.True(t, s.Equal(testSchema(t)))
	assert.Equal(t, "{id int64, name string?, score float64?, ok bool?, small int32?, raw binary?, ts timestamp?}", s.String())

	typ, err := ParseType(" Float64 ")
	require.NoError(t, err)
	assert.Equal(t, Float64, typ)
}

func TestWriteAndRoundTrip(t *testing.T) {
	a := NewAllocator(1 << 20)
	defer a.Close()
	b, err := a.Allocate(testSchema(t), 0)
	require.NoError(t, err)

	ts := time.Date(2023, 4, 5, 6, 7, 8, 9000, time.UTC)
	writeRow(t, b, map[string]any{"id": 1, "name": "one", "score": 1.5, "ok": true, "small": 7, "raw": []byte{1, 2}, "ts": ts})
	writeRow(t, b, map[string]any{"id": int64(2)})
	writeRow(t, b, map[string]any{"id": int32(3), "name": "", "score": float32(0.25), "small": int32(-1)})
	require.Equal(t, 3, b.RowCount())

	buf, err := b.Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, b.Size(), len(buf), "Size must equal the encoded length")
	assert.Equal(t, int64(b.Size()), a.InUse())

	out, err := Unmarshal(a, buf)
	require.NoError(t, err)
	assert.True(t, out.Sealed())
	assert.True(t, out.Schema().Equal(b.Schema()))
	require.Equal(t, 3, out.RowCount())
	for i := 0; i < 3; i++ {
		assert.Equal(t, row(t, b, i), row(t, out, i), "row %d", i)
	}
	assert.Equal(t, []any{int64(1), "one", 1.5, true, int32(7), []byte{1, 2}, ts}, row(t, out, 0))
	assert.Equal(t, []any{int64(2), nil, nil, nil, nil, nil, nil}, row(t, out, 1))
	v, err := out.Value("name", 2)
	require.NoError(t, err)
	assert.Equal(t, "", v)
	assert.Equal(t, 2, a.Live())
}

func row(t *testing.T, b *Block, i int) []any {
	t.Helper()
	r, err := b.Row(i)
	require.NoError(t, err)
	return r
}

func TestRowBounds(t *testing.T) {
	a := NewAllocator(1 << 20)
	defer a.Close()
	b, err := a.Allocate(MustSchema(Field{Name: "n", Type: Int64}), 0)
	require.NoError(t, err)
	require.NoError(t, b.Set("n", 0, 7))
	_, err = b.Row(0)
	assert.Error(t, err, "pending rows are not visible")
	require.NoError(t, b.Commit())

	str, err := b.RowString(0)
	require.NoError(t, err)
	assert.Equal(t, "[n : 7]", str)
	for _, i := range []int{-1, 1} {
		_, err = b.Row(i)
		assert.Error(t, err, "row %d", i)
		_, err = b.RowString(i)
		assert.Error(t, err, "row %d", i)
	}

	b.Release()
	_, err = b.Row(0)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = b.RowString(0)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestSizeTracksEveryRow(t *testing.T) {
	b := newBlock(testSchema(t), 0)
	for i := 0; i < 300; i++ {
		vals := map[string]any{"id": i}
		if i%3 == 0 {
			vals["name"] = string(make([]byte, i))
		}
		if i%5 == 0 {
			vals["raw"] = make([]byte, 200)
		}
		writeRow(t, b, vals)
		buf, err := b.Marshal(nil)
		require.NoError(t, err)
		require.Equal(t, len(buf), b.Size(), "row %d", i)
	}
}

func TestInvalidRowData(t *testing.T) {
	b := newBlock(testSchema(t), 0)
	err := b.Set("id", 0, "not a number")
	assert.ErrorIs(t, err, fault.ErrInvalidRowData)
	assert.ErrorIs(t, b.Set("missing", 0, 1), fault.ErrInvalidRowData)
	assert.ErrorIs(t, b.Set("id", 0, nil), fault.ErrInvalidRowData)
	assert.ErrorIs(t, b.Set("small", 0, 1<<40), fault.ErrInvalidRowData)
	assert.ErrorIs(t, b.Set("id", 5, 1), fault.ErrInvalidRowData)

	// id is not nullable and was never written
	require.NoError(t, b.Set("name", 0, "x"))
	assert.ErrorIs(t, b.Commit(), fault.ErrInvalidRowData)
	assert.Equal(t, 0, b.RowCount())

	writeRow(t, b, map[string]any{"id": 1})
	assert.ErrorIs(t, b.Set("id", 0, 2), fault.ErrInvalidRowData, "committed rows are immutable")

	b.Seal()
	assert.ErrorIs(t, b.Set("id", 1, 2), ErrSealed)
}

func TestCapacity(t *testing.T) {
	s := MustSchema(Field{Name: "v", Type: String})
	a := NewAllocator(1 << 20)
	defer a.Close()
	b, err := a.Allocate(s, 64)
	require.NoError(t, err)

	n := 0
	for {
		require.NoError(t, b.Set("v", b.RowCount(), "0123456789"))
		err := b.Commit()
		if err != nil {
			assert.ErrorIs(t, err, ErrBlockFull)
			break
		}
		n++
		require.LessOrEqual(t, b.Size(), 64)
	}
	assert.Greater(t, n, 0)
	assert.Equal(t, n, b.RowCount())
	buf, err := b.Marshal(nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(buf), 64)

	// a single row that can never fit
	big, err := a.Allocate(s, 64)
	require.NoError(t, err)
	require.NoError(t, big.Set("v", 0, string(make([]byte, 100))))
	assert.ErrorIs(t, big.Commit(), fault.ErrInvalidRowData)

	_, err = a.Allocate(s, 2)
	assert.ErrorIs(t, err, fault.ErrOutOfMemory)
}

func TestOffer(t *testing.T) {
	s := MustSchema(Field{Name: "year", Type: Int32})
	b := newBlock(s, 0)
	b.Constrain(constraint.New(map[string]constraint.ValueSet{
		"year": constraint.NewRanges(false, constraint.GreaterThan(2000)),
	}))
	ok, err := b.Offer("year", 0, 1999)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = b.Offer("year", 0, 2001)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Commit())
	assert.Equal(t, []any{int32(2001)}, row(t, b, 0))
}

func TestSetRowCount(t *testing.T) {
	s := MustSchema(
		Field{Name: "year", Type: Int32},
		Field{Name: "month", Type: Int32, Nullable: true},
	)
	b := newBlock(s, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Set("year", i, 2016+i))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Set("month", i, i+1))
	}
	require.NoError(t, b.SetRowCount(10))
	assert.Equal(t, []any{int32(2025), nil}, row(t, b, 9))
	assert.Error(t, b.SetRowCount(12), "year cannot be padded")
	assert.Equal(t, 10, b.RowCount())
}

func TestAllocatorCeiling(t *testing.T) {
	s := MustSchema(Field{Name: "v", Type: Int64})
	empty := newBlock(s, 0).Size()
	a := NewAllocator(int64(empty*2 + 9))
	b1, err := a.Allocate(s, 0)
	require.NoError(t, err)
	b2, err := a.Allocate(s, 0)
	require.NoError(t, err)
	_, err = a.Allocate(s, 0)
	assert.ErrorIs(t, err, fault.ErrOutOfMemory)

	require.NoError(t, b1.Set("v", 0, 1))
	require.NoError(t, b1.Commit())
	require.NoError(t, b2.Set("v", 0, 1))
	assert.ErrorIs(t, b2.Commit(), fault.ErrOutOfMemory)
	assert.Equal(t, 0, b2.RowCount())

	b1.Release()
	b1.Release()
	assert.Equal(t, int64(b2.Size()), a.InUse())
	require.NoError(t, b2.Set("v", 0, 1))
	require.NoError(t, b2.Commit())
}

func TestAllocatorClose(t *testing.T) {
	s := MustSchema(Field{Name: "v", Type: Int64})
	a := NewAllocator(1 << 20)
	var wg sync.WaitGroup
	blocks := make([]*Block, 16)
	for i := range blocks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := a.Allocate(s, 0)
			if err == nil {
				blocks[i] = b
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, a.Live())
	blocks[0].Release()

	// racing releases against Close must not double-free
	for _, b := range blocks {
		wg.Add(1)
		go func(b *Block) {
			defer wg.Done()
			b.Release()
		}(b)
	}
	require.NoError(t, a.Close())
	wg.Wait()
	require.NoError(t, a.Close())
	assert.Equal(t, 0, a.Live())
	assert.Equal(t, int64(0), a.InUse())

	_, err := a.Allocate(s, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, blocks[3].Set("v", 0, 1), ErrReleased)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal(nil, []byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, fault.ErrInvalidRowData)
	_, err = Unmarshal(nil, nil)
	assert.ErrorIs(t, err, fault.ErrInvalidRowData)
}

// encodeRaw builds a block message by hand so
// that the row count can disagree with the columns.
func encodeRaw(schema *Schema, rows uint64, cols ...[]byte) []byte {
	dst := protowire.AppendTag(nil, blockSchema, protowire.BytesType)
	dst = protowire.AppendBytes(dst, schema.encoded)
	dst = protowire.AppendTag(dst, blockRows, protowire.VarintType)
	dst = protowire.AppendVarint(dst, rows)
	for _, c := range cols {
		dst = protowire.AppendTag(dst, blockColumn, protowire.BytesType)
		dst = protowire.AppendBytes(dst, c)
	}
	return dst
}

func TestUnmarshalRejectsBadRowCount(t *testing.T) {
	str := MustSchema(Field{Name: "s", Type: String})
	num := MustSchema(Field{Name: "n", Type: Int64})
	fixed := protowire.AppendTag(nil, colFixed, protowire.BytesType)
	fixed = protowire.AppendBytes(fixed, make([]byte, 8))

	cases := map[string][]byte{
		"huge var rows":  encodeRaw(str, 1<<62, nil),
		"wrapping fixed": encodeRaw(num, 1<<61, nil),
		"max uint64":     encodeRaw(num, ^uint64(0), fixed),
		"short lengths":  encodeRaw(str, 4, nil),
		"short fixed":    encodeRaw(num, 2, fixed),
		"long fixed":     encodeRaw(num, 0, fixed),
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewAllocator(1 << 20)
			defer a.Close()
			var err error
			require.NotPanics(t, func() { _, err = Unmarshal(a, buf) })
			assert.ErrorIs(t, err, fault.ErrInvalidRowData)
			assert.Zero(t, a.InUse())
		})
	}

	b, err := Unmarshal(nil, encodeRaw(num, 1, fixed))
	require.NoError(t, err)
	assert.Equal(t, 1, b.RowCount())
}
