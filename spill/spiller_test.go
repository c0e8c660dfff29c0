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

package spill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/constraint"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var base = Location{Bucket: "spill", Key: "scratch", Directory: true}

func schema() *block.Schema {
	return block.MustSchema(
		block.Field{Name: "id", Type: block.Int64},
		block.Field{Name: "name", Type: block.String, Nullable: true},
	)
}

func testConfig(t *testing.T) Config {
	key, err := crypt.LocalKeyFactory{}.Create()
	require.NoError(t, err)
	return Config{
		EncryptionKey:       key,
		MaxBlockBytes:       256,
		MaxInlineBlockBytes: 1 << 20,
		RequestID:           "req-1",
		Location:            base,
		RetryDelay:          time.Millisecond,
	}
}

func writeRows(t *testing.T, s *Spiller, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, s.WriteRow(Row(map[string]any{
			"id":   int64(i),
			"name": fmt.Sprintf("row-%d", i),
		})))
	}
}

// readIDs reads back every spilled block in
// order and returns the concatenated ids.
func readIDs(t *testing.T, store Store, alloc *block.Allocator, key *crypt.EncryptionKey, res *Result) []int64 {
	t.Helper()
	var ids []int64
	for i, sb := range res.Spilled {
		require.Equal(t, i, sb.Seq)
		require.Equal(t, base.Child("req-1", i), sb.Location)
		b, err := Read(context.Background(), store, alloc, key, sb.Location)
		require.NoError(t, err)
		require.Equal(t, sb.Rows, b.RowCount())
		for r := 0; r < b.RowCount(); r++ {
			v, err := b.Value("id", r)
			require.NoError(t, err)
			ids = append(ids, v.(int64))
		}
		b.Release()
	}
	return ids
}

func sequence(from, to int) []int64 {
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, int64(i))
	}
	return out
}

func TestLocation(t *testing.T) {
	loc, err := ParseLocation("s3://bucket/some/prefix/")
	require.NoError(t, err)
	assert.Equal(t, Location{Bucket: "bucket", Key: "some/prefix", Directory: true}, loc)
	child := loc.Child("q1", 3)
	assert.Equal(t, "some/prefix/q1/3", child.Key)
	assert.False(t, child.Directory)
	assert.Equal(t, "s3://bucket/some/prefix/q1/3", child.String())
	assert.Equal(t, "b/r/0", Location{Bucket: "b", Directory: true}.Child("r", 0).Path())

	_, err = ParseLocation("s3:///key")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	good := testConfig(t).WithDefaults()
	require.NoError(t, good.Validate())
	assert.Equal(t, DefaultCompression, good.Compression)
	assert.Equal(t, crypt.Default, good.Algorithm)

	for name, mut := range map[string]func(*Config){
		"no request":   func(c *Config) { c.RequestID = "" },
		"file":         func(c *Config) { c.Location.Directory = false },
		"threads":      func(c *Config) { c.NumSpillThreads = -1 },
		"inline":       func(c *Config) { c.MaxInlineBlockBytes = -1 },
		"compression":  func(c *Config) { c.Compression = "brotli" },
		"algorithm":    func(c *Config) { c.Algorithm = "rot13" },
		"short key":    func(c *Config) { c.EncryptionKey = &crypt.EncryptionKey{Key: []byte("k")} },
		"block bytes":  func(c *Config) { c.MaxBlockBytes = -5 },
	} {
		c := good
		mut(&c)
		assert.Error(t, c.Validate(), name)
	}
	no := good
	no.MaxRetries = -1
	assert.Equal(t, 0, no.WithDefaults().MaxRetries)
}

func TestInline(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	store := &MemStore{}
	s, err := NewSpiller(context.Background(), testConfig(t), alloc, schema(), nil, store)
	require.NoError(t, err)
	writeRows(t, s, 0, 5)
	res, err := s.Close()
	require.NoError(t, err)
	require.NotNil(t, res.Inline)
	assert.Empty(t, res.Spilled)
	assert.Empty(t, store.Paths())
	assert.EqualValues(t, 5, res.Rows)
	assert.Equal(t, 5, res.Inline.RowCount())
	assert.True(t, res.Inline.Sealed())
	res.Release()
	assert.Zero(t, alloc.InUse())

	again, err := s.Close()
	require.NoError(t, err)
	assert.Same(t, res, again)
	assert.ErrorIs(t, s.WriteRow(Row(nil)), ErrClosed)
}

func TestEmptyResult(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	cfg := testConfig(t)
	cfg.MaxInlineBlockBytes = 0
	s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, &MemStore{})
	require.NoError(t, err)
	res, err := s.Close()
	require.NoError(t, err)
	require.NotNil(t, res.Inline)
	assert.Zero(t, res.Inline.RowCount())
	assert.Empty(t, res.Spilled)
	res.Release()
}

func TestSpill(t *testing.T) {
	for _, tc := range []struct {
		name        string
		threads     int
		compression string
		encrypted   bool
	}{
		{"sync", 0, "zstd", true},
		{"async", 4, "zstd", true},
		{"plain", 2, "none", false},
		{"s2", 1, "s2", true},
		{"lz4", 3, "lz4", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			alloc := block.NewAllocator(1 << 20)
			defer alloc.Close()
			cfg := testConfig(t)
			cfg.NumSpillThreads = tc.threads
			cfg.Compression = tc.compression
			if !tc.encrypted {
				cfg.EncryptionKey = nil
			}
			store := &MemStore{}
			s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store,
				WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)
			writeRows(t, s, 0, 500)
			res, err := s.Close()
			require.NoError(t, err)
			assert.Nil(t, res.Inline)
			assert.EqualValues(t, 500, res.Rows)
			require.Greater(t, len(res.Spilled), 2)
			assert.Len(t, store.Paths(), len(res.Spilled))
			assert.Zero(t, alloc.InUse(), "spilled blocks must be released")
			for _, sb := range res.Spilled {
				assert.NotEmpty(t, sb.ETag)
				if tc.encrypted {
					assert.Equal(t, cfg.EncryptionKey.ID(), sb.KeyID)
				}
			}
			assert.Equal(t, sequence(0, 500), readIDs(t, store, alloc, cfg.EncryptionKey, res))
		})
	}
}

func TestSpillBoundedMemory(t *testing.T) {
	// a ceiling of a few blocks is enough to
	// scan any number of rows when spilling
	// synchronously
	alloc := block.NewAllocator(1024)
	defer alloc.Close()
	s, err := NewSpiller(context.Background(), testConfig(t), alloc, schema(), nil, &MemStore{})
	require.NoError(t, err)
	writeRows(t, s, 0, 2000)
	res, err := s.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 2000, res.Rows)
}

func TestConstrainedSpill(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	ev := constraint.New(map[string]constraint.ValueSet{
		"id": constraint.NewRanges(false, constraint.Between(int64(100), int64(199))),
	})
	cfg := testConfig(t)
	store := &MemStore{}
	s, err := NewSpiller(context.Background(), cfg, alloc, schema(), ev, store)
	require.NoError(t, err)
	writeRows(t, s, 0, 500)
	res, err := s.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 100, res.Rows)
	assert.Equal(t, sequence(100, 200), readIDs(t, store, alloc, cfg.EncryptionKey, res))
}

func TestRowMissingConstrainedColumn(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	ev := constraint.New(map[string]constraint.ValueSet{
		"name": constraint.Equatable{Values: []any{"x"}, WhiteList: true},
	})
	s, err := NewSpiller(context.Background(), testConfig(t), alloc, schema(), ev, &MemStore{})
	require.NoError(t, err)
	require.NoError(t, s.WriteRow(Row(map[string]any{"id": int64(1)})))
	require.NoError(t, s.WriteRow(Row(map[string]any{"id": int64(2), "name": "x"})))
	res, err := s.Close()
	require.NoError(t, err)
	require.Equal(t, 1, res.Inline.RowCount())
	v, err := res.Inline.Value("id", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	res.Release()
}

func TestInvalidRow(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	s, err := NewSpiller(context.Background(), testConfig(t), alloc, schema(), nil, &MemStore{})
	require.NoError(t, err)
	err = s.WriteRow(Row(map[string]any{"id": "not a number"}))
	assert.ErrorIs(t, err, fault.ErrInvalidRowData)
	err = s.WriteRow(Row(map[string]any{"name": "no id"}))
	assert.ErrorIs(t, err, fault.ErrInvalidRowData)
	err = s.WriteRow(Row(map[string]any{"id": int64(-1), "name": strings.Repeat("x", 1024)}))
	assert.ErrorIs(t, err, fault.ErrInvalidRowData)
	writeRows(t, s, 0, 3)
	res, err := s.Close()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inline.RowCount())
	assert.Empty(t, res.Spilled)
	res.Release()
}

// flaky fails the first n writes of
// every object with err.
type flaky struct {
	MemStore
	n   int
	err error

	mu    sync.Mutex
	tries map[string]int
}

func (f *flaky) WriteFile(ctx context.Context, loc Location, buf []byte) (string, error) {
	f.mu.Lock()
	if f.tries == nil {
		f.tries = make(map[string]int)
	}
	f.tries[loc.Path()]++
	n := f.tries[loc.Path()]
	f.mu.Unlock()
	if n <= f.n {
		return "", f.err
	}
	return f.MemStore.WriteFile(ctx, loc, buf)
}

func TestRetryTransient(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	store := &flaky{n: 2, err: fault.Transient("write", errors.New("503 slow down"))}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cfg := testConfig(t)
	cfg.NumSpillThreads = 2
	s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store, WithMetrics(m))
	require.NoError(t, err)
	writeRows(t, s, 0, 100)
	res, err := s.Close()
	require.NoError(t, err)
	n := len(res.Spilled)
	require.Greater(t, n, 1)
	assert.Equal(t, float64(n), testutil.ToFloat64(m.blocks))
	assert.Equal(t, float64(2*n), testutil.ToFloat64(m.retries))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.rows))
	assert.Zero(t, testutil.ToFloat64(m.failures))
	assert.Equal(t, sequence(0, 100), readIDs(t, store, alloc, cfg.EncryptionKey, res))
}

func TestSpillFailure(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"permanent", fault.Permanent("write", fs.ErrPermission)},
		{"exhausted", fault.Transient("write", errors.New("timeout"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			alloc := block.NewAllocator(1 << 20)
			defer alloc.Close()
			store := &flaky{n: 1 << 20, err: tc.err}
			cfg := testConfig(t)
			cfg.MaxRetries = 2
			s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store)
			require.NoError(t, err)
			var werr error
			for i := 0; i < 100 && werr == nil; i++ {
				werr = s.WriteRow(Row(map[string]any{"id": int64(i)}))
			}
			// the synchronous spill of the first
			// block fails the next write
			assert.ErrorIs(t, werr, fault.ErrSpillFailure)
			_, err = s.Close()
			assert.ErrorIs(t, err, fault.ErrSpillFailure)
			assert.ErrorIs(t, err, fault.ErrStorageFailure)
			assert.Equal(t, fault.SpillFailure, fault.CodeOf(err))
			assert.Zero(t, alloc.InUse())
		})
	}
}

// failOne permanently fails writes to one object.
type failOne struct {
	MemStore
	bad Location
}

func (f *failOne) WriteFile(ctx context.Context, loc Location, buf []byte) (string, error) {
	if loc == f.bad {
		return "", fault.Permanent("write", fs.ErrPermission)
	}
	return f.MemStore.WriteFile(ctx, loc, buf)
}

func TestSpillFailureRemovesWritten(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	store := &failOne{bad: base.Child("req-1", 2)}
	cfg := testConfig(t)
	cfg.NumSpillThreads = 2
	s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		if s.WriteRow(Row(map[string]any{"id": int64(i), "name": "x"})) != nil {
			break
		}
	}
	require.Greater(t, s.seq, 2)
	res, err := s.Close()
	assert.ErrorIs(t, err, fault.ErrSpillFailure)
	assert.Empty(t, res.Spilled)
	assert.Empty(t, store.Paths())
	assert.Zero(t, alloc.InUse())
}

// slowStore delays every write so that
// spills are still in flight when the scan ends.
type slowStore struct {
	MemStore
	delay time.Duration
}

func (s *slowStore) WriteFile(ctx context.Context, loc Location, buf []byte) (string, error) {
	time.Sleep(s.delay)
	return s.MemStore.WriteFile(ctx, loc, buf)
}

func TestCancel(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	var running atomic.Bool
	running.Store(true)
	store := &slowStore{delay: 5 * time.Millisecond}
	cfg := testConfig(t)
	cfg.NumSpillThreads = 2
	s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store,
		WithStatusChecker(StatusFunc(running.Load)))
	require.NoError(t, err)
	writeRows(t, s, 0, 100)
	dispatched := s.seq
	require.Positive(t, dispatched)
	running.Store(false)
	assert.False(t, s.Running())
	writeRows(t, s, 100, 200)
	assert.Nil(t, s.Current())
	assert.Equal(t, dispatched, s.seq, "no spills after the query stopped")

	res, err := s.Close()
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.Inline)
	assert.EqualValues(t, 100, res.Rows)
	assert.Zero(t, alloc.InUse())

	// blocks dispatched before the flip are written in full
	require.Len(t, res.Spilled, dispatched)
	assert.Len(t, store.Paths(), dispatched)
	for _, sb := range res.Spilled {
		assert.NotEmpty(t, sb.ETag, "block %d", sb.Seq)
	}
	ids := readIDs(t, store, alloc, cfg.EncryptionKey, res)
	assert.Equal(t, sequence(0, len(ids)), ids)
	assert.Less(t, len(ids), 100)
}

func TestOutOfMemory(t *testing.T) {
	alloc := block.NewAllocator(16)
	defer alloc.Close()
	_, err := NewSpiller(context.Background(), testConfig(t), alloc, schema(), nil, &MemStore{})
	assert.ErrorIs(t, err, fault.ErrOutOfMemory)
}

func TestObjectTamper(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	cfg := testConfig(t)
	cfg.MaxInlineBlockBytes = 0
	store := &MemStore{}
	s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store)
	require.NoError(t, err)
	writeRows(t, s, 0, 3)
	res, err := s.Close()
	require.NoError(t, err)
	require.Len(t, res.Spilled, 1)
	ctx := context.Background()
	loc := res.Spilled[0].Location

	buf, err := store.ReadFile(ctx, loc)
	require.NoError(t, err)
	moved := base.Child("req-2", 0)
	_, err = store.WriteFile(ctx, moved, buf)
	require.NoError(t, err)
	_, err = Read(ctx, store, alloc, cfg.EncryptionKey, moved)
	assert.Error(t, err, "object must not decrypt at another location")

	other, err := crypt.LocalKeyFactory{}.Create()
	require.NoError(t, err)
	_, err = Read(ctx, store, alloc, other, loc)
	assert.Error(t, err)
	_, err = Read(ctx, store, alloc, nil, loc)
	assert.Error(t, err)

	buf[len(objectMagic)+2] ^= 1
	_, err = store.WriteFile(ctx, loc, buf)
	require.NoError(t, err)
	_, err = Read(ctx, store, alloc, cfg.EncryptionKey, loc)
	assert.Error(t, err)
}

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	d := NewDirStore(t.TempDir(), zaptest.NewLogger(t))
	loc := base.Child("req", 0)
	tag, err := d.WriteFile(ctx, loc, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, etag([]byte("hello")), tag)
	buf, err := d.ReadFile(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, d.Remove(ctx, loc))
	_, err = d.ReadFile(ctx, loc)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.False(t, fault.Retryable(err))

	_, err = d.WriteFile(ctx, Location{Bucket: "b", Key: "../escape"}, nil)
	assert.ErrorIs(t, err, fs.ErrInvalid)
}

func TestDirStoreSpill(t *testing.T) {
	alloc := block.NewAllocator(1 << 20)
	defer alloc.Close()
	store := NewDirStore(t.TempDir(), nil)
	cfg := testConfig(t)
	cfg.NumSpillThreads = 3
	s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store)
	require.NoError(t, err)
	writeRows(t, s, 0, 300)
	res, err := s.Close()
	require.NoError(t, err)
	assert.Equal(t, sequence(0, 300), readIDs(t, store, alloc, cfg.EncryptionKey, res))
}

func TestInlineThreshold(t *testing.T) {
	run := func(rows int, name string) (*Result, *MemStore) {
		alloc := block.NewAllocator(1 << 20)
		t.Cleanup(func() { alloc.Close() })
		cfg := testConfig(t)
		cfg.MaxInlineBlockBytes = 100
		cfg.MaxBlockBytes = 100000
		store := &MemStore{}
		s, err := NewSpiller(context.Background(), cfg, alloc, schema(), nil, store)
		require.NoError(t, err)
		for i := 0; i < rows; i++ {
			require.NoError(t, s.WriteRow(Row(map[string]any{"id": int64(i), "name": name})))
		}
		res, err := s.Close()
		require.NoError(t, err)
		return res, store
	}
	small, store := run(2, "a")
	require.NotNil(t, small.Inline)
	assert.Empty(t, small.Spilled)
	assert.Empty(t, store.Paths())
	small.Release()

	big, store := run(20, "abcdefghijklmnopqrstuvwx")
	assert.Nil(t, big.Inline)
	require.Len(t, big.Spilled, 1)
	assert.Equal(t, 0, big.Spilled[0].Seq)
	assert.Equal(t, []string{"spill/scratch/req-1/0"}, store.Paths())
}
