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
	"sync"
	"time"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/compr"
	"github.com/SnellerInc/blockspill/constraint"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/fault"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by WriteRow after Close.
var ErrClosed = errors.New("spiller closed")

// QueryStatusChecker reports whether the query
// that owns a scan is still running.
type QueryStatusChecker interface {
	IsQueryRunning() bool
}

// StatusFunc adapts a function to QueryStatusChecker.
type StatusFunc func() bool

func (f StatusFunc) IsQueryRunning() bool { return f() }

// RowWriter writes one row into b at index row
// and returns the number of rows written, which
// is 0 if the row was rejected and 1 otherwise.
//
// A RowWriter may be invoked a second time for the
// same row, against a fresh Block, when the first
// Block fills up; it must not have side effects
// beyond the Block.
type RowWriter func(b *block.Block, row int) (int, error)

// Row returns a RowWriter that offers each value
// in vals to its column. Constrained columns that
// are absent from vals are evaluated as null.
func Row(vals map[string]any) RowWriter {
	return func(b *block.Block, row int) (int, error) {
		matched := true
		for name, v := range vals {
			ok, err := b.Offer(name, row, v)
			if err != nil {
				return 0, err
			}
			matched = matched && ok
		}
		ev := b.Evaluator()
		for _, name := range constraint.Columns(ev) {
			if _, ok := vals[name]; !ok && !ev.Apply(name, nil) {
				matched = false
			}
		}
		if !matched {
			return 0, nil
		}
		return 1, nil
	}
}

// SpilledBlock describes one Block
// written to external storage.
type SpilledBlock struct {
	// Seq is the position of the Block in the
	// scan output, starting at 0.
	Seq      int      `json:"seq"`
	Location Location `json:"location"`
	ETag     string   `json:"etag"`
	Rows     int      `json:"rows"`
	// Bytes is the size of the stored object.
	Bytes int    `json:"bytes"`
	KeyID string `json:"keyId,omitempty"`
}

// Result is the outcome of a scan.
type Result struct {
	// Inline is the final Block when the whole
	// result fits inline; the caller owns it.
	Inline *block.Block
	// Spilled lists spilled Blocks ordered by Seq.
	Spilled []SpilledBlock
	// Rows is the number of rows accepted.
	Rows int64
	// Cancelled is set when the scan stopped
	// because the query was no longer running.
	Cancelled bool
}

// Release releases the inline Block, if any.
func (r *Result) Release() {
	if r != nil && r.Inline != nil {
		r.Inline.Release()
	}
}

// Option configures a Spiller.
type Option func(*Spiller)

func WithLogger(l *zap.Logger) Option {
	return func(s *Spiller) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Spiller) { s.metrics = m }
}

// WithStatusChecker makes the Spiller stop
// accepting rows once qs reports that the
// query has finished.
func WithStatusChecker(qs QueryStatusChecker) Option {
	return func(s *Spiller) { s.status = qs }
}

// Spiller accumulates rows into Blocks and writes
// every full Block to external storage, so that
// memory use stays bounded by MaxBlockBytes plus
// the Blocks being written by the spill pool.
//
// WriteRow and Close must be called from a single
// goroutine; spilling happens in the background
// when NumSpillThreads is positive.
type Spiller struct {
	ctx     context.Context
	cfg     Config
	alloc   *block.Allocator
	schema  *block.Schema
	eval    constraint.Evaluator
	store   Store
	comp    compr.Compressor
	cipher  *crypt.Cipher
	keyID   string
	logger  *zap.Logger
	metrics *Metrics
	status  QueryStatusChecker

	cur       *block.Block
	seq       int
	rows      int64
	cancelled bool
	closed    bool
	result    *Result
	closeErr  error

	pool *errgroup.Group

	mu      sync.Mutex
	spilled []SpilledBlock
	errs    error
}

// NewSpiller creates a Spiller writing rows of
// schema, filtered by ev, into Blocks allocated
// from alloc and spilled to store. ctx bounds
// every storage operation.
func NewSpiller(ctx context.Context, cfg Config, alloc *block.Allocator, schema *block.Schema, ev constraint.Evaluator, store Store, opts ...Option) (*Spiller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fault.New(fault.CapabilityMismatch, "spill", err)
	}
	if ev == nil {
		ev = constraint.Empty()
	}
	s := &Spiller{
		ctx:    ctx,
		cfg:    cfg,
		alloc:  alloc,
		schema: schema,
		eval:   ev,
		store:  store,
		comp:   compr.Compression(cfg.Compression),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("request", cfg.RequestID))
	if cfg.EncryptionKey != nil {
		c, err := crypt.NewCipher(cfg.Algorithm, cfg.EncryptionKey)
		if err != nil {
			return nil, fault.New(fault.CapabilityMismatch, "spill", err)
		}
		s.cipher = c
		s.keyID = cfg.EncryptionKey.ID()
	}
	if cfg.NumSpillThreads > 0 {
		s.pool = new(errgroup.Group)
		s.pool.SetLimit(cfg.NumSpillThreads)
	}
	if err := s.next(); err != nil {
		return nil, err
	}
	return s, nil
}

// next allocates a fresh current Block.
func (s *Spiller) next() error {
	b, err := s.alloc.Allocate(s.schema, s.cfg.MaxBlockBytes)
	if err != nil {
		return err
	}
	b.Constrain(s.eval)
	s.cur = b
	return nil
}

// Current returns the Block that is being filled,
// or nil once the Spiller is closed or cancelled.
func (s *Spiller) Current() *block.Block { return s.cur }

// Running reports whether the owning
// query is still running.
func (s *Spiller) Running() bool {
	return s.status == nil || s.status.IsQueryRunning()
}

// failure returns the aggregated spill
// failure so far, or nil.
func (s *Spiller) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errs == nil {
		return nil
	}
	return fault.New(fault.SpillFailure, "spill", s.errs)
}

// WriteRow writes one row using fn. Rows that fn
// rejects leave no trace. Once the query stops
// running WriteRow discards its input and returns nil.
func (s *Spiller) WriteRow(fn RowWriter) error {
	if s.closed {
		return ErrClosed
	}
	if s.cancelled {
		return nil
	}
	if !s.Running() {
		s.cancel()
		return nil
	}
	if err := s.failure(); err != nil {
		return err
	}
	n, err := s.write(fn)
	if errors.Is(err, block.ErrBlockFull) {
		if err := s.rotate(); err != nil {
			return err
		}
		n, err = s.write(fn)
	}
	if err != nil {
		return err
	}
	if n > 0 {
		s.rows++
		s.metrics.rowWritten()
	}
	return nil
}

func (s *Spiller) write(fn RowWriter) (int, error) {
	n, err := fn(s.cur, s.cur.RowCount())
	if err != nil || n == 0 {
		s.cur.Rollback()
		return 0, err
	}
	if err := s.cur.Commit(); err != nil {
		s.cur.Rollback()
		return 0, err
	}
	return n, nil
}

// rotate seals the current Block, hands it
// to the spill pool and allocates another.
func (s *Spiller) rotate() error {
	b := s.cur
	s.cur = nil
	b.Seal()
	s.dispatch(b)
	return s.next()
}

func (s *Spiller) dispatch(b *block.Block) {
	seq := s.seq
	s.seq++
	loc := s.cfg.Location.Child(s.cfg.RequestID, seq)
	s.mu.Lock()
	s.spilled = append(s.spilled, SpilledBlock{Seq: seq, Location: loc, KeyID: s.keyID})
	s.mu.Unlock()
	if s.pool == nil {
		s.spill(seq, loc, b)
		return
	}
	s.pool.Go(func() error {
		s.spill(seq, loc, b)
		return nil
	})
}

// spill writes b to loc and records the outcome.
// It always releases b.
func (s *Spiller) spill(seq int, loc Location, b *block.Block) {
	rows := b.RowCount()
	raw, err := b.Marshal(nil)
	b.Release()
	if err != nil {
		s.fail(seq, loc, err)
		return
	}
	obj, err := encodeObject(s.comp, s.cipher, loc, raw)
	if err != nil {
		s.fail(seq, loc, err)
		return
	}
	start := time.Now()
	tag, err := s.put(loc, obj)
	if err != nil {
		s.fail(seq, loc, err)
		return
	}
	took := time.Since(start)
	s.metrics.spilled(len(obj), took)
	s.logger.Debug("spilled block",
		zap.Int("seq", seq),
		zap.Stringer("location", loc),
		zap.Int("rows", rows),
		zap.Int("bytes", len(obj)),
		zap.Duration("took", took))
	s.mu.Lock()
	sb := &s.spilled[seq]
	sb.ETag = tag
	sb.Rows = rows
	sb.Bytes = len(obj)
	s.mu.Unlock()
}

// put writes obj, retrying transient storage errors.
func (s *Spiller) put(loc Location, obj []byte) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryDelay
	op := func() (string, error) {
		tag, err := s.store.WriteFile(s.ctx, loc, obj)
		if err != nil && !fault.Retryable(err) {
			return "", backoff.Permanent(err)
		}
		return tag, err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.retried()
		s.logger.Warn("retrying spill write",
			zap.Stringer("location", loc),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.Retry(s.ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries+1)),
		backoff.WithNotify(notify))
}

func (s *Spiller) fail(seq int, loc Location, err error) {
	s.metrics.failed()
	s.logger.Error("spill failed",
		zap.Int("seq", seq),
		zap.Stringer("location", loc),
		zap.Error(err))
	s.mu.Lock()
	s.errs = multierr.Append(s.errs, fmt.Errorf("block %d (%s): %w", seq, loc, err))
	s.mu.Unlock()
}

func (s *Spiller) cancel() {
	s.cancelled = true
	if s.cur != nil {
		s.cur.Release()
		s.cur = nil
	}
	s.metrics.cancelled()
	s.logger.Info("query no longer running; discarding rows", zap.Int64("rows", s.rows))
}

// Discard removes every object in spilled that
// was written, returning the removal errors.
// Objects that are already gone are ignored.
func Discard(ctx context.Context, store Store, spilled []SpilledBlock) error {
	var errs error
	for _, sb := range spilled {
		if sb.ETag == "" {
			continue
		}
		err := store.Remove(ctx, sb.Location)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Close finishes the scan. The final Block is
// returned inline if nothing was spilled and it
// fits in MaxInlineBlockBytes; otherwise it is
// spilled too. Close waits for all spills and
// returns fault.SpillFailure if any failed; the
// objects that were written are then removed and
// the Result lists none of them.
// If the query is no longer running the final
// Block is discarded and the Result is Cancelled.
// Calling Close again returns the same outcome.
func (s *Spiller) Close() (*Result, error) {
	if s.closed {
		return s.result, s.closeErr
	}
	s.closed = true
	if !s.cancelled && !s.Running() {
		s.cancel()
	}
	var inline *block.Block
	if !s.cancelled && s.cur != nil {
		b := s.cur
		s.cur = nil
		b.Seal()
		if s.seq == 0 && (b.RowCount() == 0 || b.Size() <= s.cfg.MaxInlineBlockBytes) {
			inline = b
		} else if b.RowCount() > 0 {
			s.dispatch(b)
		} else {
			b.Release()
		}
	}
	if s.pool != nil {
		s.pool.Wait()
	}
	s.mu.Lock()
	spilled := append([]SpilledBlock(nil), s.spilled...)
	s.mu.Unlock()
	s.result = &Result{
		Inline:    inline,
		Spilled:   spilled,
		Rows:      s.rows,
		Cancelled: s.cancelled,
	}
	if inline != nil {
		s.metrics.inlined()
	}
	if err := s.failure(); err != nil && !s.cancelled {
		if rerr := Discard(context.WithoutCancel(s.ctx), s.store, spilled); rerr != nil {
			s.logger.Warn("removing partial spill", zap.Error(rerr))
		}
		s.result.Spilled = nil
		s.closeErr = err
		return s.result, err
	}
	s.logger.Debug("scan complete",
		zap.Int64("rows", s.rows),
		zap.Int("spilled", len(spilled)),
		zap.Bool("inline", inline != nil),
		zap.Bool("cancelled", s.cancelled))
	return s.result, nil
}
