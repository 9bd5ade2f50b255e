// Package batch is the single writer: request handlers enqueue mutation
// records, and the coalescer periodically drains them into chunked store
// transactions.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ha1tch/archety/pkg/cache"
	"github.com/ha1tch/archety/pkg/keys"
	"github.com/ha1tch/archety/pkg/storage"
)

const (
	DefaultFlushInterval = time.Second
	DefaultChunkSize     = 40000
)

// TokenNotifier delivers generated tokens to their owners
type TokenNotifier interface {
	Notify(ctx context.Context, d Delivery) error
}

// LogNotifier only records that a token was issued
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, d Delivery) error {
	n.Logger.Info().
		Int64("identity", int64(d.Identity)).
		Str("address", d.Address).
		Msg("Token issued")
	return nil
}

// Options configures a Coalescer. Zero values take the defaults.
type Options struct {
	FlushInterval time.Duration
	ChunkSize     int
	Tokens        TokenSource
	Notifier      TokenNotifier
}

// FlushResult summarizes one drained batch
type FlushResult struct {
	BatchID   string        `json:"batch_id"`
	Records   int           `json:"records"`
	Applied   int           `json:"applied"`
	Failed    int           `json:"failed"`
	Chunks    int           `json:"chunks"`
	Committed int           `json:"committed"`
	Dropped   int           `json:"dropped"`
	Duration  time.Duration `json:"duration"`
}

// Stats are cumulative coalescer counters
type Stats struct {
	Running       bool      `json:"running"`
	Queued        int       `json:"queued"`
	Batches       uint64    `json:"batches"`
	Chunks        uint64    `json:"chunks"`
	Applied       uint64    `json:"applied"`
	Failed        uint64    `json:"failed"`
	Dropped       uint64    `json:"dropped"`
	LastBatchID   string    `json:"last_batch_id,omitempty"`
	LastFlushedAt time.Time `json:"last_flushed_at,omitempty"`
}

// Coalescer owns the write queue and is the only component that mutates
// the store. Flushes never overlap; a slow flush delays the next tick.
type Coalescer struct {
	store    storage.Store
	cache    cache.Cache
	queue    *Queue
	interp   *Interpreter
	notifier TokenNotifier
	opts     Options
	logger   zerolog.Logger

	flushMu sync.Mutex

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	last    FlushResult
	lastAt  time.Time

	batches atomic.Uint64
	chunks  atomic.Uint64
	applied atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a stopped coalescer writing to store and publishing
// resolved keys to c
func New(store storage.Store, c cache.Cache, opts Options, logger zerolog.Logger) *Coalescer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Tokens == nil {
		opts.Tokens = keys.NewToken
	}
	logger = logger.With().Str("component", "coalescer").Logger()
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: logger}
	}

	return &Coalescer{
		store:    store,
		cache:    c,
		queue:    NewQueue(),
		interp:   NewInterpreter(opts.Tokens),
		notifier: opts.Notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Enqueue schedules a record for the next flush
func (c *Coalescer) Enqueue(rec Record) {
	c.queue.Enqueue(rec)
}

// Pending returns the number of queued records
func (c *Coalescer) Pending() int {
	return c.queue.Len()
}

// Start launches the flush loop. Calling Start on a running coalescer
// does nothing.
func (c *Coalescer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)

	c.logger.Info().
		Dur("interval", c.opts.FlushInterval).
		Int("chunk_size", c.opts.ChunkSize).
		Msg("Batch coalescer started")
}

// Stop ends the flush loop and flushes whatever is still queued
func (c *Coalescer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		close(c.stop)
		done := c.done
		c.running = false
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		c.mu.Unlock()
	}

	res, err := c.Flush(ctx)
	c.logger.Info().Int("records", res.Records).Msg("Batch coalescer stopped")
	return err
}

func (c *Coalescer) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := c.Flush(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("Batch flush failed")
			}
		}
	}
}

// Flush drains the queue and applies it in chunks of at most ChunkSize
// records, each in its own transaction. A failed record is skipped. A
// failed Begin or Commit aborts that chunk and every chunk after it:
// committed chunks stay durable, the rest are dropped.
func (c *Coalescer) Flush(ctx context.Context) (FlushResult, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	start := time.Now()
	records := c.queue.DrainAll()
	res := FlushResult{BatchID: uuid.NewString(), Records: len(records)}
	if len(records) == 0 {
		return res, nil
	}
	log := c.logger.With().Str("batch", res.BatchID).Logger()

	var flushErr error
	for offset, n := 0, 1; offset < len(records); offset, n = offset+c.opts.ChunkSize, n+1 {
		end := min(offset+c.opts.ChunkSize, len(records))
		applied, failed, err := c.applyChunk(ctx, log, n, records[offset:end], offset)
		if err != nil {
			res.Dropped = len(records) - offset
			flushErr = fmt.Errorf("batch %s chunk %d: %w", res.BatchID, n, err)
			log.Error().Err(err).
				Int("chunk", n).
				Int("committed", res.Committed).
				Int("dropped", res.Dropped).
				Msg("Chunk aborted, dropping the rest of the batch")
			break
		}
		res.Chunks++
		res.Committed += end - offset
		res.Applied += applied
		res.Failed += failed
	}
	res.Duration = time.Since(start)

	c.record(res)
	log.Info().
		Int("records", res.Records).
		Int("applied", res.Applied).
		Int("failed", res.Failed).
		Int("chunks", res.Chunks).
		Int("dropped", res.Dropped).
		Dur("duration", res.Duration).
		Msg("Batch flushed")
	return res, flushErr
}

func (c *Coalescer) applyChunk(ctx context.Context, log zerolog.Logger, n int, records []Record, offset int) (int, int, error) {
	start := time.Now()
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	sp, _ := tx.(storage.Savepointer)

	var fx Effects
	applied, failed := 0, 0
	for i, rec := range records {
		var point storage.Savepoint
		if sp != nil {
			if point, err = sp.Savepoint(ctx); err != nil {
				_ = tx.Rollback()
				return 0, 0, fmt.Errorf("savepoint: %w", err)
			}
		}

		got, err := c.applyOne(ctx, tx, rec)
		if err != nil {
			if point != nil {
				if rerr := point.RollbackTo(ctx); rerr != nil {
					_ = tx.Rollback()
					return 0, 0, fmt.Errorf("rollback to savepoint: %w", rerr)
				}
			}
			if fatal(err) {
				_ = tx.Rollback()
				return 0, 0, err
			}
			failed++
			log.Error().
				Err(&RecordError{Index: offset + i, Action: actionOf(rec), Err: err}).
				Str("action", string(actionOf(rec))).
				Interface("record", rec).
				Msg("Failed to apply record")
			continue
		}

		if point != nil {
			if err := point.Release(ctx); err != nil {
				_ = tx.Rollback()
				return 0, 0, fmt.Errorf("release savepoint: %w", err)
			}
		}
		fx.merge(got)
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	c.publish(ctx, log, fx)

	log.Info().
		Int("chunk", n).
		Int("writes", len(records)).
		Int("entities_created", fx.EntitiesCreated).
		Int("edges_created", fx.EdgesCreated).
		Dur("duration", time.Since(start)).
		Msg("Chunk committed")
	return applied, failed, nil
}

// applyOne turns a panic inside a record into that record's error
func (c *Coalescer) applyOne(ctx context.Context, tx storage.Tx, rec Record) (fx Effects, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.interp.Apply(ctx, tx, rec)
}

// publish writes committed keys to the cache and hands tokens to the notifier
func (c *Coalescer) publish(ctx context.Context, log zerolog.Logger, fx Effects) {
	for _, e := range fx.Entries {
		if err := c.cache.Set(ctx, e.Kind, e.Key, e.Handle); err != nil {
			log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("Failed to cache created entity")
		}
	}
	for _, d := range fx.Deliveries {
		if err := c.notifier.Notify(ctx, d); err != nil {
			log.Warn().Err(err).Int64("identity", int64(d.Identity)).Msg("Failed to deliver token")
		}
	}
}

func (c *Coalescer) record(res FlushResult) {
	c.batches.Add(1)
	c.chunks.Add(uint64(res.Chunks))
	c.applied.Add(uint64(res.Applied))
	c.failed.Add(uint64(res.Failed))
	c.dropped.Add(uint64(res.Dropped))

	c.mu.Lock()
	c.last = res
	c.lastAt = time.Now()
	c.mu.Unlock()
}

// Stats returns cumulative counters
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Running:       c.running,
		Queued:        c.queue.Len(),
		Batches:       c.batches.Load(),
		Chunks:        c.chunks.Load(),
		Applied:       c.applied.Load(),
		Failed:        c.failed.Load(),
		Dropped:       c.dropped.Load(),
		LastBatchID:   c.last.BatchID,
		LastFlushedAt: c.lastAt,
	}
}

// fatal reports errors that mean the transaction itself is unusable
func fatal(err error) bool {
	return errors.Is(err, storage.ErrStorageClosed) ||
		errors.Is(err, storage.ErrTxDone) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func actionOf(rec Record) Action {
	if rec == nil {
		return "unknown"
	}
	return rec.Action()
}
