// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package queue provides a bounded write-behind queue with a pool of workers.

Producers block while the queue is full. If room does not become available
within the enqueue timeout, Enqueue fails with ErrFull, which callers report as
a retryable storage error. Workers hand batches of items to a handler and retry
failed batches with increasing back-off, capped at MaxBackoff.

Queued items are retried until they are written, so a store outage fills the queue
and stalls producers instead of losing data. Only errors wrapped with Permanent drop
a batch right away. A producer waiting in EnqueueAndWait gets the error after
Attempts handler calls and its item is taken out of the batch. Once Close is called,
remaining items get Attempts more calls before they are dropped.
*/
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/relabs-tech/canopy/core/logger"
)

// ErrFull is returned when an item could not be queued in time
var ErrFull = errors.New("queue is full")

// ErrClosed is returned when enqueuing on a closed queue
var ErrClosed = errors.New("queue is closed")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as an error that retrying cannot fix. A handler returns it for
// batches that must be dropped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent returns true if err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Handler persists a batch of items
type Handler[T any] func(ctx context.Context, batch []T) error

// Builder is a builder helper for the Queue
type Builder[T any] struct {
	// Name is used in log statements. This is mandatory.
	Name string
	// Handler is called with batches of items. This is mandatory.
	Handler Handler[T]
	// Capacity is the number of items the queue buffers. Default is 1024.
	Capacity int
	// Workers is the number of concurrent handler calls. Default is 4.
	Workers int
	// BatchSize is the maximum number of items per handler call. Default is 1.
	BatchSize int
	// FlushInterval is the longest time an item waits for its batch to fill up. Default is 100ms.
	FlushInterval time.Duration
	// EnqueueTimeout is how long a producer waits for room. Default is 2s.
	EnqueueTimeout time.Duration
	// Attempts is the number of handler calls a waiting producer waits for, and the number
	// of calls items get after Close. Default is 4.
	Attempts int
	// Backoff is the pause before the first retry; it doubles with every retry. Default is 100ms.
	Backoff time.Duration
	// MaxBackoff caps the pause between retries. Default is 5s.
	MaxBackoff time.Duration
}

type entry[T any] struct {
	ctx  context.Context
	item T
	done chan error
}

// Queue is a bounded write-behind queue
type Queue[T any] struct {
	name           string
	handler        Handler[T]
	items          chan entry[T]
	batchSize      int
	flushInterval  time.Duration
	enqueueTimeout time.Duration
	attempts       int
	backoff        time.Duration
	maxBackoff     time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// Stats are counters of a queue
type Stats struct {
	Enqueued int64
	Rejected int64
	Written  int64
	Dropped  int64
	Retries  int64
	// Failed counts items whose waiting producer got an error
	Failed int64
}

// New creates a queue and starts its workers
func New[T any](b *Builder[T]) *Queue[T] {
	if b.Name == "" {
		panic("queue name is missing")
	}
	if b.Handler == nil {
		panic("queue handler is missing")
	}
	q := &Queue[T]{
		name:           b.Name,
		handler:        b.Handler,
		items:          make(chan entry[T], withDefault(b.Capacity, 1024)),
		batchSize:      withDefault(b.BatchSize, 1),
		flushInterval:  withDefault(b.FlushInterval, 100*time.Millisecond),
		enqueueTimeout: withDefault(b.EnqueueTimeout, 2*time.Second),
		attempts:       withDefault(b.Attempts, 4),
		backoff:        withDefault(b.Backoff, 100*time.Millisecond),
		maxBackoff:     withDefault(b.MaxBackoff, 5*time.Second),
		closing:        make(chan struct{}),
	}
	workers := withDefault(b.Workers, 4)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func withDefault[V int | time.Duration](v, def V) V {
	if v <= 0 {
		return def
	}
	return v
}

// Enqueue queues item for writing and returns as soon as it is queued. It blocks while
// the queue is full and fails with ErrFull after the enqueue timeout.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	return q.enqueue(ctx, entry[T]{ctx: ctx, item: item})
}

// EnqueueAndWait queues item and waits until its batch has been handled. It returns the
// handler's final error.
func (q *Queue[T]) EnqueueAndWait(ctx context.Context, item T) error {
	done := make(chan error, 1)
	if err := q.enqueue(ctx, entry[T]{ctx: ctx, item: item, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) enqueue(ctx context.Context, e entry[T]) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	// requests may be gone by the time the batch is written; keep the logger only
	rctx, _ := logger.ContextWithRequestID(context.Background(), logger.RequestIDFromContext(ctx))
	e.ctx = rctx

	select {
	case q.items <- e:
		q.count(func(s *Stats) { s.Enqueued++ })
		return nil
	default:
	}

	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()
	select {
	case q.items <- e:
		q.count(func(s *Stats) { s.Enqueued++ })
		return nil
	case <-timer.C:
		q.count(func(s *Stats) { s.Rejected++ })
		logger.FromContext(ctx).Warnf("%s: queue full, rejecting write", q.name)
		return ErrFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of items waiting
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Stats returns a snapshot of the queue counters
func (q *Queue[T]) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.stats
}

func (q *Queue[T]) count(f func(*Stats)) {
	q.statsMu.Lock()
	f(&q.stats)
	q.statsMu.Unlock()
}

// Close stops accepting items, drains what is queued and waits for the workers
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.closing)
		close(q.items)
		q.mu.Unlock()
	})
	q.wg.Wait()
}

func (q *Queue[T]) worker() {
	defer q.wg.Done()
	batch := make([]entry[T], 0, q.batchSize)
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-q.items:
			if !ok {
				q.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= q.batchSize {
				q.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				q.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (q *Queue[T]) flush(batch []entry[T]) {
	if len(batch) == 0 {
		return
	}
	ctx := batch[0].ctx
	rlog := logger.FromContext(ctx)
	pending := append([]entry[T](nil), batch...)
	backoff := q.backoff
	attempt := 0
	closingAttempts := 0

	for {
		items := make([]T, len(pending))
		for i := range pending {
			items[i] = pending[i].item
		}
		err := q.call(ctx, items)
		attempt++
		if err == nil {
			q.count(func(s *Stats) { s.Written += int64(len(items)) })
			q.done(pending, nil)
			return
		}
		if IsPermanent(err) {
			q.count(func(s *Stats) { s.Dropped += int64(len(items)) })
			rlog.WithError(err).Errorf("%s: dropping %d items, the write cannot succeed", q.name, len(items))
			q.done(pending, err)
			return
		}
		if q.isClosing() {
			closingAttempts++
			if closingAttempts >= q.attempts {
				q.count(func(s *Stats) { s.Dropped += int64(len(items)) })
				rlog.WithError(err).Errorf("%s: shutting down, dropping %d items", q.name, len(items))
				q.done(pending, err)
				return
			}
		}
		if attempt >= q.attempts {
			pending = q.releaseWaiters(pending, err)
			if len(pending) == 0 {
				return
			}
		}

		q.count(func(s *Stats) { s.Retries++ })
		rlog.WithError(err).Warnf("%s: write of %d items failed, attempt %d, retrying in %s", q.name, len(items), attempt, backoff)
		q.sleep(backoff)
		backoff *= 2
		if backoff > q.maxBackoff {
			backoff = q.maxBackoff
		}
	}
}

// releaseWaiters hands err to the producers waiting for their items and returns the
// items nobody waits for
func (q *Queue[T]) releaseWaiters(pending []entry[T], err error) []entry[T] {
	rest := pending[:0]
	failed := int64(0)
	for _, e := range pending {
		if e.done != nil {
			e.done <- err
			failed++
			continue
		}
		rest = append(rest, e)
	}
	if failed > 0 {
		q.count(func(s *Stats) { s.Failed += failed })
	}
	return rest
}

func (q *Queue[T]) done(batch []entry[T], err error) {
	for i := range batch {
		if batch[i].done != nil {
			batch[i].done <- err
		}
	}
}

func (q *Queue[T]) isClosing() bool {
	select {
	case <-q.closing:
		return true
	default:
		return false
	}
}

// sleep pauses for d, or until the queue is being closed. While the queue is being
// closed it pauses for the initial backoff.
func (q *Queue[T]) sleep(d time.Duration) {
	if q.isClosing() {
		time.Sleep(q.backoff)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.closing:
	}
}

// call runs the handler in a panic/recover envelope
func (q *Queue[T]) call(ctx context.Context, items []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
			debug.PrintStack()
		}
	}()
	return q.handler(ctx, items)
}
