package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWriteTimeout = 2 * time.Second
	defaultQueueSize    = 1024
	defaultWorkers      = 4
	dropLogEvery        = 1000
)

// ContextFunc extracts request metadata (request id, remote address) to attach to entries.
type ContextFunc func(ctx context.Context) map[string]string

// Option configures an Emitter.
type Option func(*Emitter)

// WithTimeout bounds every sink write.
func WithTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithContextFunc sets the request metadata extractor.
func WithContextFunc(fn ContextFunc) Option {
	return func(e *Emitter) { e.contextFn = fn }
}

// WithQueue sizes the background queue and the number of workers draining it.
// Non-positive values keep the defaults.
func WithQueue(size, workers int) Option {
	return func(e *Emitter) {
		if size > 0 {
			e.queueSize = size
		}
		if workers > 0 {
			e.workers = workers
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// Emitter routes entries to a sink under an explicit per-call policy.
type Emitter struct {
	sink      Sink
	logger    *slog.Logger
	timeout   time.Duration
	contextFn ContextFunc
	now       func() time.Time

	queueSize int
	workers   int
	queue     chan pending
	dropped   atomic.Uint64

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pending struct {
	ctx   context.Context
	entry Entry
}

// NewEmitter constructs an emitter writing to sink.
func NewEmitter(sink Sink, logger *slog.Logger, opts ...Option) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		sink:      sink,
		logger:    logger,
		timeout:   defaultWriteTimeout,
		now:       time.Now,
		queueSize: defaultQueueSize,
		workers:   defaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	if sink != nil {
		e.queue = make(chan pending, e.queueSize)
		e.wg.Add(e.workers)
		for i := 0; i < e.workers; i++ {
			go e.drain()
		}
	}
	return e
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	for p := range e.queue {
		writeCtx, cancel := context.WithTimeout(p.ctx, e.timeout)
		if err := e.sink.Write(writeCtx, p.entry); err != nil {
			e.logger.Warn("audit write failed",
				slog.String("event_type", p.entry.EventType),
				slog.String("policy", BestEffort.String()),
				slog.Any("error", err))
		}
		cancel()
	}
}

// Log records entry. Required entries are written before returning and any sink
// failure is returned wrapped in ErrSinkUnavailable. BestEffort entries are
// queued for the background workers and never fail or block the caller; when
// the queue is full the entry is dropped and counted.
func (e *Emitter) Log(ctx context.Context, entry Entry, policy Policy) error {
	if e == nil || e.sink == nil {
		if policy == Required {
			return fmt.Errorf("%w: no sink configured", ErrSinkUnavailable)
		}
		return nil
	}
	entry = e.prepare(ctx, entry)

	if policy == Required {
		writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		if err := e.sink.Write(writeCtx, entry); err != nil {
			e.logger.Error("audit write failed",
				slog.String("event_type", entry.EventType),
				slog.String("policy", policy.String()),
				slog.Any("error", err))
			return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
		}
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("audit emitter closed, dropping entry", slog.String("event_type", entry.EventType))
		return nil
	}
	select {
	case e.queue <- pending{ctx: context.WithoutCancel(ctx), entry: entry}:
	default:
		if n := e.dropped.Add(1); n%dropLogEvery == 1 {
			e.logger.Warn("audit queue full, dropping entry",
				slog.String("event_type", entry.EventType),
				slog.Uint64("dropped_total", n))
		}
	}
	return nil
}

// Dropped reports how many BestEffort entries were discarded because the queue was full.
func (e *Emitter) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

func (e *Emitter) prepare(ctx context.Context, entry Entry) Entry {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = e.now().UTC()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	if e.contextFn != nil {
		meta := e.contextFn(ctx)
		if len(meta) > 0 {
			merged := make(map[string]string, len(meta)+len(entry.SecurityContext))
			for k, v := range meta {
				merged[k] = v
			}
			for k, v := range entry.SecurityContext {
				merged[k] = v
			}
			entry.SecurityContext = merged
		}
	}
	return entry
}

// Close stops accepting background writes and waits for queued ones. It is
// safe to call more than once.
func (e *Emitter) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		if e.queue != nil {
			close(e.queue)
		}
		e.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit: drain pending writes: %w", ctx.Err())
	}
}
