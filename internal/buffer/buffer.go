// Package buffer coalesces bursts of inbound events per sender. Each add
// restarts the sender's debounce timer; when the timer fires the queued batch
// is handed to a BatchProcessor while a processing lock rejects new adds.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wpp-relay/internal/domain"
	"wpp-relay/internal/metrics"
	"wpp-relay/internal/repository"
)

// FallbackMessage is sent to the sender when a batch fails.
const FallbackMessage = "Ocorreu um erro ao processar suas mensagens. Por favor, tente novamente."

const fieldEntries = "entries"

var ErrClosed = errors.New("buffer: closed")

// Result is the outcome of Add.
type Result int

const (
	Added Result = iota
	// Busy means a batch is being processed for the sender; the event was not buffered.
	Busy
)

func (r Result) String() string {
	if r == Busy {
		return "busy"
	}
	return "added"
}

type Config struct {
	// Delay is the quiet period after the last add before the batch fires.
	Delay time.Duration
	// Grace is added to Delay for the stored queue's TTL.
	Grace time.Duration
	// LockTTL bounds how long a crashed run can block a sender.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{Delay: 5 * time.Second, Grace: 5 * time.Second, LockTTL: 30 * time.Second}
}

// BatchProcessor consumes one debounced batch for a sender.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, sender string, entries []domain.BufferEntry) error
}

// Notifier delivers the fallback notice when a batch fails.
type Notifier interface {
	SendText(ctx context.Context, to, text string) error
}

type senderState struct {
	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
	dead  bool
}

type Buffer struct {
	kv      repository.Store
	cfg     Config
	proc    BatchProcessor
	notify  Notifier
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	ctx     context.Context

	mu      sync.Mutex
	senders map[string]*senderState
	closed  bool
	wg      sync.WaitGroup
}

type Option func(*Buffer)

func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// WithContext sets the parent context for batch runs started by timers.
func WithContext(ctx context.Context) Option {
	return func(b *Buffer) {
		if ctx != nil {
			b.ctx = ctx
		}
	}
}

func New(kv repository.Store, proc BatchProcessor, notify Notifier, cfg Config, opts ...Option) (*Buffer, error) {
	if kv == nil {
		return nil, errors.New("buffer: store must not be nil")
	}
	if proc == nil {
		return nil, errors.New("buffer: processor must not be nil")
	}
	if notify == nil {
		return nil, errors.New("buffer: notifier must not be nil")
	}
	def := DefaultConfig()
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	b := &Buffer{
		kv:      kv,
		cfg:     cfg,
		proc:    proc,
		notify:  notify,
		logger:  slog.Default(),
		now:     time.Now,
		ctx:     context.Background(),
		senders: map[string]*senderState{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// state returns the live state for sender with its mutex held.
func (b *Buffer) state(sender string) (*senderState, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		st, ok := b.senders[sender]
		if !ok {
			st = &senderState{}
			b.senders[sender] = st
		}
		b.mu.Unlock()

		st.mu.Lock()
		if !st.dead {
			return st, nil
		}
		st.mu.Unlock()
	}
}

// Add queues ev for sender and restarts the debounce timer. It returns Busy
// without queueing while a batch for sender is being processed.
func (b *Buffer) Add(ctx context.Context, sender string, ev domain.Event) (Result, error) {
	if len(ev.Raw) == 0 {
		return Added, errors.New("buffer: event has no raw payload")
	}
	st, err := b.state(sender)
	if err != nil {
		return Added, err
	}
	defer st.mu.Unlock()

	busy, err := b.IsProcessing(ctx, sender)
	if err != nil {
		return Added, err
	}
	if busy {
		b.metrics.RecordBusy()
		b.logger.Info("buffer busy, rejecting event", "phone", sender, "message_id", ev.ID)
		return Busy, nil
	}

	entries, err := b.entries(ctx, sender)
	if err != nil {
		b.logger.Warn("discarding unreadable buffer queue", "phone", sender, "err", err)
		entries = nil
	}
	entries = append(entries, domain.BufferEntry{Data: ev.Raw, Timestamp: b.now().UTC(), MessageID: ev.ID})
	enc, err := json.Marshal(entries)
	if err != nil {
		return Added, fmt.Errorf("buffer: encode queue: %w", err)
	}
	if err := b.kv.Put(ctx, repository.BufferKey(sender), map[string]string{fieldEntries: string(enc)}, b.cfg.Delay+b.cfg.Grace); err != nil {
		return Added, fmt.Errorf("buffer: store queue: %w", err)
	}

	if st.timer != nil && st.timer.Stop() {
		b.wg.Done()
	}
	st.gen++
	gen := st.gen
	b.wg.Add(1)
	st.timer = time.AfterFunc(b.cfg.Delay, func() { b.fire(sender, st, gen) })

	b.logger.Debug("buffered event", "phone", sender, "message_id", ev.ID, "queued", len(entries))
	return Added, nil
}

// fire runs the batch for sender if gen is still the current timer generation.
func (b *Buffer) fire(sender string, st *senderState, gen uint64) {
	defer b.wg.Done()
	ctx := b.ctx

	st.mu.Lock()
	if st.gen != gen || st.dead {
		st.mu.Unlock()
		return
	}
	st.timer = nil
	lock := map[string]string{"started_at": b.now().UTC().Format(time.RFC3339Nano)}
	if err := b.kv.Put(ctx, repository.ProcessingKey(sender), lock, b.cfg.LockTTL); err != nil {
		b.logger.Error("failed to set processing lock", "phone", sender, "err", err)
	}
	entries, readErr := b.entries(ctx, sender)
	// The queue is consumed here so events accepted after a lock expiry start
	// a queue of their own.
	if err := b.kv.Delete(ctx, repository.BufferKey(sender)); err != nil {
		b.logger.Error("failed to delete buffer queue", "phone", sender, "err", err)
	}
	st.mu.Unlock()

	defer b.cleanup(sender, st, gen)

	var err error
	if readErr != nil {
		err = readErr
	} else if len(entries) > 0 {
		b.logger.Info("processing buffered batch", "phone", sender, "count", len(entries))
		err = b.run(ctx, sender, entries)
	}
	b.metrics.RecordBatch(len(entries), err)
	if err == nil {
		return
	}

	b.logger.Error("batch processing failed", "phone", sender, "count", len(entries), "err", err)
	if nerr := b.notify.SendText(ctx, sender, FallbackMessage); nerr != nil {
		b.logger.Error("failed to send fallback message", "phone", sender, "err", nerr)
	}
}

func (b *Buffer) run(ctx context.Context, sender string, entries []domain.BufferEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("buffer: panic processing batch: %v", r)
		}
	}()
	return b.proc.ProcessBatch(ctx, sender, entries)
}

// cleanup releases the processing lock taken by the run of gen. A newer
// generation owns the sender's state from then on and is left untouched.
func (b *Buffer) cleanup(sender string, st *senderState, gen uint64) {
	ctx := context.WithoutCancel(b.ctx)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		b.logger.Warn("batch outlived its processing lock", "phone", sender)
		return
	}
	if err := b.kv.Delete(ctx, repository.ProcessingKey(sender)); err != nil {
		b.logger.Error("failed to release processing lock", "phone", sender, "err", err)
	}
	if st.timer == nil {
		b.mu.Lock()
		st.dead = true
		delete(b.senders, sender)
		b.mu.Unlock()
	}
}

// IsProcessing reports whether a processing lock exists for sender.
func (b *Buffer) IsProcessing(ctx context.Context, sender string) (bool, error) {
	ok, err := b.kv.Exists(ctx, repository.ProcessingKey(sender))
	if err != nil {
		return false, fmt.Errorf("buffer: check lock: %w", err)
	}
	return ok, nil
}

// Size returns the number of queued entries for sender, 0 if none or unreadable.
func (b *Buffer) Size(ctx context.Context, sender string) int {
	entries, err := b.entries(ctx, sender)
	if err != nil {
		return 0
	}
	return len(entries)
}

func (b *Buffer) entries(ctx context.Context, sender string) ([]domain.BufferEntry, error) {
	fields, err := b.kv.Get(ctx, repository.BufferKey(sender))
	if err != nil {
		return nil, fmt.Errorf("buffer: read queue: %w", err)
	}
	raw, ok := fields[fieldEntries]
	if !ok || raw == "" {
		return nil, nil
	}
	var entries []domain.BufferEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("buffer: decode queue: %w", err)
	}
	return entries, nil
}

// Close stops accepting events, fires every pending batch immediately and
// waits for in-flight runs until ctx is done.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := make(map[string]*senderState, len(b.senders))
	for sender, st := range b.senders {
		pending[sender] = st
	}
	b.mu.Unlock()

	for sender, st := range pending {
		st.mu.Lock()
		if st.timer != nil && st.timer.Stop() {
			gen := st.gen
			b.logger.Info("flushing buffered batch on shutdown", "phone", sender)
			go b.fire(sender, st, gen)
		}
		st.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("buffer: close: %w", ctx.Err())
	}
}
