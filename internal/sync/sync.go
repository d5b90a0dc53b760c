// Package sync moves locally queued samples to the user's HAT.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/auth"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/logging"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/metrics"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/prefs"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
)

// SampleStore is the durable queue the Syncer drains.
type SampleStore interface {
	PendingBatch(ctx context.Context, maxSize int) ([]models.Sample, error)
	MarkSynced(ctx context.Context, ids []int64, syncedAt time.Time) (int, error)
	Purge(ctx context.Context, before time.Time, includeUnsynced bool) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Client is the HAT API used by a cycle.
type Client interface {
	SchemaClient
	RecordPoster
}

// Observer receives the outcome of every cycle, including skipped ticks.
type Observer interface {
	SyncCompleted(result models.SyncCycleResult, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(result models.SyncCycleResult, err error)

func (f ObserverFunc) SyncCompleted(result models.SyncCycleResult, err error) {
	f(result, err)
}

// Syncer handles sample synchronization cycles
type Syncer struct {
	store    SampleStore
	tokens   auth.Provider
	resolver *Resolver
	uploader *Uploader
	prefs    prefs.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
	config   SyncerConfig
	now      func() time.Time

	running atomic.Bool
	trigger chan struct{}

	mu        sync.Mutex
	observers map[int]Observer
	nextID    int
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	SourceName string
	Source     string
	BatchSize  int
	Interval   time.Duration
	// Leeway adds a random delay in [0, Leeway) to every tick.
	Leeway time.Duration
	// MarkTimeout bounds the local write after the HAT confirmed a batch.
	MarkTimeout time.Duration
}

// DefaultSyncerConfig returns default syncer configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		SourceName:  "locations",
		Source:      "iphone",
		BatchSize:   100,
		Interval:    10 * time.Second,
		Leeway:      time.Second,
		MarkTimeout: 30 * time.Second,
	}
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithPrefs persists the successful sync counters.
func WithPrefs(p prefs.Store) Option {
	return func(s *Syncer) { s.prefs = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSyncer creates a new syncer instance
func NewSyncer(store SampleStore, tokens auth.Provider, client Client, config *SyncerConfig, opts ...Option) *Syncer {
	if config == nil {
		defaultConfig := DefaultSyncerConfig()
		config = &defaultConfig
	}
	cfg := *config
	defaults := DefaultSyncerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MarkTimeout <= 0 {
		cfg.MarkTimeout = defaults.MarkTimeout
	}
	if cfg.SourceName == "" {
		cfg.SourceName = defaults.SourceName
	}
	if cfg.Source == "" {
		cfg.Source = defaults.Source
	}

	s := &Syncer{
		store:     store,
		tokens:    tokens,
		prefs:     prefs.NewMemoryStore(),
		logger:    zap.NewNop(),
		config:    cfg,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("syncer")
	s.resolver = NewResolver(client, cfg.SourceName, cfg.Source, s.logger)
	s.uploader = NewUploader(client, s.logger)
	return s
}

// Resolver exposes the schema resolver, e.g. for status output.
func (s *Syncer) Resolver() *Resolver {
	return s.resolver
}

// Subscribe registers o for cycle outcomes and returns a function removing it.
func (s *Syncer) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.observers[id] = o

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Syncer) notify(result models.SyncCycleResult, err error) {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.SyncCompleted(result, err)
	}
}

// SyncNow asks a running Run loop to start a cycle immediately.
// Requests made while one is already queued are merged.
func (s *Syncer) SyncNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run starts a cycle on every tick and on SyncNow until ctx is done.
// A tick arriving while a cycle is in flight is skipped, not queued.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("Starting sync loop",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("leeway", s.config.Leeway),
		zap.Int("batch_size", s.config.BatchSize))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		timer := time.NewTimer(s.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Sync loop stopped")
			return nil
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
			s.logger.Debug("Manual sync requested")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunCycle(ctx)
		}()
	}
}

func (s *Syncer) nextDelay() time.Duration {
	if s.config.Leeway <= 0 {
		return s.config.Interval
	}
	return s.config.Interval + time.Duration(rand.Int63n(int64(s.config.Leeway)))
}

// RunCycle runs one cycle: select a batch, get a token, resolve the schema,
// upload, and mark the batch synced. Any failure leaves the store untouched.
// It returns ErrCycleInFlight without doing anything if a cycle is running.
func (s *Syncer) RunCycle(ctx context.Context) (models.SyncCycleResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		result := models.SyncCycleResult{Skipped: true, Message: "sync already in progress", StartedAt: s.now()}
		s.metrics.ObserveCycle(metrics.OutcomeSkipped, 0)
		s.notify(result, ErrCycleInFlight)
		return result, ErrCycleInFlight
	}
	defer s.running.Store(false)

	start := s.now()
	result, err := s.cycle(ctx)
	result.StartedAt = start
	result.Duration = s.now().Sub(start)

	outcome := outcomeOf(result, err)
	s.metrics.ObserveCycle(outcome, result.Duration)
	s.logCycle(result, err)

	if pending, perr := s.store.PendingCount(context.WithoutCancel(ctx)); perr == nil {
		s.metrics.SetPending(pending)
	}

	s.notify(result, err)
	return result, err
}

func (s *Syncer) cycle(ctx context.Context) (models.SyncCycleResult, error) {
	batch, err := s.store.PendingBatch(ctx, s.config.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return failed("sync cancelled"), ctx.Err()
		}
		return failed("cannot read local samples"), newError(KindStorage, "pending batch", err)
	}
	if len(batch) == 0 {
		return models.SyncCycleResult{Success: true, Message: "nothing to sync"}, nil
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return failed("authentication required"), newError(KindAuthRequired, "access token", err)
	}

	schema, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		s.afterFailure(err)
		return failed("schema error"), err
	}

	uploaded, err := s.uploader.Upload(ctx, token, batch, schema)
	if err != nil {
		s.afterFailure(err)
		return failed(messageFor(err)), err
	}

	// the HAT has the batch; record it even if ctx was cancelled meanwhile
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.MarkTimeout)
	defer cancel()

	marked, err := s.store.MarkSynced(markCtx, uploaded.IDs, uploaded.Watermark)
	if err != nil {
		return failed("cannot record synced samples"), newError(KindStorage, "mark synced", err)
	}
	if marked != len(uploaded.IDs) {
		s.logger.Warn("Some samples were already marked synced",
			zap.Int("submitted", len(uploaded.IDs)),
			zap.Int("marked", marked))
	}

	confirmed := len(uploaded.IDs)
	if err := s.prefs.RecordSuccess(confirmed, s.now().UTC()); err != nil {
		s.logger.Warn("Failed to persist sync counters", logging.Error(err))
	}
	s.metrics.AddSynced(marked)

	watermark := uploaded.Watermark
	return models.SyncCycleResult{
		Success:          true,
		SamplesConfirmed: confirmed,
		Message:          fmt.Sprintf("synced %d samples", confirmed),
		ServerTimestamp:  &watermark,
	}, nil
}

// afterFailure drops state the failure proved stale.
func (s *Syncer) afterFailure(err error) {
	kind, ok := KindOf(err)
	if !ok {
		return
	}
	switch kind {
	case KindAuthRequired:
		s.tokens.Invalidate()
	case KindTableGone:
		s.resolver.Invalidate()
	}
}

func failed(msg string) models.SyncCycleResult {
	return models.SyncCycleResult{Message: msg}
}

func messageFor(err error) string {
	kind, _ := KindOf(err)
	switch {
	case kind == KindAuthRequired:
		return "authentication required"
	case kind == KindTableGone:
		return "remote table missing, will re-resolve"
	case kind.IsSchema():
		return "schema error"
	default:
		return "upload failed"
	}
}

func outcomeOf(result models.SyncCycleResult, err error) string {
	if err == nil {
		if result.SamplesConfirmed == 0 {
			return metrics.OutcomeNoop
		}
		return metrics.OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if _, ok := KindOf(err); !ok {
			return metrics.OutcomeCancelled
		}
	}
	kind, _ := KindOf(err)
	switch {
	case kind == KindAuthRequired:
		return metrics.OutcomeAuthRequired
	case kind.IsSchema():
		return metrics.OutcomeSchemaError
	case kind == KindTableGone:
		return metrics.OutcomeTableGone
	case kind == KindStorage:
		return metrics.OutcomeStorage
	default:
		return metrics.OutcomeUploadFailed
	}
}

func (s *Syncer) logCycle(result models.SyncCycleResult, err error) {
	fields := []zap.Field{
		zap.Int("confirmed", result.SamplesConfirmed),
		zap.Duration("elapsed", result.Duration),
	}
	if err == nil {
		if result.SamplesConfirmed > 0 {
			s.logger.Info("Sync cycle completed", fields...)
		} else {
			s.logger.Debug("Sync cycle found nothing pending")
		}
		return
	}

	fields = append(fields, zap.String("message", result.Message), logging.Error(err))
	if kind, ok := KindOf(err); ok && kind == KindStorage {
		s.logger.Error("Sync cycle failed: sample store unavailable", fields...)
		return
	}
	s.logger.Warn("Sync cycle failed, will retry", fields...)
}

// Drain runs cycles back to back until a cycle confirms less than a full
// batch or fails. progress, when non-nil, is called after every cycle.
func (s *Syncer) Drain(ctx context.Context, progress func(confirmed int)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		result, err := s.RunCycle(ctx)
		if err != nil {
			return total, err
		}
		total += result.SamplesConfirmed
		if progress != nil {
			progress(result.SamplesConfirmed)
		}
		if result.SamplesConfirmed < s.config.BatchSize {
			return total, nil
		}
	}
}

// Purge deletes samples captured before the cutoff. Deleting unsynchronized
// samples is refused while a cycle is in flight so it never races a batch.
func (s *Syncer) Purge(ctx context.Context, before time.Time, includeUnsynced bool) (int64, error) {
	if includeUnsynced {
		if !s.running.CompareAndSwap(false, true) {
			return 0, ErrCycleInFlight
		}
		defer s.running.Store(false)
	}

	n, err := s.store.Purge(ctx, before, includeUnsynced)
	if err != nil {
		return 0, newError(KindStorage, "purge", err)
	}

	s.logger.Info("Purged samples",
		zap.Int64("deleted", n),
		zap.Time("before", before),
		zap.Bool("include_unsynced", includeUnsynced))
	if pending, err := s.store.PendingCount(ctx); err == nil {
		s.metrics.SetPending(pending)
	}
	return n, nil
}
