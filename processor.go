package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CycleResult summarizes one publishing cycle.
type CycleResult struct {
	// Skipped is true when another processor held the processing mutex.
	Skipped bool

	Retrieved     int
	Published     int
	Failed        int
	FatallyFailed int

	// CleanedUp is the number of historical items purged during the cycle.
	CleanedUp int64
}

// Processor periodically publishes pending outbox items.
//
// Every cycle runs in a single transaction: it acquires the processing mutex, reads
// the oldest pending items, publishes them one by one and persists their new status
// and attempts before committing. Any processor instance may run a cycle, the mutex
// ensures that only one of them publishes at a time.
type Processor struct {
	dbCtx     *DBContext
	publisher Publisher

	interval         time.Duration
	publishTimeout   time.Duration
	readBatchSize    int
	updateBatchSize  int
	retryPolicy      RetryPolicy
	backoff          BackoffFunc
	cleanupRetention time.Duration
	cleanupInterval  time.Duration
	repoOpts         []RepositoryOption
	logger           *zap.Logger
	meterProvider    metric.MeterProvider
	tracer           trace.Tracer
	metrics          processorMetrics

	cycleMu     sync.Mutex
	lastCleanup time.Time

	started  atomic.Bool
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	errMu    sync.RWMutex
	errDone  bool
	errCh    chan error
	errChCap int
}

// ProcessorOption is a function that configures a Processor instance.
type ProcessorOption func(*Processor)

// WithInterval sets the time between two cycles.
// Default is 10 seconds. Must be positive.
func WithInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithPublishTimeout sets the timeout of a single Publish call.
// Default is 5 seconds. Must be positive.
func WithPublishTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.publishTimeout = timeout
		}
	}
}

// WithReadBatchSize sets the maximum number of pending items handled per cycle.
// Default is 100 items. Must be positive.
func WithReadBatchSize(batchSize int) ProcessorOption {
	return func(p *Processor) {
		if batchSize > 0 {
			p.readBatchSize = batchSize
		}
	}
}

// WithUpdateBatchSize sets the number of items updated per statement.
// Default is DefaultBatchSize. Must be positive.
func WithUpdateBatchSize(batchSize int) ProcessorOption {
	return func(p *Processor) {
		if batchSize > 0 {
			p.updateBatchSize = batchSize
		}
	}
}

// WithRetryPolicy sets the policy deciding whether a failed item is retried.
// Default is MaxAttempts(DefaultMaxAttempts).
func WithRetryPolicy(policy RetryPolicy) ProcessorOption {
	return func(p *Processor) {
		if policy != nil {
			p.retryPolicy = policy
		}
	}
}

// WithBackoff sets the delay applied instead of the interval after failed cycles.
// Default is Exponential(200ms, 1m).
func WithBackoff(backoff BackoffFunc) ProcessorOption {
	return func(p *Processor) {
		if backoff != nil {
			p.backoff = backoff
		}
	}
}

// WithFixedBackoff waits the same delay after every failed cycle.
func WithFixedBackoff(delay time.Duration) ProcessorOption {
	return WithBackoff(Fixed(delay))
}

// WithExponentialBackoff doubles the delay after every consecutive failed cycle, up to maxDelay.
func WithExponentialBackoff(initialDelay time.Duration, maxDelay time.Duration) ProcessorOption {
	return WithBackoff(Exponential(initialDelay, maxDelay))
}

// WithCleanupRetention enables purging items older than retention, whatever their status,
// as part of the publishing cycle. Default is 0 (disabled).
func WithCleanupRetention(retention time.Duration) ProcessorOption {
	return func(p *Processor) {
		if retention >= 0 {
			p.cleanupRetention = retention
		}
	}
}

// WithCleanupInterval sets the minimum time between two purges.
// Default is 1 hour. Must be positive.
func WithCleanupInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.cleanupInterval = interval
		}
	}
}

// WithRepositoryOptions sets the options of the repository created for every cycle.
func WithRepositoryOptions(opts ...RepositoryOption) ProcessorOption {
	return func(p *Processor) {
		p.repoOpts = append(p.repoOpts, opts...)
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) ProcessorOption {
	return func(p *Processor) {
		if size > 0 {
			p.errChCap = size
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default is the global provider.
func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(p *Processor) {
		p.meterProvider = provider
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Default is the global provider.
func WithTracerProvider(provider trace.TracerProvider) ProcessorOption {
	return func(p *Processor) {
		if provider != nil {
			p.tracer = provider.Tracer(instrumentationName)
		}
	}
}

// NewProcessor creates a Processor publishing the items of dbCtx through publisher.
func NewProcessor(dbCtx *DBContext, publisher Publisher, opts ...ProcessorOption) (*Processor, error) {
	if dbCtx == nil {
		return nil, &ConfigurationError{Err: errors.New("db context is required")}
	}
	if publisher == nil {
		return nil, &ConfigurationError{Err: errors.New("publisher is required")}
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		dbCtx:           dbCtx,
		publisher:       publisher,
		interval:        10 * time.Second,
		publishTimeout:  5 * time.Second,
		readBatchSize:   100,
		updateBatchSize: DefaultBatchSize,
		retryPolicy:     MaxAttempts(DefaultMaxAttempts),
		backoff:         Exponential(200*time.Millisecond, time.Minute),
		cleanupInterval: time.Hour,
		logger:          zap.NewNop(),
		ctx:             ctx,
		cancel:          cancel,
		errChCap:        128,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.tracer == nil {
		p.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}

	metrics, err := newProcessorMetrics(p.meterProvider)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}
	p.metrics = metrics
	p.errCh = make(chan error, p.errChCap)

	return p, nil
}

// Start begins running publishing cycles in the background.
// If Start is called multiple times, only the first call has an effect.
func (p *Processor) Start() {
	if p.closed.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		failures := 0
		timer := time.NewTimer(p.interval)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
			case <-p.ctx.Done():
				return
			}

			// a cycle in flight is not interrupted by Stop
			_, err := p.ProcessOnce(context.WithoutCancel(p.ctx))
			next := p.interval
			if err != nil {
				failures++
				next = p.backoff(failures)
			} else {
				failures = 0
			}
			timer.Reset(next)
		}
	}()
}

// Stop prevents new cycles from starting and waits for the cycle in flight, if any.
// The provided context controls how long to wait before giving up, in which case
// Stop returns the context's error.
//
// The error channel is closed once the processor is stopped.
// Calling Stop multiple times is safe and only the first call has an effect.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
		p.cycleMu.Lock()
		defer p.cycleMu.Unlock()
		p.closeErrors()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns a channel that receives errors from the processor.
// The channel is buffered to prevent blocking the processor. If the buffer becomes
// full, subsequent errors are dropped. The channel is closed when the processor is stopped.
//
// The returned error is one of:
//   - *PublishError: an item could not be published. Contains the item after the attempt.
//   - *CycleError:   the cycle failed and its transaction was rolled back.
func (p *Processor) Errors() <-chan error {
	return p.errCh
}

func (p *Processor) sendError(err error) {
	p.errMu.RLock()
	defer p.errMu.RUnlock()

	if p.errDone {
		return
	}

	select {
	case p.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (p *Processor) closeErrors() {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	if !p.errDone {
		p.errDone = true
		close(p.errCh)
	}
}

// ProcessOnce runs a single publishing cycle and returns its outcome.
// A cycle skipped because the processing mutex is busy is not an error.
//
// Publishing failures of single items are not returned, they are recorded on the items
// and reported on the error channel. A returned error means the whole cycle was rolled
// back: its items stay as they were and are handled again by a later cycle.
func (p *Processor) ProcessOnce(ctx context.Context) (CycleResult, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "outbox.process_cycle")
	defer span.End()

	result, err := p.runCycle(ctx)

	p.metrics.cycleDuration.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Bool("outbox.cycle.skipped", result.Skipped),
		attribute.Int("outbox.items.retrieved", result.Retrieved),
		attribute.Int("outbox.items.published", result.Published),
		attribute.Int("outbox.items.failed", result.Failed),
	)

	if err != nil {
		cycleErr := &CycleError{Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "outbox cycle failed")
		p.logger.Error("outbox cycle failed", zap.Error(err))
		p.sendError(cycleErr)
		return result, cycleErr
	}

	if result.Skipped {
		p.metrics.cyclesSkipped.Add(ctx, 1)
		return result, nil
	}

	p.metrics.itemsPublished.Add(ctx, int64(result.Published))
	p.metrics.itemsFailed.Add(ctx, int64(result.Failed))
	p.metrics.itemsFatallyFailed.Add(ctx, int64(result.FatallyFailed))

	if result.Retrieved > 0 || result.CleanedUp > 0 {
		p.logger.Debug("outbox cycle completed",
			zap.Int("retrieved", result.Retrieved),
			zap.Int("published", result.Published),
			zap.Int("failed", result.Failed),
			zap.Int("fatally_failed", result.FatallyFailed),
			zap.Int64("cleaned_up", result.CleanedUp),
			zap.Duration("duration", time.Since(start)))
	}

	return result, nil
}

func (p *Processor) runCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	tx, err := p.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	repo, err := NewRepository(p.dbCtx, tx, p.repoOpts...)
	if err != nil {
		return result, err
	}

	lock, ok, err := repo.AcquireDistributedProcessingMutex(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Skipped = true
		return result, nil
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	items, err := p.retrieveDue(ctx, repo)
	if err != nil {
		return result, err
	}
	result.Retrieved = len(items)

	for _, item := range items {
		p.handleItem(ctx, item, &result)
	}

	if len(items) > 0 {
		if _, err := repo.UpdateItems(ctx, items, p.updateBatchSize); err != nil {
			return result, err
		}
	}

	cleanupDue := p.cleanupDue()
	if cleanupDue {
		result.CleanedUp, err = repo.CleanupHistoricalItems(ctx, p.cleanupRetention)
		if err != nil {
			return result, err
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("committing transaction: %w", err)
	}
	txCommitted = true

	if cleanupDue {
		p.lastCleanup = time.Now()
	}

	return result, nil
}

// retrieveDue reads the items to publish in this cycle, oldest first. A stored Failed
// item is published again as Pending.
func (p *Processor) retrieveDue(ctx context.Context, repo *Repository) ([]*Item, error) {
	items, err := repo.RetrieveItemsByStatus(ctx, StatusPending, p.readBatchSize)
	if err != nil {
		return nil, err
	}

	failed, err := repo.RetrieveItemsByStatus(ctx, StatusFailed, p.readBatchSize)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return items, nil
	}

	for _, item := range failed {
		item.Status = StatusPending
	}
	items = append(items, failed...)
	slices.SortStableFunc(items, func(a, b *Item) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if p.readBatchSize > 0 && len(items) > p.readBatchSize {
		items = items[:p.readBatchSize]
	}

	return items, nil
}

func (p *Processor) handleItem(ctx context.Context, item *Item, result *CycleResult) {
	err := p.publishItem(ctx, item)
	item.IncrementAttempts()

	if err == nil {
		item.Status = StatusSuccessful
		result.Published++
		return
	}

	item.Status = statusAfterFailure(p.retryPolicy, item)
	result.Failed++
	if item.Status == StatusFatallyFailed {
		result.FatallyFailed++
	}

	p.logger.Warn("publishing outbox item failed",
		zap.String("id", item.ID),
		zap.String("target", item.PublishingTarget),
		zap.Int("attempts", item.PublishingAttempts),
		zap.Stringer("status", item.Status),
		zap.Error(err))
	p.sendError(&PublishError{Item: *item, Err: err})
}

func (p *Processor) publishItem(ctx context.Context, item *Item) error {
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	return p.publisher.Publish(ctx, item)
}

func (p *Processor) cleanupDue() bool {
	if p.cleanupRetention <= 0 {
		return false
	}
	return p.lastCleanup.IsZero() || time.Since(p.lastCleanup) >= p.cleanupInterval
}
