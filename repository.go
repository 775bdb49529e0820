package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the number of items inserted or updated per statement.
	DefaultBatchSize = 20

	// DefaultMutexTimeout is how long the processing mutex acquisition waits.
	DefaultMutexTimeout = 5 * time.Second

	mutexNamePrefix = "sqloutbox:"
)

// Repository performs outbox operations inside a transaction owned by the caller.
//
// A Repository never begins, commits or rolls back the transaction and performs no
// retries: every failure is returned to the caller, who is expected to roll back.
// It is bound to one transaction and is not safe for concurrent use.
type Repository struct {
	tx           TxQueryer
	queries      queryBuilder
	factory      ItemFactory
	mutex        DistributedMutex
	mutexTimeout time.Duration
	outboxName   string
	now          func() time.Time
	logger       *zap.Logger
}

// RepositoryOption is a function that configures a Repository instance.
type RepositoryOption func(*Repository)

// WithItemFactory sets the factory creating and reconstructing items.
// Default is NewItemFactory().
func WithItemFactory(factory ItemFactory) RepositoryOption {
	return func(r *Repository) {
		if factory != nil {
			r.factory = factory
		}
	}
}

// WithDistributedMutex replaces the dialect's distributed mutex implementation.
func WithDistributedMutex(mutex DistributedMutex) RepositoryOption {
	return func(r *Repository) {
		if mutex != nil {
			r.mutex = mutex
		}
	}
}

// WithMutexTimeout sets how long the processing mutex acquisition waits before giving up.
// Default is 5 seconds. Must not be negative.
func WithMutexTimeout(timeout time.Duration) RepositoryOption {
	return func(r *Repository) {
		if timeout >= 0 {
			r.mutexTimeout = timeout
		}
	}
}

// WithOutboxName sets the logical outbox name the processing mutex is scoped to,
// so that distinct outboxes sharing a database do not contend with each other.
// Default is the table name.
func WithOutboxName(name string) RepositoryOption {
	return func(r *Repository) {
		r.outboxName = name
	}
}

// WithClock sets the time source used to compute the cleanup cutoff.
// Default is time.Now.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRepositoryLogger sets the logger. Default is a no-op logger.
func WithRepositoryLogger(logger *zap.Logger) RepositoryOption {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRepository creates a Repository operating within tx.
func NewRepository(dbCtx *DBContext, tx TxQueryer, opts ...RepositoryOption) (*Repository, error) {
	if dbCtx == nil {
		return nil, &ConfigurationError{Err: errors.New("db context is required")}
	}
	if tx == nil {
		return nil, &ConfigurationError{Err: errors.New("transaction is required")}
	}

	r := &Repository{
		tx:           tx,
		queries:      dbCtx.queries(),
		factory:      NewItemFactory(),
		mutex:        NewDistributedMutex(dbCtx),
		mutexTimeout: DefaultMutexTimeout,
		outboxName:   dbCtx.table.TableName,
		now:          time.Now,
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.outboxName == "" {
		return nil, &ConfigurationError{Err: errors.New("outbox name cannot be empty")}
	}

	return r, nil
}

// MutexName returns the name of the processing mutex of this outbox.
func (r *Repository) MutexName() string {
	return mutexNamePrefix + r.outboxName
}

// InsertNewItems creates an item per request and inserts them in batches of batchSize
// (DefaultBatchSize when batchSize is not positive), one statement per batch.
//
// The returned items are in request order, with the identifier and the creation time
// assigned by the store. All payloads are serialized before any statement is issued,
// so a serialization failure inserts nothing.
func (r *Repository) InsertNewItems(ctx context.Context, requests []InsertionRequest, batchSize int) ([]*Item, error) {
	items := make([]*Item, 0, len(requests))
	for _, req := range requests {
		item, err := r.factory.NewItem(req.PublishingTarget, req.Payload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return items, nil
	}

	batches := 0
	for batch := range slices.Chunk(items, normalizeBatchSize(batchSize)) {
		if err := r.insertBatch(ctx, batch); err != nil {
			return nil, err
		}
		batches++
	}

	r.logger.Debug("inserted outbox items",
		zap.String("outbox", r.outboxName),
		zap.Int("items", len(items)),
		zap.Int("batches", batches))

	return items, nil
}

func (r *Repository) insertBatch(ctx context.Context, batch []*Item) error {
	stmt, err := r.queries.buildInsert(batch)
	if err != nil {
		return &InsertError{Count: len(batch), Err: err}
	}

	rows, err := r.tx.QueryContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return &InsertError{Count: len(batch), Err: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	byID := make(map[string]*Item, len(batch))
	for _, item := range batch {
		byID[r.canonicalID(item.ID)] = item
	}

	matched := 0
	for rows.Next() {
		var (
			rawID     string
			createdAt dbTime
		)
		if err := rows.Scan(&rawID, &createdAt); err != nil {
			return &InsertError{Count: len(batch), Err: fmt.Errorf("scanning inserted row: %w", err)}
		}

		item, ok := byID[r.canonicalID(rawID)]
		if !ok {
			return &InsertError{Count: len(batch), Err: fmt.Errorf("store returned unknown identifier %q", rawID)}
		}
		item.CreatedAt = createdAt.Time
		matched++
	}
	if err := rows.Err(); err != nil {
		return &InsertError{Count: len(batch), Err: err}
	}
	if matched != len(batch) {
		return &InsertError{Count: len(batch), Err: fmt.Errorf("store returned %d rows for %d items", matched, len(batch))}
	}

	return nil
}

func (r *Repository) canonicalID(raw string) string {
	id, err := r.factory.ParseID(raw)
	if err != nil {
		return raw
	}
	return id
}

// RetrieveItemsByStatus reads the items with the given status, oldest first, capped to
// maxBatchSize items when it is positive.
//
// A row that cannot be reconstructed fails the whole call with a *MalformedRecordError.
func (r *Repository) RetrieveItemsByStatus(ctx context.Context, status Status, maxBatchSize int) ([]*Item, error) {
	if !status.IsValid() {
		return nil, &RetrieveError{Status: status, Err: fmt.Errorf("unknown outbox status %q", status)}
	}

	stmt := r.queries.buildRetrieveByStatus(status, maxBatchSize)
	rows, err := r.tx.QueryContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return nil, &RetrieveError{Status: status, Err: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	items := make([]*Item, 0)
	for rows.Next() {
		var (
			id, rawStatus, target, payload string
			attempts                       int
			createdAt                      dbTime
		)
		if err := rows.Scan(&id, &rawStatus, &attempts, &createdAt, &target, &payload); err != nil {
			return nil, &MalformedRecordError{ID: id, Err: fmt.Errorf("scanning row: %w", err)}
		}

		item, err := r.factory.ExistingItem(id, createdAt.Time, rawStatus, attempts, target, payload)
		if err != nil {
			var malformed *MalformedRecordError
			if errors.As(err, &malformed) {
				return nil, err
			}
			return nil, &MalformedRecordError{ID: id, Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &RetrieveError{Status: status, Err: err}
	}

	return items, nil
}

// UpdateItems persists the status and the publishing attempts of the given items in
// batches of batchSize (DefaultBatchSize when batchSize is not positive), one statement
// per batch. Other fields are never updated, and stored attempts never decrease.
func (r *Repository) UpdateItems(ctx context.Context, items []*Item, batchSize int) ([]*Item, error) {
	for _, item := range items {
		if item == nil {
			return nil, &UpdateError{Err: errors.New("nil item")}
		}
		if !item.Status.IsValid() {
			return nil, &UpdateError{IDs: []string{item.ID}, Err: fmt.Errorf("unknown outbox status %q", item.Status)}
		}
	}

	for batch := range slices.Chunk(items, normalizeBatchSize(batchSize)) {
		stmt, err := r.queries.buildUpdate(batch)
		if err != nil {
			return nil, &UpdateError{IDs: itemIDs(batch), Err: err}
		}

		_, err = r.tx.ExecContext(ctx, stmt.query, stmt.args...)
		if err != nil {
			return nil, &UpdateError{IDs: itemIDs(batch), Err: err}
		}
	}

	return items, nil
}

// CleanupHistoricalItems deletes every item created more than retention ago, whatever its
// status, and returns the number of deleted items when the driver reports it.
func (r *Repository) CleanupHistoricalItems(ctx context.Context, retention time.Duration) (int64, error) {
	before := r.now().UTC().Add(-retention)
	if retention < 0 {
		return 0, &CleanupError{Before: before, Err: errors.New("retention must not be negative")}
	}

	stmt := r.queries.buildCleanup(before)
	res, err := r.tx.ExecContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return 0, &CleanupError{Before: before, Err: err}
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		deleted = 0
	}

	r.logger.Debug("purged historical outbox items",
		zap.String("outbox", r.outboxName),
		zap.Time("before", before),
		zap.Int64("items", deleted))

	return deleted, nil
}

// AcquireDistributedProcessingMutex acquires the processing mutex of this outbox within
// the repository transaction. When another transaction holds it past the configured
// timeout, ok is false and err is nil.
func (r *Repository) AcquireDistributedProcessingMutex(ctx context.Context) (lock Lock, ok bool, err error) {
	lock, ok, err = r.mutex.Acquire(ctx, r.tx, r.MutexName(), r.mutexTimeout)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		r.logger.Debug("outbox processing mutex is busy",
			zap.String("mutex", r.MutexName()),
			zap.Duration("timeout", r.mutexTimeout))
	}
	return lock, ok, nil
}

func normalizeBatchSize(batchSize int) int {
	if batchSize <= 0 {
		return DefaultBatchSize
	}
	return batchSize
}

func itemIDs(items []*Item) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
