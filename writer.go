package outbox

import (
	"context"
	"errors"
	"fmt"
)

// Writer stores outbox items as part of user-defined queries within a database transaction.
type Writer struct {
	dbCtx           *DBContext
	repoOpts        []RepositoryOption
	batchSize       int
	unmanagedWriter *UnmanagedWriter
}

// UnmanagedWriter provides low-level access to outbox table persistence.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback transactions.
// It is intended for users who manage the transaction lifecycle themselves.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged() function.
type UnmanagedWriter struct {
	w *Writer
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
// It executes user defined queries within the same transaction that stores the item.
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// OutboxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and stores items within the same transaction.
// The Writer commits or rolls back the transaction once the callback completes.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, itemWriter ItemWriter) error

// ItemWriter allows storing items within a managed transaction.
type ItemWriter interface {
	// Store inserts new items in the outbox table and returns them with their
	// identifier and creation time. They are committed with the enclosing transaction.
	Store(ctx context.Context, requests ...InsertionRequest) ([]*Item, error)
}

// WriterOption is a function that configures a Writer instance.
type WriterOption func(*Writer)

// WithWriterRepositoryOptions sets the options of the repository used to insert items.
func WithWriterRepositoryOptions(opts ...RepositoryOption) WriterOption {
	return func(w *Writer) {
		w.repoOpts = append(w.repoOpts, opts...)
	}
}

// WithInsertBatchSize sets the number of items inserted per statement.
// Default is DefaultBatchSize. Must be positive.
func WithInsertBatchSize(batchSize int) WriterOption {
	return func(w *Writer) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// NewWriter creates a new outbox Writer with the given database context and options.
func NewWriter(dbCtx *DBContext, opts ...WriterOption) (*Writer, error) {
	if dbCtx == nil {
		return nil, &ConfigurationError{Err: errors.New("db context is required")}
	}

	w := &Writer{
		dbCtx:     dbCtx,
		batchSize: DefaultBatchSize,
	}
	w.unmanagedWriter = &UnmanagedWriter{w: w}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Write executes user defined queries and stores items in the outbox table within the same
// managed transaction, and returns every item stored.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics.
//
// Example:
//
//	items, err := writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, itemWriter outbox.ItemWriter) error {
//	    _, err := tx.ExecContext(ctx, "INSERT INTO orders (id, amount) VALUES ($1, $2)", order.ID, order.Amount)
//	    if err != nil {
//	        return err
//	    }
//
//	    _, err = itemWriter.Store(ctx, outbox.NewInsertionRequest("orders.created", order))
//	    return err
//	})
func (w *Writer) Write(ctx context.Context, fn OutboxWorkFunc) ([]*Item, error) {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	repo, err := NewRepository(w.dbCtx, tx, w.repoOpts...)
	if err != nil {
		return nil, err
	}

	itemWriter := &itemWriter{repo: repo, batchSize: w.batchSize}

	err = fn(ctx, tx, itemWriter)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	txCommitted = true

	return itemWriter.items, nil
}

// WriteOne executes the provided callback and stores a single item in the outbox table
// as part of a managed transaction.
//
// For conditional or multiple items use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, req InsertionRequest, fn TxWorkFunc) (*Item, error) {
	items, err := w.Write(ctx, func(ctx context.Context, tx TxQueryer, itemWriter ItemWriter) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}

		_, err := itemWriter.Store(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	return items[0], nil
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction lifecycle.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanagedWriter
}

// Store inserts items using a user provided transaction.
// They are only persisted if the transaction is committed by the caller.
func (u *UnmanagedWriter) Store(ctx context.Context, tx TxQueryer, requests ...InsertionRequest) ([]*Item, error) {
	repo, err := NewRepository(u.w.dbCtx, tx, u.w.repoOpts...)
	if err != nil {
		return nil, err
	}
	return repo.InsertNewItems(ctx, requests, u.w.batchSize)
}

type itemWriter struct {
	repo      *Repository
	batchSize int
	items     []*Item
}

func (w *itemWriter) Store(ctx context.Context, requests ...InsertionRequest) ([]*Item, error) {
	items, err := w.repo.InsertNewItems(ctx, requests, w.batchSize)
	if err != nil {
		return nil, err
	}
	w.items = append(w.items, items...)
	return items, nil
}
