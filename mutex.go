package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Lock is a distributed lock held inside a database transaction.
//
// The store releases the lock when the owning transaction commits or rolls back, on
// every exit path. Release only marks the handle as released: the lock cannot outlive
// its transaction and is never released before it ends, so rows read under the lock
// stay protected until their updates are committed.
type Lock interface {
	// Name returns the lock name.
	Name() string

	// Release marks the lock as released. It is safe to call more than once.
	Release(ctx context.Context) error
}

// DistributedMutex acquires named locks bound to a database transaction.
type DistributedMutex interface {
	// Acquire waits up to timeout for the named lock. When the lock is held by someone
	// else after the timeout, Acquire returns ok == false and a nil error: a busy lock
	// is an expected outcome, and the transaction remains usable.
	Acquire(ctx context.Context, tx TxQueryer, name string, timeout time.Duration) (lock Lock, ok bool, err error)
}

// NewDistributedMutex returns the mutex implementation for the given dialect.
func NewDistributedMutex(dbCtx *DBContext) DistributedMutex {
	switch dbCtx.dialect {
	case SQLDialectSQLServer:
		return sqlServerMutex{}
	case SQLDialectSQLite:
		return sqliteMutex{table: dbCtx.table}
	default:
		return postgresMutex{pollInterval: defaultLockPollInterval}
	}
}

const defaultLockPollInterval = 50 * time.Millisecond

type transactionLock struct {
	name     string
	released atomic.Bool
}

func (l *transactionLock) Name() string {
	return l.name
}

func (l *transactionLock) Release(_ context.Context) error {
	l.released.Store(true)
	return nil
}

// postgresMutex polls a transaction level advisory lock until it is granted or the
// timeout elapses. pg_advisory_xact_lock with a lock_timeout would abort the whole
// transaction on timeout, the try variant does not.
type postgresMutex struct {
	pollInterval time.Duration
}

func (m postgresMutex) Acquire(ctx context.Context, tx TxQueryer, name string, timeout time.Duration) (Lock, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		var acquired bool
		err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock(hashtext($1))", name).Scan(&acquired)
		if err != nil {
			return nil, false, fmt.Errorf("acquiring advisory lock %q: %w", name, err)
		}
		if acquired {
			return &transactionLock{name: name}, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}

		timer := time.NewTimer(min(m.pollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
}

// sp_getapplock returns 0 or 1 when the lock is granted, -1 on timeout, -2 when the
// request was cancelled, -3 for a deadlock victim and -999 for invalid parameters.
const sqlServerAcquireLockQuery = `DECLARE @result INT;
EXEC @result = sp_getapplock @Resource = @lock_name, @LockMode = 'Exclusive', @LockOwner = 'Transaction', @LockTimeout = @lock_timeout_ms;
SELECT @result;`

type sqlServerMutex struct{}

func (sqlServerMutex) Acquire(ctx context.Context, tx TxQueryer, name string, timeout time.Duration) (Lock, bool, error) {
	var result int
	err := tx.QueryRowContext(ctx, sqlServerAcquireLockQuery,
		sql.Named("lock_name", name),
		sql.Named("lock_timeout_ms", timeout.Milliseconds()),
	).Scan(&result)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring application lock %q: %w", name, err)
	}

	switch {
	case result >= 0:
		return &transactionLock{name: name}, true, nil
	case result == -1, result == -2, result == -3:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("acquiring application lock %q: sp_getapplock returned %d", name, result)
	}
}

// sqliteMutex relies on SQLite allowing a single writer per database: a no-op write on
// the outbox table takes the database write lock, which is held until the transaction
// ends. Lock names are therefore not distinguished.
//
// The wait uses the connection busy timeout, which outlives the transaction. It is
// restored to its previous value once the write lock attempt returns.
type sqliteMutex struct {
	table TableConfig
}

func (m sqliteMutex) Acquire(ctx context.Context, tx TxQueryer, name string, timeout time.Duration) (Lock, bool, error) {
	var previous int64
	if err := tx.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&previous); err != nil {
		return nil, false, fmt.Errorf("reading busy timeout for lock %q: %w", name, err)
	}

	if err := setSQLiteBusyTimeout(ctx, tx, timeout.Milliseconds()); err != nil {
		return nil, false, fmt.Errorf("setting busy timeout for lock %q: %w", name, err)
	}

	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE 1 = 0",
		m.table.TableName, m.table.StatusFieldName, m.table.StatusFieldName)
	_, err := tx.ExecContext(ctx, query)

	if restoreErr := setSQLiteBusyTimeout(context.WithoutCancel(ctx), tx, previous); restoreErr != nil {
		return nil, false, fmt.Errorf("restoring busy timeout for lock %q: %w", name, restoreErr)
	}

	if err != nil {
		if isSQLiteBusy(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquiring write lock %q: %w", name, err)
	}

	return &transactionLock{name: name}, true, nil
}

func setSQLiteBusyTimeout(ctx context.Context, tx TxQueryer, millis int64) error {
	// nolint:gosec
	_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", millis))
	return err
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
