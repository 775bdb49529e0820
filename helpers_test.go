package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const sqliteSchema = `CREATE TABLE %s (
	%s TEXT PRIMARY KEY,
	%s TEXT NOT NULL,
	%s INTEGER NOT NULL DEFAULT 0,
	%s TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')),
	%s TEXT NOT NULL,
	%s TEXT NOT NULL
)`

func createSQLiteTable(t *testing.T, db *sql.DB, cfg TableConfig) {
	t.Helper()

	_, err := db.Exec(fmt.Sprintf(sqliteSchema,
		cfg.TableName,
		cfg.UniqueIdentifierFieldName,
		cfg.StatusFieldName,
		cfg.PublishingAttemptsFieldName,
		cfg.CreatedAtFieldName,
		cfg.PublishingTargetFieldName,
		cfg.PublishingPayloadFieldName))
	require.NoError(t, err)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "outbox.db")+"?_journal_mode=WAL")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// newSQLiteDBContext returns a DBContext on a fresh SQLite database holding an empty outbox table.
func newSQLiteDBContext(t *testing.T, opts ...DBContextOption) (*sql.DB, *DBContext) {
	t.Helper()

	db := openSQLite(t)
	dbCtx, err := NewDBContext(db, SQLDialectSQLite, opts...)
	require.NoError(t, err)
	createSQLiteTable(t, db, dbCtx.TableConfig())

	return db, dbCtx
}

func beginTx(t *testing.T, db *sql.DB) *sql.Tx {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tx.Rollback()
	})

	return tx
}

// insertItems stores requests in their own committed transaction.
func insertItems(t *testing.T, db *sql.DB, dbCtx *DBContext, requests ...InsertionRequest) []*Item {
	t.Helper()

	tx := beginTx(t, db)
	repo, err := NewRepository(dbCtx, tx)
	require.NoError(t, err)

	items, err := repo.InsertNewItems(context.Background(), requests, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return items
}

func retrieveItems(t *testing.T, db *sql.DB, dbCtx *DBContext, status Status) []*Item {
	t.Helper()

	tx := beginTx(t, db)
	repo, err := NewRepository(dbCtx, tx)
	require.NoError(t, err)

	items, err := repo.RetrieveItemsByStatus(context.Background(), status, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	return items
}

func setCreatedAt(t *testing.T, db *sql.DB, id string, createdAt time.Time) {
	t.Helper()

	_, err := db.Exec("UPDATE outbox SET created_at = ? WHERE id = ?", createdAt.UTC().Format(sqliteTimeLayout), id)
	require.NoError(t, err)
}

func requests(n int, target string) []InsertionRequest {
	reqs := make([]InsertionRequest, 0, n)
	for i := range n {
		reqs = append(reqs, NewInsertionRequest(target, map[string]int{"n": i}))
	}
	return reqs
}

// countingTx counts the statements sent through it.
type countingTx struct {
	*sql.Tx
	queries int
	execs   int
}

func (c *countingTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.queries++
	return c.Tx.QueryContext(ctx, query, args...)
}

func (c *countingTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.execs++
	return c.Tx.ExecContext(ctx, query, args...)
}
