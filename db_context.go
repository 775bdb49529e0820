package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
//
// Each of them offers a multi-row insert returning generated columns and a named lock
// bound to the current transaction, both required by the repository.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectSQLServer SQLDialect = "sqlserver"
	SQLDialectSQLite    SQLDialect = "sqlite"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
// It is compatible with the standard sql.Tx type.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection able to start transactions.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the outbox table layout.
// It is safe for concurrent use.
type DBContext struct {
	db      DB
	dialect SQLDialect
	table   TableConfig
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithTableConfig sets the full outbox table layout.
// Default is DefaultTableConfig().
func WithTableConfig(cfg TableConfig) DBContextOption {
	return func(c *DBContext) {
		c.table = cfg
	}
}

// WithTableName sets a custom table name, keeping the configured column names.
// Default is "outbox".
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.table.TableName = tableName
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) (*DBContext, error) {
	if db == nil {
		return nil, &ConfigurationError{Err: errors.New("database connection is required")}
	}
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) (*DBContext, error) {
	if db == nil {
		return nil, &ConfigurationError{Err: errors.New("database connection is required")}
	}

	c := &DBContext{
		db:      db,
		dialect: dialect,
		table:   DefaultTableConfig(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := validateDialect(c.dialect); err != nil {
		return nil, err
	}
	if err := c.table.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func validateDialect(dialect SQLDialect) error {
	switch dialect {
	case SQLDialectPostgres, SQLDialectSQLServer, SQLDialectSQLite:
		return nil
	default:
		return &ConfigurationError{Err: fmt.Errorf("unsupported SQL dialect %q", dialect)}
	}
}

// Dialect returns the configured SQL dialect.
func (c *DBContext) Dialect() SQLDialect {
	return c.dialect
}

// TableConfig returns the configured outbox table layout.
func (c *DBContext) TableConfig() TableConfig {
	return c.table
}

func (c *DBContext) queries() queryBuilder {
	return queryBuilder{dialect: c.dialect, table: c.table}
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
