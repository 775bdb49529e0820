package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	beginTxErr error
	tx         Tx
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	return f.tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestNewDBContext(t *testing.T) {
	dbCtx, err := NewDBContextWithDB(&fakeDB{}, SQLDialectSQLServer, WithTableName("dbo.events"))
	require.NoError(t, err)

	assert.Equal(t, SQLDialectSQLServer, dbCtx.Dialect())
	assert.Equal(t, "dbo.events", dbCtx.TableConfig().TableName)
	assert.Equal(t, "status", dbCtx.TableConfig().StatusFieldName)
}

func TestNewDBContextErrors(t *testing.T) {
	var cfgErr *ConfigurationError

	_, err := NewDBContext(nil, SQLDialectPostgres)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewDBContextWithDB(nil, SQLDialectPostgres)
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewDBContextWithDB(&fakeDB{}, SQLDialect("mysql"))
	require.ErrorAs(t, err, &cfgErr)

	bad := DefaultTableConfig()
	bad.UniqueIdentifierFieldName = "id;"
	_, err = NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres, WithTableConfig(bad))
	require.ErrorAs(t, err, &cfgErr)
}
