package outbox

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout matches strftime('%Y-%m-%d %H:%M:%f', 'now'), the column default
// used for SQLite, so that text comparisons on the created-at column stay ordered.
const sqliteTimeLayout = "2006-01-02 15:04:05.000"

const maxBatchSizeParamName = "max_batch_size"

type statement struct {
	query string
	args  []any
}

// paramName returns the parameter name of a field for the given batch index,
// or the plain field name when index is negative.
func paramName(field string, index int) string {
	if index < 0 {
		return field
	}
	return fmt.Sprintf("%s_%d", field, index)
}

// paramBinder collects statement arguments and returns the placeholder for each of them.
// A name bound twice refers to the same argument on dialects with named or numbered
// placeholders, and repeats the argument on dialects with positional ones.
type paramBinder struct {
	dialect SQLDialect
	args    []any
	bound   map[string]string
}

func newParamBinder(dialect SQLDialect) *paramBinder {
	return &paramBinder{dialect: dialect, bound: make(map[string]string)}
}

func (b *paramBinder) bind(name string, value any) string {
	switch b.dialect {
	case SQLDialectSQLServer:
		placeholder, ok := b.bound[name]
		if !ok {
			placeholder = "@" + name
			b.bound[name] = placeholder
			b.args = append(b.args, sql.Named(name, value))
		}
		return placeholder

	case SQLDialectPostgres:
		placeholder, ok := b.bound[name]
		if !ok {
			b.args = append(b.args, value)
			placeholder = fmt.Sprintf("$%d", len(b.args))
			b.bound[name] = placeholder
		}
		return placeholder

	default:
		b.args = append(b.args, value)
		return "?"
	}
}

// queryBuilder produces the dialect specific statements run by the repository.
// It has no side effects.
type queryBuilder struct {
	dialect SQLDialect
	table   TableConfig
}

func (q queryBuilder) idAsText(column string) string {
	switch q.dialect {
	case SQLDialectPostgres:
		return fmt.Sprintf("CAST(%s AS TEXT)", column)
	case SQLDialectSQLServer:
		return fmt.Sprintf("CONVERT(NVARCHAR(255), %s)", column)
	default:
		return column
	}
}

func (q queryBuilder) timeParam(t time.Time) any {
	if q.dialect == SQLDialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func (q queryBuilder) selectColumns() string {
	t := q.table
	return strings.Join([]string{
		q.idAsText(t.UniqueIdentifierFieldName),
		t.StatusFieldName,
		t.PublishingAttemptsFieldName,
		t.CreatedAtFieldName,
		t.PublishingTargetFieldName,
		t.PublishingPayloadFieldName,
	}, ", ")
}

// buildInsert inserts all items in a single statement and returns, per row, the identifier
// and the creation time assigned by the store. Rows are not guaranteed to come back in
// input order, callers match them by identifier.
func (q queryBuilder) buildInsert(items []*Item) (statement, error) {
	if len(items) == 0 {
		return statement{}, errors.New("no items to insert")
	}

	t := q.table
	b := newParamBinder(q.dialect)

	rows := make([]string, 0, len(items))
	for i, item := range items {
		rows = append(rows, fmt.Sprintf("(%s, %s, %s, %s, %s)",
			b.bind(paramName(t.UniqueIdentifierFieldName, i), item.ID),
			b.bind(paramName(t.StatusFieldName, i), string(item.Status)),
			b.bind(paramName(t.PublishingAttemptsFieldName, i), item.PublishingAttempts),
			b.bind(paramName(t.PublishingTargetFieldName, i), item.PublishingTarget),
			b.bind(paramName(t.PublishingPayloadFieldName, i), item.PublishingPayload)))
	}

	columns := strings.Join([]string{
		t.UniqueIdentifierFieldName,
		t.StatusFieldName,
		t.PublishingAttemptsFieldName,
		t.PublishingTargetFieldName,
		t.PublishingPayloadFieldName,
	}, ", ")

	var query string
	switch q.dialect {
	case SQLDialectSQLServer:
		query = fmt.Sprintf("INSERT INTO %s (%s) OUTPUT %s, INSERTED.%s VALUES %s",
			t.TableName, columns,
			q.idAsText("INSERTED."+t.UniqueIdentifierFieldName), t.CreatedAtFieldName,
			strings.Join(rows, ", "))
	default:
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES %s RETURNING %s, %s",
			t.TableName, columns, strings.Join(rows, ", "),
			q.idAsText(t.UniqueIdentifierFieldName), t.CreatedAtFieldName)
	}

	return statement{query: query, args: b.args}, nil
}

// buildUpdate updates the status and the publishing attempts of all items in a single
// statement. Attempts are only ever raised: a lower value than the stored one is ignored.
// Rows in a terminal status keep it.
func (q queryBuilder) buildUpdate(items []*Item) (statement, error) {
	if len(items) == 0 {
		return statement{}, errors.New("no items to update")
	}

	t := q.table
	b := newParamBinder(q.dialect)

	terminal := make([]string, 0, len(terminalStatuses))
	for _, status := range terminalStatuses {
		terminal = append(terminal, "'"+string(status)+"'")
	}

	statusCases := make([]string, 0, len(items))
	for i, item := range items {
		statusCases = append(statusCases, fmt.Sprintf("WHEN %s = %s AND %s NOT IN (%s) THEN %s",
			t.UniqueIdentifierFieldName,
			b.bind(paramName(t.UniqueIdentifierFieldName, i), item.ID),
			t.StatusFieldName, strings.Join(terminal, ", "),
			b.bind(paramName(t.StatusFieldName, i), string(item.Status))))
	}

	attemptCases := make([]string, 0, len(items))
	for i, item := range items {
		attempts := paramName(t.PublishingAttemptsFieldName, i)
		attemptCases = append(attemptCases, fmt.Sprintf("WHEN %s = %s AND %s > %s THEN %s",
			t.UniqueIdentifierFieldName,
			b.bind(paramName(t.UniqueIdentifierFieldName, i), item.ID),
			b.bind(attempts, item.PublishingAttempts),
			t.PublishingAttemptsFieldName,
			b.bind(attempts, item.PublishingAttempts)))
	}

	ids := make([]string, 0, len(items))
	for i, item := range items {
		ids = append(ids, b.bind(paramName(t.UniqueIdentifierFieldName, i), item.ID))
	}

	query := fmt.Sprintf("UPDATE %s SET %s = CASE %s ELSE %s END, %s = CASE %s ELSE %s END WHERE %s IN (%s)",
		t.TableName,
		t.StatusFieldName, strings.Join(statusCases, " "), t.StatusFieldName,
		t.PublishingAttemptsFieldName, strings.Join(attemptCases, " "), t.PublishingAttemptsFieldName,
		t.UniqueIdentifierFieldName, strings.Join(ids, ", "))

	return statement{query: query, args: b.args}, nil
}

// buildRetrieveByStatus selects items with the given status, oldest first.
// The result is capped to maxBatchSize rows when it is positive.
func (q queryBuilder) buildRetrieveByStatus(status Status, maxBatchSize int) statement {
	t := q.table
	b := newParamBinder(q.dialect)

	if q.dialect == SQLDialectSQLServer {
		top := ""
		if maxBatchSize > 0 {
			top = fmt.Sprintf("TOP (%s) ", b.bind(maxBatchSizeParamName, maxBatchSize))
		}
		query := fmt.Sprintf("SELECT %s%s FROM %s WHERE %s = %s ORDER BY %s ASC",
			top, q.selectColumns(), t.TableName,
			t.StatusFieldName, b.bind(paramName(t.StatusFieldName, -1), string(status)),
			t.CreatedAtFieldName)
		return statement{query: query, args: b.args}
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s ASC",
		q.selectColumns(), t.TableName,
		t.StatusFieldName, b.bind(paramName(t.StatusFieldName, -1), string(status)),
		t.CreatedAtFieldName)
	if maxBatchSize > 0 {
		query += " LIMIT " + b.bind(maxBatchSizeParamName, maxBatchSize)
	}

	return statement{query: query, args: b.args}
}

// buildCleanup deletes every item created strictly before the given time, whatever its status.
func (q queryBuilder) buildCleanup(before time.Time) statement {
	t := q.table
	b := newParamBinder(q.dialect)

	query := fmt.Sprintf("DELETE FROM %s WHERE %s < %s",
		t.TableName, t.CreatedAtFieldName,
		b.bind(paramName(t.CreatedAtFieldName, -1), q.timeParam(before)))

	return statement{query: query, args: b.args}
}

var dbTimeLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

// dbTime scans timestamps returned either as time.Time or as text, as SQLite does.
// The result is always in UTC.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		return errors.New("timestamp is NULL")
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(raw string) error {
	for _, layout := range dbTimeLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp format %q", raw)
}
