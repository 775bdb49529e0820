package outbox

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TableConfig maps the outbox item fields to the physical table and column names.
type TableConfig struct {
	TableName                   string
	UniqueIdentifierFieldName   string
	StatusFieldName             string
	PublishingAttemptsFieldName string
	CreatedAtFieldName          string
	PublishingTargetFieldName   string
	PublishingPayloadFieldName  string
}

// DefaultTableConfig returns the table layout used unless another one is configured.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		TableName:                   "outbox",
		UniqueIdentifierFieldName:   "id",
		StatusFieldName:             "status",
		PublishingAttemptsFieldName: "publishing_attempts",
		CreatedAtFieldName:          "created_at",
		PublishingTargetFieldName:   "publishing_target",
		PublishingPayloadFieldName:  "publishing_payload",
	}
}

var (
	sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	tableNameRegexp     = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)
)

// Validate checks that every name is a valid SQL identifier and that columns are distinct.
// The table name may carry a single schema qualifier (e.g. "dbo.outbox").
func (c TableConfig) Validate() error {
	if err := c.validate(); err != nil {
		return &ConfigurationError{Err: err}
	}
	return nil
}

func (c TableConfig) validate() error {
	if c.TableName == "" {
		return errors.New("table name cannot be empty")
	}
	if !tableNameRegexp.MatchString(c.TableName) {
		return fmt.Errorf("invalid table name %q: must match [schema.]name with [a-zA-Z_][a-zA-Z0-9_]* parts", c.TableName)
	}

	seen := make(map[string]string, 6)
	for _, column := range c.columns() {
		if column.name == "" {
			return fmt.Errorf("%s column name cannot be empty", column.field)
		}
		if !sqlIdentifierRegexp.MatchString(column.name) {
			return fmt.Errorf("invalid %s column name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", column.field, column.name)
		}
		key := strings.ToLower(column.name)
		if other, ok := seen[key]; ok {
			return fmt.Errorf("column %q is mapped to both %s and %s", column.name, other, column.field)
		}
		seen[key] = column.field
	}

	return nil
}

type columnMapping struct {
	field string
	name  string
}

func (c TableConfig) columns() []columnMapping {
	return []columnMapping{
		{field: "unique identifier", name: c.UniqueIdentifierFieldName},
		{field: "status", name: c.StatusFieldName},
		{field: "publishing attempts", name: c.PublishingAttemptsFieldName},
		{field: "created at", name: c.CreatedAtFieldName},
		{field: "publishing target", name: c.PublishingTargetFieldName},
		{field: "publishing payload", name: c.PublishingPayloadFieldName},
	}
}
