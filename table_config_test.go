package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableConfigValidate(t *testing.T) {
	require.NoError(t, DefaultTableConfig().Validate())

	qualified := DefaultTableConfig()
	qualified.TableName = "dbo.outbox_items"
	require.NoError(t, qualified.Validate())

	tests := []struct {
		name   string
		modify func(*TableConfig)
	}{
		{name: "empty table", modify: func(c *TableConfig) { c.TableName = "" }},
		{name: "injected table", modify: func(c *TableConfig) { c.TableName = "outbox; DROP TABLE users" }},
		{name: "two qualifiers", modify: func(c *TableConfig) { c.TableName = "db.dbo.outbox" }},
		{name: "empty column", modify: func(c *TableConfig) { c.StatusFieldName = "" }},
		{name: "quoted column", modify: func(c *TableConfig) { c.PublishingTargetFieldName = `"target"` }},
		{name: "leading digit", modify: func(c *TableConfig) { c.CreatedAtFieldName = "1created" }},
		{name: "duplicate column", modify: func(c *TableConfig) { c.PublishingPayloadFieldName = "STATUS" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTableConfig()
			tt.modify(&cfg)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
		})
	}
}
